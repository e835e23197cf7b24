package canon

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/framevault/framevault/internal/digest"
)

// ===========================================================================
// CANONICAL ENCODING
// ===========================================================================
//
// Structured memory dedupes facts by a 32-byte digest over a canonical
// encoding of (subject, predicate, object). The encoding must be stable
// across platforms, so it is defined here once:
//
//   strings  NFKC + Unicode case fold + diacritic fold, whitespace collapsed
//   floats   IEEE-754 bit pattern little-endian, -0 mapped to +0,
//            NaN/Inf rejected
//   ints     fixed 8-byte little-endian
//   times    fixed 8-byte little-endian millis
//   bools    single byte 0/1
//   bytes    raw
//
// Every field is preceded by an explicit tag byte so new object kinds can
// be added without invalidating old digests.
//
// ===========================================================================

// foldTransform strips combining marks after compatibility decomposition.
var foldTransform = transform.Chain(
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFKC,
)

var caseFolder = cases.Fold()

// Fold returns the canonical lookup form of s: NFKC-normalized,
// case-folded, diacritic-folded, with runs of whitespace collapsed to a
// single space and outer whitespace trimmed.
func Fold(s string) string {
	out, _, err := transform.String(foldTransform, s)
	if err != nil {
		// Invalid UTF-8 passes through unchanged; digests still hash the
		// raw bytes deterministically.
		out = s
	}
	out = caseFolder.String(out)
	return strings.Join(strings.Fields(out), " ")
}

// ===========================================================================
// TYPED OBJECTS
// ===========================================================================

// ObjectKind enumerates the typed-object column a fact may populate.
type ObjectKind uint8

const (
	KindString ObjectKind = 1
	KindInt    ObjectKind = 2
	KindFloat  ObjectKind = 3
	KindBool   ObjectKind = 4
	KindBytes  ObjectKind = 5
	KindTime   ObjectKind = 6
	KindEntity ObjectKind = 7
)

// String returns a human-readable name for the object kind.
func (k ObjectKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	case KindTime:
		return "time"
	case KindEntity:
		return "entity"
	default:
		return "unknown"
	}
}

// Object is the typed object of a fact. Exactly the field matching Kind is
// meaningful.
type Object struct {
	Kind      ObjectKind
	Str       string
	Int       int64
	Float     float64
	Bool      bool
	Bytes     []byte
	TimeMs    int64
	EntityKey string
}

// StringObject returns a string-typed object.
func StringObject(s string) Object { return Object{Kind: KindString, Str: s} }

// IntObject returns an int64-typed object.
func IntObject(v int64) Object { return Object{Kind: KindInt, Int: v} }

// FloatObject returns a float64-typed object.
func FloatObject(v float64) Object { return Object{Kind: KindFloat, Float: v} }

// BoolObject returns a bool-typed object.
func BoolObject(v bool) Object { return Object{Kind: KindBool, Bool: v} }

// BytesObject returns a bytes-typed object.
func BytesObject(v []byte) Object { return Object{Kind: KindBytes, Bytes: v} }

// TimeObject returns a time-millis-typed object.
func TimeObject(ms int64) Object { return Object{Kind: KindTime, TimeMs: ms} }

// EntityObject returns an entity-reference object.
func EntityObject(key string) Object { return Object{Kind: KindEntity, EntityKey: key} }

// CanonicalBytes returns the tagged canonical encoding of the object.
// Non-finite floats are rejected; negative zero canonicalizes to +0.
func (o Object) CanonicalBytes() ([]byte, error) {
	switch o.Kind {
	case KindString:
		return append([]byte{byte(KindString)}, Fold(o.Str)...), nil
	case KindInt:
		buf := make([]byte, 9)
		buf[0] = byte(KindInt)
		binary.LittleEndian.PutUint64(buf[1:], uint64(o.Int))
		return buf, nil
	case KindFloat:
		f := o.Float
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite float %v cannot be canonicalized", f)
		}
		if f == 0 {
			f = 0 // normalizes -0 to +0
		}
		buf := make([]byte, 9)
		buf[0] = byte(KindFloat)
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(f))
		return buf, nil
	case KindBool:
		b := byte(0)
		if o.Bool {
			b = 1
		}
		return []byte{byte(KindBool), b}, nil
	case KindBytes:
		return append([]byte{byte(KindBytes)}, o.Bytes...), nil
	case KindTime:
		buf := make([]byte, 9)
		buf[0] = byte(KindTime)
		binary.LittleEndian.PutUint64(buf[1:], uint64(o.TimeMs))
		return buf, nil
	case KindEntity:
		return append([]byte{byte(KindEntity)}, Fold(o.EntityKey)...), nil
	default:
		return nil, fmt.Errorf("unknown object kind %d", o.Kind)
	}
}

// ===========================================================================
// DIGESTS
// ===========================================================================

// FactDigest derives the 32-byte dedupe key for a fact.
func FactDigest(subjectKey, predicateKey string, obj Object) ([digest.Size]byte, error) {
	var zero [digest.Size]byte
	objBytes, err := obj.CanonicalBytes()
	if err != nil {
		return zero, err
	}
	s := digest.New()
	s.Write([]byte{0x01})
	s.Write([]byte(Fold(subjectKey)))
	s.Write([]byte{0x02})
	s.Write([]byte(predicateKey))
	s.Write([]byte{0x03})
	s.Write(objBytes)
	return s.Sum(), nil
}

// SpanKeyDigest derives the stable key of a bitemporal span. The key is
// stable under retraction: system_to is excluded. A nil validTo encodes
// as -1.
func SpanKeyDigest(factID int64, validFrom int64, validTo *int64, systemFrom int64) [digest.Size]byte {
	vt := int64(-1)
	if validTo != nil {
		vt = *validTo
	}
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(factID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(validFrom))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(vt))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(systemFrom))
	return digest.Sum(buf)
}
