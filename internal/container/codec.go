package container

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// ===========================================================================
// BINARY CODEC PRIMITIVES
// ===========================================================================
//
// All container and WAL entry encodings share the same primitives:
// little-endian fixed-width integers, strings and collections prefixed by
// 32-bit LE counts, optionals as a 0/1 tag byte followed by the body, and
// 32-byte digests inlined without a length prefix.
//
// The Decoder carries its error state so field reads chain without
// per-field error checks; callers test Err() once at the end.
//
// ===========================================================================

// ByteOrder is the byte order for every on-disk integer.
var ByteOrder = binary.LittleEndian

// Encoder appends fields to a growing buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int { return len(e.buf) }

// U8 appends a single byte.
func (e *Encoder) U8(v uint8) { e.buf = append(e.buf, v) }

// U32 appends a little-endian uint32.
func (e *Encoder) U32(v uint32) {
	e.buf = ByteOrder.AppendUint32(e.buf, v)
}

// U64 appends a little-endian uint64.
func (e *Encoder) U64(v uint64) {
	e.buf = ByteOrder.AppendUint64(e.buf, v)
}

// I64 appends a little-endian int64.
func (e *Encoder) I64(v int64) { e.U64(uint64(v)) }

// Bool appends a 0/1 byte.
func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
	} else {
		e.U8(0)
	}
}

// Str appends a u32 length prefix and the string bytes.
func (e *Encoder) Str(s string) {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// Blob appends a u32 length prefix and the raw bytes.
func (e *Encoder) Blob(b []byte) {
	e.U32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Fixed32 appends a 32-byte digest without a length prefix.
func (e *Encoder) Fixed32(d [32]byte) {
	e.buf = append(e.buf, d[:]...)
}

// Raw appends bytes verbatim.
func (e *Encoder) Raw(b []byte) {
	e.buf = append(e.buf, b...)
}

// OptU64 appends a presence tag and, when present, the value.
func (e *Encoder) OptU64(v *uint64) {
	if v == nil {
		e.U8(0)
		return
	}
	e.U8(1)
	e.U64(*v)
}

// OptI64 appends a presence tag and, when present, the value.
func (e *Encoder) OptI64(v *int64) {
	if v == nil {
		e.U8(0)
		return
	}
	e.U8(1)
	e.I64(*v)
}

// OptStr appends a presence tag and, when present, the string.
func (e *Encoder) OptStr(s string) {
	if s == "" {
		e.U8(0)
		return
	}
	e.U8(1)
	e.Str(s)
}

// OptBlob appends a presence tag and, when present, the bytes.
func (e *Encoder) OptBlob(b []byte) {
	if b == nil {
		e.U8(0)
		return
	}
	e.U8(1)
	e.Blob(b)
}

// StrMap appends a u32 count followed by key/value string pairs, keys in
// sorted order so the encoding is canonical.
func (e *Encoder) StrMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.U32(uint32(len(keys)))
	for _, k := range keys {
		e.Str(k)
		e.Str(m[k])
	}
}

// Decoder consumes fields from a buffer, carrying error state.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a decoder over buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decode error, if any.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

// Offset returns the current read offset.
func (d *Decoder) Offset() int { return d.off }

func (d *Decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = &DecodingError{Reason: fmt.Sprintf(format, args...)}
	}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.Remaining() < n {
		d.fail("need %d bytes at offset %d, have %d", n, d.off, d.Remaining())
		return nil
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out
}

// U8 reads a single byte.
func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// U32 reads a little-endian uint32.
func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return ByteOrder.Uint32(b)
}

// U64 reads a little-endian uint64.
func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return ByteOrder.Uint64(b)
}

// I64 reads a little-endian int64.
func (d *Decoder) I64() int64 { return int64(d.U64()) }

// Bool reads a 0/1 byte.
func (d *Decoder) Bool() bool {
	v := d.U8()
	if v > 1 {
		d.fail("invalid bool tag %d at offset %d", v, d.off-1)
	}
	return v == 1
}

// Str reads a u32-prefixed string.
func (d *Decoder) Str() string {
	n := d.U32()
	b := d.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

// Blob reads a u32-prefixed byte slice. The slice is copied.
func (d *Decoder) Blob() []byte {
	n := d.U32()
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Fixed32 reads a 32-byte digest.
func (d *Decoder) Fixed32() [32]byte {
	var out [32]byte
	b := d.take(32)
	if b != nil {
		copy(out[:], b)
	}
	return out
}

// OptU64 reads a presence tag and, when present, the value.
func (d *Decoder) OptU64() *uint64 {
	if !d.Bool() {
		return nil
	}
	v := d.U64()
	return &v
}

// OptI64 reads a presence tag and, when present, the value.
func (d *Decoder) OptI64() *int64 {
	if !d.Bool() {
		return nil
	}
	v := d.I64()
	return &v
}

// OptStr reads a presence tag and, when present, the string.
func (d *Decoder) OptStr() string {
	if !d.Bool() {
		return ""
	}
	return d.Str()
}

// OptBlob reads a presence tag and, when present, the bytes.
func (d *Decoder) OptBlob() []byte {
	if !d.Bool() {
		return nil
	}
	return d.Blob()
}

// StrMap reads a u32 count followed by key/value string pairs. An empty
// map decodes as nil so round trips preserve equality.
func (d *Decoder) StrMap() map[string]string {
	n := d.U32()
	if d.err != nil || n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		k := d.Str()
		v := d.Str()
		m[k] = v
	}
	return m
}
