package canon

import (
	"math"
	"testing"

	"gotest.tools/v3/assert"
)

// =============================================================================
// SUITE: CANONICAL STRING FORM
// =============================================================================

// TestFold verifies the canonical lookup form:
// - case folding
// - diacritic folding
// - compatibility normalization
// - whitespace collapse and trim
func TestFold(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Alice", "alice"},
		{"  Alice   Smith \t", "alice smith"},
		{"Café", "cafe"},
		{"ÅNGSTRÖM", "angstrom"},
		{"ＦＵＬＬＷＩＤＴＨ", "fullwidth"},
		{"", ""},
		{"   ", ""},
	}
	for _, c := range cases {
		assert.Equal(t, Fold(c.in), c.want, "Fold(%q)", c.in)
	}
}

// TestFoldIdempotent verifies Fold(Fold(x)) == Fold(x).
func TestFoldIdempotent(t *testing.T) {
	for _, s := range []string{"Alice", "Café au Lait", "ÅÄÖ üïé", "a  b   c"} {
		once := Fold(s)
		assert.Equal(t, Fold(once), once)
	}
}

// =============================================================================
// SUITE: OBJECT CANONICAL ENCODING
// =============================================================================

// TestCanonicalBytesTagged verifies every object kind carries its tag
// byte.
func TestCanonicalBytesTagged(t *testing.T) {
	objs := []Object{
		StringObject("x"),
		IntObject(42),
		FloatObject(1.5),
		BoolObject(true),
		BytesObject([]byte{1, 2}),
		TimeObject(123456),
		EntityObject("u:alice"),
	}
	for _, o := range objs {
		enc, err := o.CanonicalBytes()
		assert.NilError(t, err)
		assert.Equal(t, ObjectKind(enc[0]), o.Kind)
	}
}

// TestFloatCanonicalization verifies:
// - negative zero encodes as positive zero
// - NaN and infinities are rejected
func TestFloatCanonicalization(t *testing.T) {
	neg, err := FloatObject(math.Copysign(0, -1)).CanonicalBytes()
	assert.NilError(t, err)
	pos, err := FloatObject(0).CanonicalBytes()
	assert.NilError(t, err)
	assert.DeepEqual(t, neg, pos)

	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := FloatObject(bad).CanonicalBytes()
		assert.Assert(t, err != nil, "expected rejection of %v", bad)
	}
}

// TestStringObjectFoldsForDigest verifies that differently written but
// canonically equal strings dedupe to one digest.
func TestStringObjectFoldsForDigest(t *testing.T) {
	a, err := FactDigest("u:alice", "email", StringObject("Café"))
	assert.NilError(t, err)
	b, err := FactDigest("u:alice", "email", StringObject("cafe"))
	assert.NilError(t, err)
	assert.Equal(t, a, b)
}

// =============================================================================
// SUITE: DIGESTS
// =============================================================================

// TestFactDigestDiscriminates verifies the digest separates subject,
// predicate, and object.
func TestFactDigestDiscriminates(t *testing.T) {
	base, err := FactDigest("u:alice", "email", StringObject("a@x"))
	assert.NilError(t, err)

	other, err := FactDigest("u:bob", "email", StringObject("a@x"))
	assert.NilError(t, err)
	assert.Assert(t, base != other)

	other, err = FactDigest("u:alice", "phone", StringObject("a@x"))
	assert.NilError(t, err)
	assert.Assert(t, base != other)

	other, err = FactDigest("u:alice", "email", StringObject("a@y"))
	assert.NilError(t, err)
	assert.Assert(t, base != other)
}

// TestSpanKeyStableUnderRetraction verifies the span key excludes
// system_to: retraction never changes the key.
func TestSpanKeyStableUnderRetraction(t *testing.T) {
	to := int64(2000)
	a := SpanKeyDigest(7, 1000, &to, 1500)
	b := SpanKeyDigest(7, 1000, &to, 1500)
	assert.Equal(t, a, b)

	// Open valid_to encodes as -1, distinct from any closed span.
	open := SpanKeyDigest(7, 1000, nil, 1500)
	assert.Assert(t, open != a)

	// Different facts produce different keys.
	assert.Assert(t, SpanKeyDigest(8, 1000, &to, 1500) != a)
}
