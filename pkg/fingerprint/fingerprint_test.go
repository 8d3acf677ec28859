package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_StableUnderWhitespace(t *testing.T) {
	stack1 := "at foo (a.js:10:5)\nat bar (b.js:20:3)"
	stack2 := "  at foo (a.js:10:5)  \n  at bar (b.js:20:3)  "

	h1 := Fingerprint(stack1, "TypeError: x is undefined", "a.js")
	h2 := Fingerprint(stack2, "TypeError: x is undefined", "a.js")

	assert.Equal(t, h1, h2)
}

func TestFingerprint_StableUnderLiteralAnonymization(t *testing.T) {
	stack := "at foo (a.js:10:5)"

	h1 := Fingerprint(stack, `TypeError: value 42 at "abc" is undefined`, "a.js")
	h2 := Fingerprint(stack, `TypeError: value 99 at "xyz" is undefined`, "a.js")

	assert.Equal(t, h1, h2)
}

func TestFingerprint_DiffersOnDifferentStructure(t *testing.T) {
	h1 := Fingerprint("at foo (a.js:10:5)", "TypeError: x is undefined", "a.js")
	h2 := Fingerprint("at differentFn (other.js:99:1)", "RangeError: y is undefined", "other.js")

	assert.NotEqual(t, h1, h2)
}

func TestFingerprint_DropsLineNumbersForThirdParty(t *testing.T) {
	h1 := Fingerprint("at foo (/app/node_modules/lib/index.js:10:5)", "boom", "a.js")
	h2 := Fingerprint("at foo (/app/node_modules/lib/index.js:999:5)", "boom", "a.js")

	assert.Equal(t, h1, h2)
}

func TestFingerprint_Deterministic(t *testing.T) {
	stack := "at foo (a.js:10:5)"
	message := "TypeError: x is undefined"

	h1 := Fingerprint(stack, message, "a.js")
	h2 := Fingerprint(stack, message, "a.js")

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32) // hex-encoded 128-bit hash
}

func TestFingerprint_TruncatesLongMessages(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	short := make([]byte, 500)
	for i := range short {
		short[i] = 'a'
	}
	short[450] = 'b' // differs only past the 200-char truncation boundary

	h1 := Fingerprint("at foo (a.js:1:1)", string(long), "a.js")
	h2 := Fingerprint("at foo (a.js:1:1)", string(short), "a.js")

	assert.Equal(t, h1, h2)
}
