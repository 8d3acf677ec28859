package stackparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_V8WithParen(t *testing.T) {
	stack := "TypeError: x is undefined\n    at foo (https://cdn.example.com/a.js:10:5)\n    at bar (https://cdn.example.com/b.js:20:3)"

	frames := Parse(stack)

	require.Len(t, frames, 2)
	assert.Equal(t, Frame{Function: "foo", File: "https://cdn.example.com/a.js", Line: 10, Col: 5}, frames[0])
	assert.Equal(t, Frame{Function: "bar", File: "https://cdn.example.com/b.js", Line: 20, Col: 3}, frames[1])
}

func TestParse_V8NoParen(t *testing.T) {
	frames := Parse("    at https://cdn.example.com/a.js:10:5")

	require.Len(t, frames, 1)
	assert.Equal(t, "", frames[0].Function)
	assert.Equal(t, "https://cdn.example.com/a.js", frames[0].File)
	assert.Equal(t, 10, frames[0].Line)
}

func TestParse_FirefoxSafari(t *testing.T) {
	frames := Parse("foo@https://cdn.example.com/a.js:10:5\nbar@https://cdn.example.com/b.js:1:1")

	require.Len(t, frames, 2)
	assert.Equal(t, "foo", frames[0].Function)
	assert.Equal(t, "bar", frames[1].Function)
}

func TestParse_UnrecognizedLinesDropped(t *testing.T) {
	frames := Parse("this is not a stack frame\nneither is this")
	assert.Empty(t, frames)
}

func TestParse_InvalidNumericsDropped(t *testing.T) {
	frames := Parse("at foo (a.js:abc:5)")
	assert.Empty(t, frames)
}

func TestParse_Empty(t *testing.T) {
	assert.Equal(t, []Frame{}, Parse(""))
}

func TestParse_MixedValidAndInvalid(t *testing.T) {
	stack := "Error: boom\n    at foo (a.js:1:1)\nnot a frame at all\n    at bar (b.js:2:2)"
	frames := Parse(stack)
	require.Len(t, frames, 2)
	assert.Equal(t, "foo", frames[0].Function)
	assert.Equal(t, "bar", frames[1].Function)
}
