package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"plain", "hello there", 100, "hello there"},
		{"strips control bytes", "hi\x01\x02 bob\x1b[31m", 100, "hi bob[31m"},
		{"keeps newline and tab", "line one\n\tline two", 100, "line one\n\tline two"},
		{"strips non ascii", "héllo wörld", 100, "hllo wrld"},
		{"truncates", strings.Repeat("a", 50), 10, "aaaaaaaaaa"},
		{"trims whitespace", "  padded  ", 100, "padded"},
		{"empty stays empty", "", 100, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeMessage(tt.in, tt.max))
		})
	}
}

func TestValidMudName(t *testing.T) {
	assert.True(t, ValidMudName("Alpha"))
	assert.True(t, ValidMudName("dark-mists_2"))
	assert.False(t, ValidMudName("ab"), "too short")
	assert.False(t, ValidMudName(strings.Repeat("a", 33)), "too long")
	assert.False(t, ValidMudName("bad name"))
	assert.False(t, ValidMudName("*"))
	assert.False(t, ValidMudName(""))
}

func TestValidUserName(t *testing.T) {
	assert.True(t, ValidUserName("a"))
	assert.True(t, ValidUserName("Bob_the-3rd"))
	assert.False(t, ValidUserName(""))
	assert.False(t, ValidUserName(strings.Repeat("b", 33)))
	assert.False(t, ValidUserName("bob!"))
}

func TestNormalizeMudName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Cool MUD", "My-Cool-MUD"},
		{"  spaced   out  ", "spaced-out"},
		{"Dark*Mists!", "DarkMists"},
		{strings.Repeat("x", 40), strings.Repeat("x", 32)},
	}

	for _, tt := range tests {
		got := NormalizeMudName(tt.in)
		assert.Equal(t, tt.want, got)
		assert.True(t, ValidMudName(got))
	}
}
