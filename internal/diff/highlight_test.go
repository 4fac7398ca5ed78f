package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHighlighterLines(t *testing.T) {
	lines := []string{
		"package main",
		"",
		"func main() {",
		`	fmt.Println("hello")`,
		"}",
	}

	h := NewHighlighter(DefaultStyle)
	highlighted := h.Lines("main.go", lines)

	require.Len(t, highlighted, len(lines))
	assert.NotEmpty(t, highlighted[0].Tokens)
	assert.Equal(t, "package main", highlighted[0].Plain())
	assert.Equal(t, `	fmt.Println("hello")`, highlighted[3].Plain())

	// second call goes through the lexer cache
	again := h.Lines("other.go", lines[:1])
	require.Len(t, again, 1)
	assert.Equal(t, "package main", again[0].Plain())
}

func TestHighlighterUnknownLanguage(t *testing.T) {
	lines := []string{"some content", "more content"}
	highlighted := NewHighlighter("no-such-style").Lines("unknown.xyz123", lines)

	require.Len(t, highlighted, 2)
	assert.Equal(t, "some content", highlighted[0].Plain())
}
