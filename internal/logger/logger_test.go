package logger

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestHeadTail(t *testing.T) {
	head, tail := HeadTail("curto", 10)
	assert.Equal(t, "curto", head)
	assert.Empty(t, tail)

	head, tail = HeadTail(strings.Repeat("a", 30), 10)
	assert.Equal(t, strings.Repeat("a", 10), head)
	assert.Equal(t, strings.Repeat("a", 10), tail)
}

func TestHeadTail_KeepsRunesWhole(t *testing.T) {
	// Both cuts land inside a two-byte "Ç".
	s := strings.Repeat("a", 9) + "Ç" + strings.Repeat("x", 20) + "Ç" + strings.Repeat("z", 9)

	head, tail := HeadTail(s, 10)
	assert.Equal(t, strings.Repeat("a", 9), head)
	assert.Equal(t, strings.Repeat("z", 9), tail)
	assert.True(t, utf8.ValidString(head))
	assert.True(t, utf8.ValidString(tail))
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "pequeno", Excerpt("pequeno", 10))

	s := strings.Repeat("a", 9) + "Ç" + strings.Repeat("x", 20) + "Ç" + strings.Repeat("z", 9)
	got := Excerpt(s, 10)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 9)+" ...[24 bytes omitted]... "+strings.Repeat("z", 9), got)
}
