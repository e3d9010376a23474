// ABOUTME: Tests for the newline record splitter.
// ABOUTME: Verifies partial records survive across arbitrary read boundaries.

package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineSplitter_CompleteLines(t *testing.T) {
	var s LineSplitter
	got := s.Feed([]byte("one\ntwo\n"))
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, got)
	assert.Equal(t, 0, s.Buffered())
}

func TestLineSplitter_RetainsPartial(t *testing.T) {
	var s LineSplitter
	assert.Empty(t, s.Feed([]byte(`{"type":"sys`)))
	assert.Equal(t, 12, s.Buffered())

	got := s.Feed([]byte("tem\"}\n{\"a\""))
	assert.Equal(t, [][]byte{[]byte(`{"type":"system"}`)}, got)

	assert.Equal(t, []byte(`{"a"`), s.Flush())
	assert.Nil(t, s.Flush())
}

func TestLineSplitter_SkipsBlankAndStripsCR(t *testing.T) {
	var s LineSplitter
	got := s.Feed([]byte("a\r\n\n   \nb\n"))
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, got)
}

func TestLineSplitter_ByteByByteMatchesBlock(t *testing.T) {
	input := []byte("first record\nsecond, longer record with ünïcödé\n\nthird")

	var whole LineSplitter
	want := whole.Feed(input)
	want = append(want, whole.Flush())

	var bytewise LineSplitter
	var got [][]byte
	for i := range input {
		got = append(got, bytewise.Feed(input[i:i+1])...)
	}
	got = append(got, bytewise.Flush())

	assert.Equal(t, want, got)
}

func TestLineSplitter_RecordsAreCopies(t *testing.T) {
	var s LineSplitter
	buf := []byte("abc\n")
	got := s.Feed(buf)
	buf[0] = 'X'
	assert.Equal(t, "abc", string(got[0]))
}
