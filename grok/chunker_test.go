package grok

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkText(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		size     int
		expected []string
	}{
		{
			name:     "shorter than limit",
			input:    "hello world",
			size:     20,
			expected: []string{"hello world"},
		},
		{
			name:     "exactly the limit",
			input:    "hello",
			size:     5,
			expected: []string{"hello"},
		},
		{
			name:     "splits on last space",
			input:    "hello world foo",
			size:     11,
			expected: []string{"hello", "world foo"},
		},
		{
			name:     "long word is split mid-word",
			input:    "abcdefghij",
			size:     4,
			expected: []string{"abcd", "efgh", "ij"},
		},
		{
			name:     "leading whitespace trimmed from later chunks",
			input:    "aaa    bbb",
			size:     5,
			expected: []string{"aaa ", "bbb"},
		},
		{
			name:     "empty",
			input:    "",
			size:     10,
			expected: []string{""},
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, ChunkText(tc.input, tc.size))
			},
		)
	}
}

func TestChunkText_RespectsLimit(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet ", 400)
	chunks := ChunkText(text, discordChunkSize)
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), discordChunkSize)
	}
}

func TestChunkText_Unicode(t *testing.T) {
	text := strings.Repeat("é", 10)
	chunks := ChunkText(text, 3)
	assert.Equal(t, []string{"ééé", "ééé", "ééé", "é"}, chunks)
}
