package grok

import (
	"strings"
	"unicode"
)

// ChunkText splits text into chunks of at most size characters, breaking
// on the last space before the limit where possible. Words longer than
// size are split mid-word.
func ChunkText(text string, size int) []string {
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= size {
			chunks = append(chunks, string(runes))
			break
		}

		splitAt := lastSpaceBefore(runes, size)
		if splitAt <= 0 {
			splitAt = size
		}
		chunks = append(chunks, string(runes[:splitAt]))
		runes = []rune(strings.TrimLeftFunc(string(runes[splitAt:]), unicode.IsSpace))
	}
	return chunks
}

func lastSpaceBefore(runes []rune, limit int) int {
	for i := limit - 1; i >= 0; i-- {
		if runes[i] == ' ' {
			return i
		}
	}
	return -1
}
