// Package messaging implements the outbound text pipeline shared by every
// channel: splitting long replies into platform-sized chunks, throttling
// sends per recipient, and delivering the chunks in order.
package messaging

import (
	"strings"
	"unicode"
)

const (
	// DefaultMaxLength is used when a caller passes a non-positive limit.
	DefaultMaxLength = 4000

	// DefaultNewlineThreshold is the fraction of the window a newline must
	// fall past to be preferred over a space.
	DefaultNewlineThreshold = 0.5
)

// Split breaks text into chunks of at most maxLength runes.
//
// Cut preference inside each window: the last newline at or before
// maxLength when it lies past newlineThreshold*maxLength, then the last
// space, then a hard cut at maxLength. Every chunk is trimmed and never
// empty. Empty or whitespace-only input yields no chunks.
func Split(text string, maxLength int, newlineThreshold float64) []string {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if newlineThreshold <= 0 || newlineThreshold >= 1 {
		newlineThreshold = DefaultNewlineThreshold
	}

	rest := []rune(strings.TrimSpace(text))
	if len(rest) == 0 {
		return nil
	}
	if len(rest) <= maxLength {
		return []string{string(rest)}
	}

	minNewline := int(newlineThreshold * float64(maxLength))

	var chunks []string
	for len(rest) > maxLength {
		cut := lastIndexBefore(rest, maxLength, '\n')
		if cut <= minNewline {
			cut = lastIndexBefore(rest, maxLength, ' ')
		}
		if cut <= 0 {
			cut = maxLength
		}

		chunk := trimRunes(rest[:cut])
		if len(chunk) > 0 {
			chunks = append(chunks, string(chunk))
		}
		rest = trimRunes(rest[cut:])
	}
	if len(rest) > 0 {
		chunks = append(chunks, string(rest))
	}
	return chunks
}

// lastIndexBefore returns the index of the last target rune at a position
// <= limit, or -1.
func lastIndexBefore(rs []rune, limit int, target rune) int {
	if limit >= len(rs) {
		limit = len(rs) - 1
	}
	for i := limit; i >= 0; i-- {
		if rs[i] == target {
			return i
		}
	}
	return -1
}

func trimRunes(rs []rune) []rune {
	start, end := 0, len(rs)
	for start < end && unicode.IsSpace(rs[start]) {
		start++
	}
	for end > start && unicode.IsSpace(rs[end-1]) {
		end--
	}
	return rs[start:end]
}
