package stream

import (
	"strings"
	"unicode/utf8"
)

// ValidText converts a raw output line to a string. Invalid UTF-8
// sequences become U+FFFD so the text encodes to JSON and decodes back to
// the same string.
func ValidText(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// cutIncompleteRune drops a trailing multi-byte sequence that was split
// by truncation.
func cutIncompleteRune(b []byte) []byte {
	for back := 1; back <= utf8.UTFMax && back <= len(b); back++ {
		i := len(b) - back
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if !utf8.FullRune(b[i:]) {
			return b[:i]
		}
		return b
	}
	return b
}
