package protocol

import "strings"

// FindCloseTag returns the index of the first occurrence of terminator in text
// that is not inside a double-quoted string region, or -1.
//
// A backslash escapes exactly one following character. Quote state at a
// candidate is the state after consuming every character before it, so a
// terminator literal embedded in a JSON string value is skipped.
func FindCloseTag(text, terminator string) int {
	if terminator == "" {
		return -1
	}

	from := 0
	inString := false
	escaped := false
	walked := 0

	for {
		rel := strings.Index(text[from:], terminator)
		if rel < 0 {
			return -1
		}
		candidate := from + rel

		for ; walked < candidate; walked++ {
			c := text[walked]
			if escaped {
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = !inString
			}
		}

		if !inString {
			return candidate
		}
		from = candidate + 1
	}
}
