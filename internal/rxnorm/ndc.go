package rxnorm

import (
	"strings"
	"unicode"
)

// NormalizeNDC converts an NDC to its 11-digit form.
// Hyphenated 10-digit codes are padded per segment (5-4-2); anything else is
// stripped to digits and left-padded with zeros.
func NormalizeNDC(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if parts := strings.Split(s, "-"); len(parts) == 3 && allDigits(parts...) {
		return leftPad(parts[0], 5) + leftPad(parts[1], 4) + leftPad(parts[2], 2)
	}

	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
	return leftPad(digits, 11)
}

func leftPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

func allDigits(parts ...string) bool {
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if !unicode.IsDigit(r) {
				return false
			}
		}
	}
	return true
}
