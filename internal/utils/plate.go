package utils

import (
	"strings"
	"unicode"
)

// NormalizePlate uppercases the plate and drops everything that is not a
// letter or digit, so "ab 123-c" and "AB123C" compare equal.
func NormalizePlate(plate string) string {
	var b strings.Builder
	b.Grow(len(plate))
	for _, r := range strings.ToUpper(strings.TrimSpace(plate)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
