// Package phone canonicalizes raw phone input into the digit-only form
// used to address WhatsApp targets.
package phone

import "strings"

// Normalize strips every non-digit rune from raw. "+221 77 123 45 67"
// becomes "221771234567". No country prefix is inserted here; callers
// that need a default prefix must add it upstream. Empty or digit-free
// input yields "", which downstream treats as invalid.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
