package whatsapp

import (
	"strings"

	appErrors "github.com/unclebandit/dispatch-engine/internal/errors"
)

// OnlyDigits drops every non-digit rune.
func OnlyDigits(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeE164 turns a loosely formatted phone into +<digits>. National
// numbers (up to 11 digits, not already starting with the country code)
// get defaultCountry prefixed.
func NormalizeE164(raw, defaultCountry string) (string, error) {
	digits := strings.TrimLeft(OnlyDigits(raw), "0")
	if digits == "" {
		return "", appErrors.ErrInvalidPhone
	}
	if !strings.HasPrefix(digits, defaultCountry) && len(digits) <= 11 {
		digits = defaultCountry + digits
	}
	if len(digits) < 8 {
		return "", appErrors.ErrInvalidPhone
	}
	return "+" + digits, nil
}
