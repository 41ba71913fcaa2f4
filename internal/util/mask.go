package util

import (
	"html"
	"strings"
)

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// MaskContact hides a phone number except for the country prefix and the
// last two digits, e.g. "966512345678" -> "9665******78".
func MaskContact(phone string) string {
	if len(phone) < 6 {
		return strings.Repeat("*", len(phone))
	}
	visible := 4
	tail := 2
	return phone[:visible] + strings.Repeat("*", len(phone)-visible-tail) + phone[len(phone)-tail:]
}
