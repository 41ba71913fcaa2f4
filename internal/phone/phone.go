// Package phone normalizes Saudi mobile numbers and validates national IDs.
package phone

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidNumber     = errors.New("invalid mobile number")
	ErrInvalidNationalID = errors.New("invalid national id")
)

var (
	mobilePattern     = regexp.MustCompile(`^9665[0-9]{8}$`)
	nationalIDPattern = regexp.MustCompile(`^[0-9]{10}$`)
)

// Normalize converts a Saudi mobile number to canonical international form
// (9665XXXXXXXX). Accepted inputs: 05XXXXXXXX, 5XXXXXXXX, 9665XXXXXXXX and
// 009665XXXXXXXX, with +, spaces, dashes and parentheses stripped. Only
// mobile numbers (prefix 5) are accepted.
func Normalize(raw string) (string, error) {
	cleaned := strings.NewReplacer("+", "", " ", "", "-", "", "(", "", ")", "").Replace(raw)
	if cleaned == "" {
		return "", ErrInvalidNumber
	}

	switch {
	case strings.HasPrefix(cleaned, "00966"):
		cleaned = cleaned[2:]
	case strings.HasPrefix(cleaned, "05") && len(cleaned) == 10:
		cleaned = "966" + cleaned[1:]
	case strings.HasPrefix(cleaned, "5") && len(cleaned) == 9:
		cleaned = "966" + cleaned
	}

	if !mobilePattern.MatchString(cleaned) {
		return "", ErrInvalidNumber
	}
	return cleaned, nil
}

// ValidateNationalID checks the fixed 10-digit national ID format.
func ValidateNationalID(nationalID string) error {
	if !nationalIDPattern.MatchString(nationalID) {
		return ErrInvalidNationalID
	}
	return nil
}
