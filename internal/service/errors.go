package service

import "errors"

// Sentinel errors returned by the OTP services. Handlers map these to HTTP
// status codes and stable machine-readable error codes with errors.Is.
var (
	ErrInvalidFormat         = errors.New("invalid identifier format")
	ErrUserNotFound          = errors.New("user not found")
	ErrAccountInactive       = errors.New("account is deactivated")
	ErrMissingContact        = errors.New("user has no contact number on file")
	ErrInvalidContact        = errors.New("user contact number is not a valid mobile number")
	ErrRateLimited           = errors.New("too many codes requested, try again later")
	ErrChallengeNotFound     = errors.New("verification challenge not found")
	ErrChallengeExpired      = errors.New("verification code has expired")
	ErrInvalidCode           = errors.New("verification code is incorrect")
	ErrTooManyAttempts       = errors.New("too many failed verification attempts")
	ErrAlreadyConsumed       = errors.New("verification code has already been used")
	ErrSessionCreationFailed = errors.New("failed to create session")
	ErrProviderIDMismatch    = errors.New("identity provider returned a different user id")
)

// ErrorCode returns the stable machine code for an error, or empty for
// errors without one. Codes are part of the API contract and never change.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidFormat):
		return "OTP_INVALID_FORMAT"
	case errors.Is(err, ErrUserNotFound):
		return "USER_NOT_FOUND"
	case errors.Is(err, ErrAccountInactive):
		return "ACCOUNT_INACTIVE"
	case errors.Is(err, ErrMissingContact):
		return "MISSING_CONTACT"
	case errors.Is(err, ErrInvalidContact):
		return "INVALID_CONTACT"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrChallengeNotFound):
		return "OTP_NOT_FOUND"
	case errors.Is(err, ErrChallengeExpired):
		return "OTP_EXPIRED"
	case errors.Is(err, ErrInvalidCode):
		return "OTP_INVALID_CODE"
	case errors.Is(err, ErrTooManyAttempts):
		return "TOO_MANY_ATTEMPTS"
	case errors.Is(err, ErrAlreadyConsumed):
		return "OTP_ALREADY_USED"
	case errors.Is(err, ErrSessionCreationFailed):
		return "SESSION_CREATION_FAILED"
	case errors.Is(err, ErrProviderIDMismatch):
		return "PROVIDER_ID_MISMATCH"
	default:
		return ""
	}
}
