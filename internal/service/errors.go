package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("otp session not found")
	ErrExpired          = errors.New("otp session expired")
	ErrTooManyAttempts  = errors.New("too many otp attempts")
	ErrInvalidCode      = errors.New("invalid otp code")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrStoreUnavailable = errors.New("session store unavailable")
	ErrInternal         = errors.New("internal error")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// ErrorKind maps err to a stable label for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrTooManyAttempts):
		return "too_many_attempts"
	case errors.Is(err, ErrInvalidCode):
		return "invalid_code"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}

// IsOTPFailure reports whether err is one of the verification outcomes a client
// may cause. All of them look the same from outside.
func IsOTPFailure(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrTooManyAttempts) ||
		errors.Is(err, ErrInvalidCode)
}

func storeError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func internalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
}
