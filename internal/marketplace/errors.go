package marketplace

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCodeRejected: the 2FA code was wrong or already used.
	ErrCodeRejected = errors.New("marketplace: verification code rejected")
	// ErrOrderNotReleasable: the order expired, was cancelled or is under appeal.
	ErrOrderNotReleasable = errors.New("marketplace: order not releasable")
	// ErrOutcomeUnknown: a mutating call timed out or failed in transport,
	// so the venue may or may not have applied it.
	ErrOutcomeUnknown = errors.New("marketplace: outcome unknown")
	ErrUnauthorized   = errors.New("marketplace: unauthorized")
	ErrRateLimited    = errors.New("marketplace: rate limited")
)

// Venue error codes the client classifies.
const (
	codeSignatureInvalid = "-1022"
	codeAPIKeyInvalid    = "-2015"
	codeTooManyRequests  = "-1003"
	code2FAInvalid       = "83001"
	code2FAExpired       = "83002"
	codeOrderStatus      = "83010"
	codeOrderExpired     = "83011"
	codeOrderNotFound    = "83012"
)

// APIError is a definite refusal from the marketplace (4xx or success=false).
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace returned %d (code %s): %s", e.Status, e.Code, e.Message)
}

// Is lets callers test API errors against the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrCodeRejected:
		return e.Code == code2FAInvalid || e.Code == code2FAExpired
	case ErrOrderNotReleasable:
		return e.Code == codeOrderStatus || e.Code == codeOrderExpired || e.Code == codeOrderNotFound
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Code == codeSignatureInvalid || e.Code == codeAPIKeyInvalid
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests || e.Code == codeTooManyRequests
	}
	return false
}

// IsRejection reports whether err is a definite refusal rather than an unknown outcome.
func IsRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
