package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrReauthorizationRequired is surfaced to users when a manual sync cannot
	// run until they reconnect the integration.
	ErrReauthorizationRequired = errors.New("re-authorization required")
	// ErrNoRefreshCapability means the credential cannot be refreshed without the user
	ErrNoRefreshCapability = errors.New("no refresh capability available")
	// ErrCredentialNotFound means no stored credential backs the key
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrPushNotSupported is returned when registering push for a polling-only integration
	ErrPushNotSupported = errors.New("integration does not support push notifications")
)

// AuthorizationError means the upstream rejected the credential. Retries stop
// until the user re-authorizes.
type AuthorizationError struct {
	Err error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization failed: %v", e.Err)
}

func (e *AuthorizationError) Unwrap() error {
	return e.Err
}

// TransientError covers network failures, 5xx responses and timeouts
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ValidationError marks a malformed or spoofed inbound request. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// ResourceExhaustedError is an upstream rate limit, optionally with the delay
// the upstream asked for.
type ResourceExhaustedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ResourceExhaustedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *ResourceExhaustedError) Unwrap() error {
	return e.Err
}

// IsAuthorization reports whether err is or wraps an AuthorizationError
func IsAuthorization(err error) bool {
	var authErr *AuthorizationError
	return errors.As(err, &authErr)
}

// IsValidation reports whether err is or wraps a ValidationError
func IsValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// RetryAfterHint returns the upstream's requested delay, if err carries one
func RetryAfterHint(err error) (time.Duration, bool) {
	var exhausted *ResourceExhaustedError
	if errors.As(err, &exhausted) && exhausted.RetryAfter > 0 {
		return exhausted.RetryAfter, true
	}
	return 0, false
}
