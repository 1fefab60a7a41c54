package google

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/vipul43/kiwis-sync/internal/service"
)

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

// classify maps Google API and OAuth errors onto the service error taxonomy
func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}

	var (
		authErr      *service.AuthorizationError
		transientErr *service.TransientError
		exhaustedErr *service.ResourceExhaustedError
	)
	if errors.As(err, &authErr) || errors.As(err, &transientErr) || errors.As(err, &exhaustedErr) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return &service.AuthorizationError{Err: err}
		case apiErr.Code == http.StatusTooManyRequests || hasReason(apiErr, rateLimitReasons):
			return &service.ResourceExhaustedError{RetryAfter: c.retryAfter(apiErr.Header), Err: err}
		case apiErr.Code == http.StatusForbidden:
			// Scope revoked or API access removed for this user
			return &service.AuthorizationError{Err: err}
		}
		return &service.TransientError{Err: err}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		switch retrieveErr.ErrorCode {
		case "invalid_grant", "unauthorized_client", "invalid_client":
			return &service.AuthorizationError{Err: err}
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusUnauthorized {
			return &service.AuthorizationError{Err: err}
		}
		return &service.TransientError{Err: err}
	}

	if errors.Is(err, service.ErrNoRefreshCapability) || errors.Is(err, service.ErrCredentialNotFound) {
		return &service.AuthorizationError{Err: err}
	}
	return &service.TransientError{Err: err}
}

// isSyncTokenInvalid reports whether the upstream rejected the stored sync
// token and a full resync is required
func isSyncTokenInvalid(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Code == http.StatusGone {
		return true
	}
	if apiErr.Code == http.StatusBadRequest {
		return strings.Contains(apiErr.Message, "EXPIRED_SYNC_TOKEN") ||
			strings.Contains(apiErr.Body, "EXPIRED_SYNC_TOKEN") ||
			strings.Contains(strings.ToLower(apiErr.Message), "sync token is expired")
	}
	return false
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func hasReason(apiErr *googleapi.Error, reasons map[string]bool) bool {
	for _, item := range apiErr.Errors {
		if reasons[item.Reason] {
			return true
		}
	}
	return false
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date
func (c *Client) retryAfter(header http.Header) time.Duration {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(c.clock.Now()); d > 0 {
			return d
		}
	}
	return 0
}
