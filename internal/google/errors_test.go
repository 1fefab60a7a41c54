package google

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/vipul43/kiwis-sync/internal/service"
)

func TestClassify(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewClient(Config{}, nil, nil, clock, nil)

	tests := []struct {
		name      string
		err       error
		wantAuth  bool
		wantRetry time.Duration
		wantLimit bool
	}{
		{
			name:     "401 is authorization",
			err:      &googleapi.Error{Code: http.StatusUnauthorized},
			wantAuth: true,
		},
		{
			name:     "403 without rate limit reason is authorization",
			err:      &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}}},
			wantAuth: true,
		},
		{
			name:      "403 rate limit is resource exhausted",
			err:       &googleapi.Error{Code: http.StatusForbidden, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}},
			wantLimit: true,
		},
		{
			name:      "429 carries retry-after seconds",
			err:       &googleapi.Error{Code: http.StatusTooManyRequests, Header: http.Header{"Retry-After": []string{"120"}}},
			wantLimit: true,
			wantRetry: 2 * time.Minute,
		},
		{
			name:      "429 carries retry-after date",
			err:       &googleapi.Error{Code: http.StatusTooManyRequests, Header: http.Header{"Retry-After": []string{clock.Now().Add(time.Hour).Format(http.TimeFormat)}}},
			wantLimit: true,
			wantRetry: time.Hour,
		},
		{
			name: "500 is transient",
			err:  &googleapi.Error{Code: http.StatusInternalServerError},
		},
		{
			name:     "invalid_grant is authorization",
			err:      fmt.Errorf("failed to refresh token: %w", &oauth2.RetrieveError{ErrorCode: "invalid_grant"}),
			wantAuth: true,
		},
		{
			name:     "missing refresh capability is authorization",
			err:      service.ErrNoRefreshCapability,
			wantAuth: true,
		},
		{
			name: "network error is transient",
			err:  errors.New("connection reset by peer"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.classify(tt.err)

			assert.Equal(t, tt.wantAuth, service.IsAuthorization(got))
			hint, ok := service.RetryAfterHint(got)
			assert.Equal(t, tt.wantRetry, hint)
			assert.Equal(t, tt.wantRetry > 0, ok)

			var exhausted *service.ResourceExhaustedError
			assert.Equal(t, tt.wantLimit, errors.As(got, &exhausted))
			if !tt.wantAuth && !tt.wantLimit {
				var transient *service.TransientError
				assert.True(t, errors.As(got, &transient), "expected transient, got %T", got)
			}
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassify_AlreadyClassified(t *testing.T) {
	c := NewClient(Config{}, nil, nil, nil, nil)
	authErr := &service.AuthorizationError{Err: errors.New("revoked")}

	assert.Same(t, authErr, c.classify(authErr))
	assert.Nil(t, c.classify(nil))
}

func TestIsSyncTokenInvalid(t *testing.T) {
	assert.True(t, isSyncTokenInvalid(&googleapi.Error{Code: http.StatusGone}))
	assert.True(t, isSyncTokenInvalid(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusBadRequest, Message: "Sync token is expired. Clear local cache and retry call without the sync token."})))
	assert.True(t, isSyncTokenInvalid(&googleapi.Error{Code: http.StatusBadRequest, Body: `{"error":{"details":[{"reason":"EXPIRED_SYNC_TOKEN"}]}}`}))
	assert.False(t, isSyncTokenInvalid(&googleapi.Error{Code: http.StatusBadRequest, Message: "bad field mask"}))
	assert.False(t, isSyncTokenInvalid(errors.New("boom")))
}
