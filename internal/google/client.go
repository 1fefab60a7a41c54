// Package google implements the credential store, push registrar and sync
// executors for the Google-backed integrations (People contacts and Calendar).
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/repository"
	"github.com/vipul43/kiwis-sync/internal/service"
)

const (
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	// accessTokenSkew refreshes access tokens this long before they expire
	accessTokenSkew = 5 * time.Minute
)

// AccountStore reads and updates the OAuth credentials written by the auth frontend
type AccountStore interface {
	GetByUserAndProvider(ctx context.Context, userID, providerID string) (*models.Account, error)
	UpdateTokens(ctx context.Context, accountID string, accessToken string, refreshToken string, accessTokenExpiresAt time.Time, refreshTokenExpiresAt *time.Time) error
}

// CursorStore persists the incremental sync token per key
type CursorStore interface {
	Get(ctx context.Context, key models.Key) (string, error)
	Save(ctx context.Context, key models.Key, token string) error
	Delete(ctx context.Context, key models.Key) error
}

type Config struct {
	ClientID     string
	ClientSecret string
	// WebhookAddress is the public HTTPS URL Google posts calendar notifications to
	WebhookAddress string
	// TokenURL and Endpoint override Google's hosts; empty uses production
	TokenURL string
	Endpoint string
}

type Client struct {
	cfg      Config
	accounts AccountStore
	cursors  CursorStore
	clock    clockwork.Clock
	logger   *zap.Logger
}

func NewClient(cfg Config, accounts AccountStore, cursors CursorStore, clock clockwork.Clock, logger *zap.Logger) *Client {
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		accounts: accounts,
		cursors:  cursors,
		clock:    clock,
		logger:   logger,
	}
}

// Execute runs an incremental sync for key, routed by integration
func (c *Client) Execute(ctx context.Context, key models.Key) (*service.ExecutionResult, error) {
	switch key.Integration {
	case models.IntegrationContacts:
		return c.syncContacts(ctx, key)
	case models.IntegrationCalendar:
		return c.syncCalendar(ctx, key)
	}
	return nil, fmt.Errorf("unsupported integration %q", key.Integration)
}

func (c *Client) account(ctx context.Context, key models.Key) (*models.Account, error) {
	provider := models.ProviderFor(key.Integration)
	if provider == "" {
		return nil, fmt.Errorf("no provider for integration %q", key.Integration)
	}

	account, err := c.accounts.GetByUserAndProvider(ctx, key.SubjectID, provider)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, service.ErrCredentialNotFound
		}
		return nil, err
	}
	return account, nil
}

// clientOptions authenticates API calls for key, refreshing the access token when needed
func (c *Client) clientOptions(ctx context.Context, key models.Key, path string) ([]option.ClientOption, error) {
	token, err := c.accessToken(ctx, key)
	if err != nil {
		return nil, err
	}

	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: token,
			TokenType:   "Bearer",
		})),
	}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(c.cfg.Endpoint, "/")+path))
	}
	return opts, nil
}
