package google

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/service"
)

type tokenRefreshResult struct {
	AccessToken           string
	RefreshToken          string
	ExpiresAt             time.Time
	RefreshTokenExpiresAt *time.Time
}

// GetExpiry returns when the credential behind key stops being usable. For a
// refreshable account that is the refresh token expiry (nil when it never
// expires); otherwise it is the access token expiry.
func (c *Client) GetExpiry(ctx context.Context, key models.Key) (*time.Time, error) {
	account, err := c.account(ctx, key)
	if err != nil {
		return nil, err
	}
	if !account.CanRefresh() {
		return account.AccessTokenExpiresAt, nil
	}
	return account.RefreshTokenExpiresAt, nil
}

// Refresh exchanges the refresh token for new credentials and returns the new credential expiry
func (c *Client) Refresh(ctx context.Context, key models.Key) (*time.Time, error) {
	account, err := c.account(ctx, key)
	if err != nil {
		return nil, err
	}
	if !account.CanRefresh() {
		return nil, service.ErrNoRefreshCapability
	}

	result, err := c.refreshAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if result.RefreshTokenExpiresAt != nil {
		return result.RefreshTokenExpiresAt, nil
	}
	return account.RefreshTokenExpiresAt, nil
}

// accessToken returns a usable access token, refreshing it if it is expired
// or about to expire
func (c *Client) accessToken(ctx context.Context, key models.Key) (string, error) {
	account, err := c.account(ctx, key)
	if err != nil {
		if errors.Is(err, service.ErrCredentialNotFound) {
			return "", &service.AuthorizationError{Err: err}
		}
		return "", err
	}

	if account.AccessToken != nil && !c.isTokenExpired(account.AccessTokenExpiresAt) {
		return *account.AccessToken, nil
	}
	if !account.CanRefresh() {
		return "", &service.AuthorizationError{Err: service.ErrNoRefreshCapability}
	}

	c.logger.Debug("access token expired, refreshing", zap.String("account_id", account.ID))
	result, err := c.refreshAccount(ctx, account)
	if err != nil {
		return "", err
	}
	return result.AccessToken, nil
}

// isTokenExpired checks if access token is expired or will expire within the skew
func (c *Client) isTokenExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return true // Assume expired if no expiry time
	}
	return c.clock.Now().Add(accessTokenSkew).After(*expiresAt)
}

// refreshAccount refreshes the access token and updates the account
func (c *Client) refreshAccount(ctx context.Context, account *models.Account) (*tokenRefreshResult, error) {
	result, err := c.refreshAccessToken(ctx, *account.RefreshToken)
	if err != nil {
		return nil, c.classify(fmt.Errorf("failed to refresh token: %w", err))
	}

	if err := c.accounts.UpdateTokens(ctx, account.ID, result.AccessToken, result.RefreshToken, result.ExpiresAt, result.RefreshTokenExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to update tokens in database: %w", err)
	}

	c.logger.Info("token refreshed", zap.String("account_id", account.ID), zap.Time("expires_at", result.ExpiresAt))
	return result, nil
}

// refreshAccessToken refreshes the OAuth2 access token
func (c *Client) refreshAccessToken(ctx context.Context, refreshToken string) (*tokenRefreshResult, error) {
	config := &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: c.cfg.TokenURL,
		},
	}

	token := &oauth2.Token{
		RefreshToken: refreshToken,
	}

	newToken, err := config.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, err
	}

	result := &tokenRefreshResult{
		AccessToken: newToken.AccessToken,
		ExpiresAt:   newToken.Expiry,
	}

	// Check if refresh token was rotated
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		result.RefreshToken = newToken.RefreshToken
	} else {
		result.RefreshToken = refreshToken // Keep the same refresh token
	}

	// Time-limited refresh tokens report their remaining lifetime
	if seconds, ok := extraSeconds(newToken.Extra("refresh_token_expires_in")); ok {
		expiresAt := c.clock.Now().Add(time.Duration(seconds) * time.Second)
		result.RefreshTokenExpiresAt = &expiresAt
	}

	return result, nil
}

func extraSeconds(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), n > 0
	case int64:
		return n, n > 0
	case int:
		return int64(n), n > 0
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil && parsed > 0
	}
	return 0, false
}
