package models

import "time"

// ProviderGoogle is the providerId written by the auth frontend for Google sign-ins
const ProviderGoogle = "google"

// Account is the OAuth credential row owned by the auth frontend.
// Column names use camelCase to match the Prisma schema; this service only reads
// expiry metadata and writes refreshed tokens.
type Account struct {
	ID                   string     `gorm:"column:id;primaryKey"`
	UserID               string     `gorm:"column:userId"`
	ProviderID           string     `gorm:"column:providerId"`
	AccessToken          *string    `gorm:"column:accessToken"`
	RefreshToken         *string    `gorm:"column:refreshToken"`
	AccessTokenExpiresAt *time.Time `gorm:"column:accessTokenExpiresAt"`
	// RefreshTokenExpiresAt is nil for refresh tokens that never expire
	RefreshTokenExpiresAt *time.Time `gorm:"column:refreshTokenExpiresAt"`
	Scope                 *string    `gorm:"column:scope"`
	CreatedAt             time.Time  `gorm:"column:createdAt"`
	UpdatedAt             time.Time  `gorm:"column:updatedAt"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "account"
}

// CanRefresh reports whether a refresh token is stored for this account
func (a *Account) CanRefresh() bool {
	return a.RefreshToken != nil && *a.RefreshToken != ""
}

// ProviderFor maps an integration kind to the OAuth provider that backs it
func ProviderFor(kind IntegrationKind) string {
	switch kind {
	case IntegrationContacts, IntegrationCalendar:
		return ProviderGoogle
	}
	return ""
}
