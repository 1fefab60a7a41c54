package models

import "time"

// WebhookSubscription is the live push channel for a key; the composite primary
// key enforces at most one per subject and integration.
type WebhookSubscription struct {
	SubjectID          string          `gorm:"column:subject_id;primaryKey"`
	Integration        IntegrationKind `gorm:"column:integration;primaryKey"`
	ChannelID          string          `gorm:"column:channel_id;uniqueIndex"`
	ResourceRef        string          `gorm:"column:resource_ref"`
	ExpiresAt          time.Time       `gorm:"column:expires_at;index"`
	VerificationSecret string          `gorm:"column:verification_secret"`
	CreatedAt          time.Time       `gorm:"column:created_at"`
	UpdatedAt          time.Time       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (WebhookSubscription) TableName() string {
	return "webhook_subscription"
}

func (s *WebhookSubscription) Key() Key {
	return Key{SubjectID: s.SubjectID, Integration: s.Integration}
}

// Live reports whether the channel has not yet expired
func (s *WebhookSubscription) Live(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}
