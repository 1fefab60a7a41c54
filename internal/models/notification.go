package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Notification kinds emitted by this service
const (
	NotificationTokenInvalid = "integration.token_invalid"
)

// JSONB type for GORM to handle PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Value implements driver.Valuer for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Notification is a user-facing alert picked up by the notification templates
type Notification struct {
	ID        string    `gorm:"column:id;primaryKey"`
	SubjectID string    `gorm:"column:subject_id;index"`
	Kind      string    `gorm:"column:kind"`
	Payload   JSONB     `gorm:"column:payload;type:jsonb"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName specifies the table name for GORM
func (Notification) TableName() string {
	return "user_notification"
}

// All returns every model owned by this service, for AutoMigrate in tests
func All() []interface{} {
	return []interface{}{
		&TokenHealth{},
		&CircuitState{},
		&ScheduleState{},
		&WebhookSubscription{},
		&SyncOutcomeRecord{},
		&SyncLease{},
		&SyncCursor{},
		&Notification{},
	}
}
