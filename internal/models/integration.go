package models

import (
	"fmt"
	"strings"
)

// IntegrationKind identifies the external system a subject has connected
type IntegrationKind string

const (
	IntegrationContacts IntegrationKind = "contacts"
	IntegrationCalendar IntegrationKind = "calendar"
)

// Integrations lists every supported integration kind in a stable order
var Integrations = []IntegrationKind{IntegrationContacts, IntegrationCalendar}

// Valid reports whether k is one of the known integration kinds
func (k IntegrationKind) Valid() bool {
	switch k {
	case IntegrationContacts, IntegrationCalendar:
		return true
	}
	return false
}

// SupportsPush reports whether the upstream API can deliver change notifications
func (k IntegrationKind) SupportsPush() bool {
	return k == IntegrationCalendar
}

// ParseIntegrationKind converts a path or config value into an IntegrationKind
func ParseIntegrationKind(s string) (IntegrationKind, error) {
	kind := IntegrationKind(strings.ToLower(strings.TrimSpace(s)))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown integration kind %q", s)
	}
	return kind, nil
}

// Key identifies every per-connection row: one subject, one integration
type Key struct {
	SubjectID   string
	Integration IntegrationKind
}

func (k Key) String() string {
	return k.SubjectID + "/" + string(k.Integration)
}
