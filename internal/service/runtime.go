package service

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-sync/internal/telemetry"
)

// Runtime carries the ambient dependencies shared by every component
type Runtime struct {
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics *telemetry.Metrics // nil disables metrics
}

func (r Runtime) withDefaults() Runtime {
	if r.Clock == nil {
		r.Clock = clockwork.NewRealClock()
	}
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	return r
}

func keyFields(subjectID string, integration string) []zap.Field {
	return []zap.Field{zap.String("subject", subjectID), zap.String("integration", integration)}
}
