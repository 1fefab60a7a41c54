// Package notify delivers user-facing notifications by writing them to the
// notification table the frontend reads from.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-sync/internal/models"
)

const deliveryTimeout = 5 * time.Second

// NotificationStore defines the persistence operation the sink needs
type NotificationStore interface {
	Create(ctx context.Context, n *models.Notification) error
}

type Sink struct {
	store  NotificationStore
	clock  clockwork.Clock
	logger *zap.Logger
}

func NewSink(store NotificationStore, clock clockwork.Clock, logger *zap.Logger) *Sink {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, clock: clock, logger: logger}
}

// Notify writes one notification. It detaches from the caller's cancellation
// so a finished sync does not abort delivery.
func (s *Sink) Notify(ctx context.Context, subjectID string, kind string, payload map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	n := &models.Notification{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		Kind:      kind,
		Payload:   models.JSONB(payload),
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.Create(ctx, n); err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}

	s.logger.Info("notification queued", zap.String("subject", subjectID), zap.String("kind", kind))
	return nil
}
