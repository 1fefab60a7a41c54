package httpapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vipul43/kiwis-sync/internal/models"
	"github.com/vipul43/kiwis-sync/internal/service"
)

// Google channel notification headers
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerResourceState = "X-Goog-Resource-State"
	headerChannelToken  = "X-Goog-Channel-Token"
)

func (rt *routes) receiveCalendarWebhook(w http.ResponseWriter, r *http.Request) {
	n := service.PushNotification{
		ChannelID:     r.Header.Get(headerChannelID),
		ResourceRef:   r.Header.Get(headerResourceID),
		ResourceState: r.Header.Get(headerResourceState),
		Token:         r.Header.Get(headerChannelToken),
	}
	if n.ChannelID == "" {
		writeError(w, "missing channel id", http.StatusBadRequest)
		return
	}

	if err := rt.handlers.Webhooks.HandleNotification(r.Context(), n); err != nil {
		if service.IsValidation(err) {
			writeError(w, "notification rejected", http.StatusForbidden)
			return
		}
		rt.logger.Error("failed to handle push notification", zap.String("channel_id", n.ChannelID), zap.Error(err))
		writeError(w, "failed to handle notification", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rt *routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}

	if allowed, wait := rt.limiter.allow(key.String()); !allowed {
		if wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		writeError(w, "manual sync rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	// A client that disconnects must not turn into an upstream failure
	outcome, err := rt.handlers.Sync.TriggerManual(context.WithoutCancel(r.Context()), key)
	if err == nil {
		writeJSON(w, newOutcomeResponse(outcome, ""), http.StatusOK)
		return
	}

	switch {
	case errors.Is(err, service.ErrReauthorizationRequired):
		writeJSON(w, newOutcomeResponse(outcome, service.ErrReauthorizationRequired.Error()), http.StatusConflict)
	case outcome != nil && outcome.Record.Result == models.ResultSkipped:
		writeJSON(w, newOutcomeResponse(outcome, err.Error()), http.StatusServiceUnavailable)
	default:
		writeJSON(w, newOutcomeResponse(outcome, err.Error()), http.StatusBadGateway)
	}
}

func (rt *routes) connect(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	if err := rt.handlers.Connections.Connect(r.Context(), key); err != nil {
		rt.logger.Error("failed to connect integration", zap.String("key", key.String()), zap.Error(err))
		writeError(w, "failed to connect integration", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *routes) disconnect(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	if err := rt.handlers.Connections.Disconnect(r.Context(), key); err != nil {
		rt.logger.Error("failed to disconnect integration", zap.String("key", key.String()), zap.Error(err))
		writeError(w, "failed to disconnect integration", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *routes) reauthorized(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	health, err := rt.handlers.Connections.Reauthorized(r.Context(), key)
	if err != nil {
		rt.logger.Error("failed to process re-authorization", zap.String("key", key.String()), zap.Error(err))
		writeError(w, "failed to process re-authorization", http.StatusInternalServerError)
		return
	}
	writeJSON(w, newTokenResponse(health), http.StatusOK)
}

func (rt *routes) healthSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := rt.handlers.Health.Summary(r.Context())
	if err != nil {
		rt.logger.Error("failed to build health summary", zap.Error(err))
		writeError(w, "failed to build health summary", http.StatusInternalServerError)
		return
	}
	writeJSON(w, newSummaryResponse(summary), http.StatusOK)
}

func (rt *routes) keyHealth(w http.ResponseWriter, r *http.Request) {
	key, ok := parseKey(w, r)
	if !ok {
		return
	}
	report, err := rt.handlers.Health.KeyHealth(r.Context(), key)
	if err != nil {
		rt.logger.Error("failed to build key health", zap.String("key", key.String()), zap.Error(err))
		writeError(w, "failed to build key health", http.StatusInternalServerError)
		return
	}
	writeJSON(w, newKeyHealthResponse(report), http.StatusOK)
}

func parseKey(w http.ResponseWriter, r *http.Request) (models.Key, bool) {
	subjectID := chi.URLParam(r, "subjectID")
	if subjectID == "" {
		writeError(w, "subject id is required", http.StatusBadRequest)
		return models.Key{}, false
	}
	integration, err := models.ParseIntegrationKind(chi.URLParam(r, "integration"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return models.Key{}, false
	}
	return models.Key{SubjectID: subjectID, Integration: integration}, true
}
