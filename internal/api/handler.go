package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/circuitbreaker"
	"github.com/lalithlochan/classpush/internal/liveactivity"
	"github.com/lalithlochan/classpush/internal/metrics"
	"github.com/lalithlochan/classpush/internal/redis"
	"github.com/lalithlochan/classpush/internal/scheduler"
)

const (
	maxBodyBytes = 64 << 10
	checkTimeout = 2 * time.Second
)

// Scheduler is the part of the lifecycle scheduler the HTTP layer drives.
type Scheduler interface {
	TriggerTransition(ctx context.Context, event liveactivity.Event, source scheduler.Source) (liveactivity.FanOutResult, error)
	Status() scheduler.Status
}

// Response is the envelope of every JSON response.
type Response struct {
	Success bool                      `json:"success"`
	Message string                    `json:"message"`
	Data    interface{}               `json:"data"`
	Errors  []liveactivity.FieldError `json:"errors,omitempty"`
}

// TriggerRequest is the body of the control endpoints. Both fields are
// optional; action must match the path when present.
type TriggerRequest struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// UnregisterRequest identifies the token to drop.
type UnregisterRequest struct {
	DeviceID   string            `json:"deviceId" validate:"required"`
	Kind       liveactivity.Kind `json:"type" validate:"required,oneof=push_to_start activity_token apns_token"`
	ActivityID string            `json:"activityId,omitempty" validate:"required_if=Kind activity_token"`
}

// ReadinessCheck probes one backing service.
type ReadinessCheck func(ctx context.Context) error

// BreakerStats reports the push gateway's circuit breaker.
type BreakerStats interface {
	Stats() circuitbreaker.Stats
}

// StatusView is the body of GET /status.
type StatusView struct {
	scheduler.Status
	Gateway *circuitbreaker.Stats `json:"gateway,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	store       liveactivity.TokenStore
	scheduler   Scheduler
	idempotency *redis.IdempotencyService // nil if Redis not configured
	checks      map[string]ReadinessCheck
	breaker     BreakerStats
	now         func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, store liveactivity.TokenStore, sched Scheduler) *Handler {
	return &Handler{
		logger:    logger,
		store:     store,
		scheduler: sched,
		checks:    make(map[string]ReadinessCheck),
		now:       time.Now,
	}
}

// AddReadinessCheck registers a dependency probed by GET /ready.
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// SetGatewayBreaker adds the push breaker to GET /status.
func (h *Handler) SetGatewayBreaker(b BreakerStats) {
	h.breaker = b
}

// NewHandlerWithIdempotency creates a handler whose trigger endpoints honour
// the Idempotency-Key header.
func NewHandlerWithIdempotency(logger *zap.Logger, store liveactivity.TokenStore, sched Scheduler, idempotency *redis.IdempotencyService) *Handler {
	h := NewHandler(logger, store, sched)
	h.idempotency = idempotency
	return h
}

// RegisterPushToStart handles POST /api/live-activity/push-to-start
func (h *Handler) RegisterPushToStart(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, liveactivity.KindPushToStart, "Push-to-start token registered")
}

// RegisterActivityToken handles POST /api/live-activity/activity-token
func (h *Handler) RegisterActivityToken(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, liveactivity.KindActivityToken, "Activity token registered")
}

// RegisterAPNsToken handles POST /api/live-activity/apns-token
func (h *Handler) RegisterAPNsToken(w http.ResponseWriter, r *http.Request) {
	h.register(w, r, liveactivity.KindAPNsToken, "APNs token registered")
}

// RegisterRequest is the body of the registration endpoints. Timestamp is
// the device clock in epoch milliseconds; it must be present but never
// becomes registeredAt.
type RegisterRequest struct {
	Kind        liveactivity.Kind `json:"type"`
	Token       string            `json:"token" validate:"required"`
	BundleID    string            `json:"bundleId" validate:"required"`
	DeviceID    string            `json:"deviceId" validate:"required"`
	ActivityID  string            `json:"activityId,omitempty" validate:"required_if=Kind activity_token"`
	Timestamp   *float64          `json:"timestamp" validate:"required"`
	Grade       *int              `json:"grade,omitempty" validate:"omitempty,min=1,max=3"`
	ClassNumber *int              `json:"classNumber,omitempty" validate:"omitempty,min=1,max=11"`
}

// PushToken converts the request into the stored record shape.
func (req RegisterRequest) PushToken() liveactivity.PushToken {
	return liveactivity.PushToken{
		Kind:        req.Kind,
		Token:       req.Token,
		ActivityID:  req.ActivityID,
		DeviceID:    req.DeviceID,
		BundleID:    req.BundleID,
		Grade:       req.Grade,
		ClassNumber: req.ClassNumber,
	}
}

// register upserts one token. The route decides the kind; a body "type" that
// disagrees with it is a validation failure.
func (h *Handler) register(w http.ResponseWriter, r *http.Request, kind liveactivity.Kind, message string) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, Response{Message: "Malformed JSON body: " + err.Error()})
		return
	}

	if req.Kind != "" && req.Kind != kind {
		h.writeError(w, r, liveactivity.NewValidationError(liveactivity.FieldError{
			Field: "type", Rule: "eq", Param: string(kind),
		}))
		return
	}
	req.Kind = kind

	if err := liveactivity.ValidateStruct(req); err != nil {
		h.writeError(w, r, err)
		return
	}

	token := req.PushToken().Normalize(h.now())
	if err := h.store.Register(r.Context(), token); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, Response{Success: true, Message: message, Data: token})
}

// Trigger handles POST /api/live-activity/{action}. Partial delivery failure
// is reported in the aggregate, never as an HTTP error.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	event, err := liveactivity.ParseEvent(action)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req TriggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, Response{Message: "Malformed JSON body: " + err.Error()})
		return
	}
	if req.Action != "" && req.Action != action {
		h.writeError(w, r, liveactivity.NewValidationError(liveactivity.FieldError{
			Field: "action", Rule: "eq", Param: action,
		}))
		return
	}

	// The fan-out runs to completion even if the caller goes away.
	ctx := context.WithoutCancel(r.Context())

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, action, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeJSON(w, http.StatusOK, Response{
				Success: true,
				Message: fmt.Sprintf("%s already in progress", action),
			})
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			idempotencyKey = ""
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}
	}

	result, err := h.scheduler.TriggerTransition(ctx, event, scheduler.SourceHTTP)
	if err != nil {
		if idempotencyKey != "" && h.idempotency != nil {
			if rerr := h.idempotency.Release(ctx, action, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key",
					zap.Error(rerr),
					zap.String("idempotency_key", idempotencyKey),
				)
			}
		}
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("manual transition completed",
		zap.String("event", action),
		zap.String("cycle_id", result.CycleID),
		zap.Int("attempted", result.Attempted),
		zap.Int("delivered", result.Delivered),
		zap.Int("data_bytes", len(req.Data)),
	)

	body, err := json.Marshal(Response{
		Success: true,
		Message: fmt.Sprintf("%s sent to %d of %d devices", action, result.Delivered, result.Attempted),
		Data:    result,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached := &redis.IdempotencyResult{
			Event:      action,
			StatusCode: http.StatusOK,
			Body:       body,
		}
		if err := h.idempotency.Store(ctx, action, idempotencyKey, cached); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// ListTokens handles GET /api/live-activity/tokens?type=activity_token
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	var (
		tokens []liveactivity.PushToken
		err    error
	)

	if kind := liveactivity.Kind(r.URL.Query().Get("type")); kind != "" {
		if !kind.Valid() {
			h.writeError(w, r, liveactivity.NewValidationError(liveactivity.FieldError{
				Field: "type", Rule: "oneof", Param: "push_to_start activity_token apns_token",
			}))
			return
		}
		tokens, err = h.store.ListByKind(r.Context(), kind)
	} else {
		tokens, err = h.store.List(r.Context())
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []liveactivity.PushToken{}
	}

	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("%d tokens", len(tokens)),
		Data:    tokens,
	})
}

// DeleteToken handles DELETE /api/live-activity/tokens. Unknown keys succeed.
func (h *Handler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	var req UnregisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, Response{Message: "Malformed JSON body: " + err.Error()})
		return
	}
	if err := liveactivity.ValidateStruct(req); err != nil {
		h.writeError(w, r, err)
		return
	}

	key := liveactivity.NewTokenKey(req.DeviceID, req.Kind, req.ActivityID)
	if err := h.store.Remove(r.Context(), key); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, Response{Success: true, Message: "Token removed", Data: key})
}

// Stats handles GET /api/live-activity/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Message: "Token statistics", Data: stats})
}

// Status handles GET /api/live-activity/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	view := StatusView{Status: h.scheduler.Status()}
	if h.breaker != nil {
		stats := h.breaker.Stats()
		view.Gateway = &stats
	}
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "Scheduler status",
		Data:    view,
	})
}

// Health handles GET /health. It answers 200 while the process is serving.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, Response{
		Success: true,
		Message: "OK",
		Data: map[string]string{
			"status": "ok",
			"state":  h.scheduler.Status().State.String(),
		},
	})
}

// Ready handles GET /ready. It answers 503 while any dependency fails its probe.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checks))
	ready := true

	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := check(ctx)
		cancel()

		if err != nil {
			ready = false
			results[name] = err.Error()
			h.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			continue
		}
		results[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, Response{Message: "Not ready", Data: results})
		return
	}
	h.writeJSON(w, http.StatusOK, Response{Success: true, Message: "Ready", Data: results})
}

// decodeJSON reads a bounded JSON body. An empty body decodes to the zero
// value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if verr, ok := liveactivity.IsValidationError(err); ok {
		h.writeJSON(w, http.StatusBadRequest, Response{
			Message: "Validation failed",
			Errors:  verr.Fields,
		})
		return
	}

	switch {
	case errors.Is(err, liveactivity.ErrUnknownEvent):
		h.writeJSON(w, http.StatusBadRequest, Response{Message: err.Error()})
	case errors.Is(err, liveactivity.ErrStoreUnavailable):
		h.logger.Error("token store unavailable",
			zap.Error(err),
			zap.String("path", r.URL.Path),
		)
		h.writeJSON(w, http.StatusInternalServerError, Response{Message: "Token store unavailable"})
	default:
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
		)
		h.writeJSON(w, http.StatusInternalServerError, Response{Message: "Internal server error"})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
