package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/db"
	"github.com/lalithlochan/propline/internal/metrics"
	"github.com/lalithlochan/propline/internal/redis"
)

// EventStore is the slice of the stores the API reads and writes.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *db.DomainEvent) error
	GetEvent(ctx context.Context, id uuid.UUID) (*db.DomainEvent, error)
	ListEventsByStatus(ctx context.Context, status db.EventStatus, limit, offset int) ([]*db.DomainEvent, error)
	RequeueEvent(ctx context.Context, id uuid.UUID, now time.Time) error
	ResetDelivery(ctx context.Context, id uuid.UUID) error
}

// DeliveryResetter returns a FAILED delivery to PENDING.
type DeliveryResetter interface {
	ResetDelivery(ctx context.Context, id uuid.UUID) error
}

// Idempotency caches the event created for a producer's Idempotency-Key.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, producer, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, producer, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, producer, key string) error
}

// EventRequest is the body of POST /v1/events.
type EventRequest struct {
	Type       db.EventType    `json:"type"`
	UserID     string          `json:"user_id"`
	PropertyID *string         `json:"property_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// EventResponse is returned after recording an event.
type EventResponse struct {
	ID string `json:"id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ProducerHeader names the upstream service writing an event. It scopes idempotency keys
// and rate limits.
const ProducerHeader = "X-Producer"

const defaultProducer = "anonymous"

// Handler serves event ingestion and the admin endpoints.
type Handler struct {
	logger      *zap.Logger
	store       EventStore
	types       map[db.EventType]bool
	idempotency Idempotency // nil if Redis not configured
	deliveries  DeliveryResetter
}

// NewHandler creates a handler accepting the given event types.
func NewHandler(logger *zap.Logger, store EventStore, types []db.EventType) *Handler {
	known := make(map[db.EventType]bool, len(types))
	for _, t := range types {
		known[t] = true
	}
	return &Handler{
		logger:     logger,
		store:      store,
		types:      known,
		deliveries: store,
	}
}

// NewHandlerWithIdempotency creates a handler that honours the Idempotency-Key header.
func NewHandlerWithIdempotency(logger *zap.Logger, store EventStore, types []db.EventType, idempotency Idempotency) *Handler {
	h := NewHandler(logger, store, types)
	h.idempotency = idempotency
	return h
}

// SetDeliveryResetter replaces the store as the target of delivery resets, so the reset
// can also clear queue state for the delivery's job.
func (h *Handler) SetDeliveryResetter(r DeliveryResetter) {
	h.deliveries = r
}

// Routes mounts the handler under the current router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/events", h.CreateEvent)
	r.Get("/events", h.ListEvents)
	r.Get("/events/{id}", h.GetEvent)
	r.Post("/events/{id}/retry", h.RetryEvent)
	r.Post("/deliveries/{id}/retry", h.RetryDelivery)
}

// CreateEvent handles POST /v1/events. The event is always recorded as PENDING.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	producer := producerOf(r)

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Type == "" || req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "type and user_id are required")
		return
	}
	if !h.types[req.Type] {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown event type", string(req.Type))
		return
	}
	if !isObject(req.Payload) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", "payload must be a JSON object")
		return
	}

	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, producer, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, EventResponse{ID: cached.EventID})
			return
		default:
			reserved = true
		}
	}

	ev := &db.DomainEvent{
		Type:       req.Type,
		UserID:     req.UserID,
		PropertyID: req.PropertyID,
		Payload:    req.Payload,
	}
	if err := h.store.InsertEvent(ctx, ev); err != nil {
		h.logger.Error("failed to record event",
			zap.Error(err),
			zap.String("type", string(req.Type)),
			zap.String("producer", producer),
		)
		if reserved {
			if err := h.idempotency.Release(ctx, producer, idempotencyKey); err != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(err))
			}
		}
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to record event", "")
		return
	}

	metrics.RecordEventIngested(string(ev.Type))
	h.logger.Info("domain event recorded",
		zap.String("event_id", ev.ID.String()),
		zap.String("type", string(ev.Type)),
		zap.String("producer", producer),
	)

	if reserved {
		result := &redis.IdempotencyResult{EventID: ev.ID.String(), StatusCode: http.StatusCreated}
		if err := h.idempotency.Store(ctx, producer, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, EventResponse{ID: ev.ID.String()})
}

// GetEvent handles GET /v1/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	ev, err := h.store.GetEvent(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Event not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get event", zap.Error(err), zap.String("event_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get event", "")
		return
	}

	h.writeJSON(w, http.StatusOK, ev)
}

// ListEvents handles GET /v1/events?status=FAILED&limit=20&offset=0
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	status := db.EventStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = db.EventStatusFailed
	}
	switch status {
	case db.EventStatusPending, db.EventStatusProcessing, db.EventStatusProcessed,
		db.EventStatusFailed, db.EventStatusDead:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", string(status))
		return
	}

	limit := 20
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	events, err := h.store.ListEventsByStatus(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list events", zap.Error(err), zap.String("status", string(status)))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list events", "")
		return
	}
	if events == nil {
		events = []*db.DomainEvent{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   events,
		"status": status,
		"limit":  limit,
		"offset": offset,
		"count":  len(events),
	})
}

// RetryEvent handles POST /v1/events/{id}/retry: a FAILED or DEAD event goes back to PENDING.
func (h *Handler) RetryEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	err := h.store.RequeueEvent(r.Context(), id, time.Now())
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Event not retryable", "event does not exist or is not FAILED/DEAD")
		return
	}
	if err != nil {
		h.logger.Error("failed to requeue event", zap.Error(err), zap.String("event_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to requeue event", "")
		return
	}

	h.logger.Info("event requeued by operator", zap.String("event_id", id.String()))
	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": string(db.EventStatusPending)})
}

// RetryDelivery handles POST /v1/deliveries/{id}/retry: a FAILED delivery goes back to PENDING.
func (h *Handler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	err := h.deliveries.ResetDelivery(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Delivery not retryable", "delivery does not exist or is not FAILED")
		return
	}
	if err != nil {
		h.logger.Error("failed to reset delivery", zap.Error(err), zap.String("delivery_id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "reset_failed", "Failed to reset delivery", "")
		return
	}

	h.logger.Info("delivery reset by operator", zap.String("delivery_id", id.String()))
	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": string(db.DeliveryStatusPending)})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func isObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return len(raw) > 0 && json.Unmarshal(raw, &obj) == nil && obj != nil
}

func producerOf(r *http.Request) string {
	if p := r.Header.Get(ProducerHeader); p != "" {
		return p
	}
	return defaultProducer
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
