// Package handlers turns domain events into notifications. Each event type has exactly one
// Handler; the Registry resolves it and materializes the result idempotently.
package handlers

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/propline/internal/db"
)

var (
	// ErrUnknownEventType is returned for an event type with no registered handler.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrMissingField is returned when an event lacks a field its handler requires.
	ErrMissingField = errors.New("missing required field")
)

// Spec is what a handler derives from one event.
type Spec struct {
	Title      string
	Message    string
	ActionURL  string
	EntityType string
	EntityID   string
	Priority   db.Priority
	Channels   []db.Channel
	// Metadata is merged into the notification metadata alongside the event id and priority.
	Metadata map[string]any
}

// Handler maps one event type to a notification Spec. Build must not have side effects.
type Handler interface {
	Type() db.EventType
	Build(ev *db.DomainEvent) (*Spec, error)
}

// Registry dispatches events to their handler.
type Registry struct {
	handlers     map[db.EventType]Handler
	materializer *Materializer
	logger       *zap.Logger
}

// NewRegistry builds the registry with every supported event type.
func NewRegistry(store Store, links Links, logger *zap.Logger) *Registry {
	r := &Registry{
		handlers:     make(map[db.EventType]Handler),
		materializer: NewMaterializer(store, logger),
		logger:       logger,
	}

	r.register(claimSubmitted{links: links})
	r.register(claimStatusChanged{links: links})
	r.register(claimClosed{links: links})
	r.register(recallMatched{links: links})
	r.register(warrantyExpiring{links: links})
	r.register(maintenanceDue{links: links})

	return r
}

func (r *Registry) register(h Handler) {
	if _, dup := r.handlers[h.Type()]; dup {
		panic(fmt.Sprintf("handlers: duplicate registration for %s", h.Type()))
	}
	r.handlers[h.Type()] = h
}

// Lookup returns the handler for an event type.
func (r *Registry) Lookup(t db.EventType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Types lists the registered event types.
func (r *Registry) Types() []db.EventType {
	types := make([]db.EventType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Dispatch builds and materializes the notification for ev.
func (r *Registry) Dispatch(ctx context.Context, ev *db.DomainEvent) (*db.Notification, error) {
	h, ok := r.Lookup(ev.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}

	if ev.UserID == "" {
		return nil, fmt.Errorf("%s: %w: userId", ev.Type, ErrMissingField)
	}

	spec, err := h.Build(ev)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ev.Type, err)
	}

	n, _, err := r.materializer.Materialize(ctx, ev, spec)
	return n, err
}
