package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/propline/internal/db"
)

// InsertEvent records a new PENDING event.
func (s *Store) InsertEvent(_ context.Context, ev *db.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if _, exists := s.events[ev.ID]; exists {
		return fmt.Errorf("insert domain event: duplicate id %s", ev.ID)
	}

	now := s.now()
	ev.Status = db.EventStatusPending
	ev.Attempts = 0
	ev.LastError = nil
	ev.ProcessedAt = nil
	ev.CreatedAt = now
	ev.UpdatedAt = now

	s.events[ev.ID] = &eventRow{ev: *copyEvent(*ev), seq: s.nextSeq()}
	return nil
}

// GetEvent retrieves a domain event by ID.
func (s *Store) GetEvent(_ context.Context, id uuid.UUID) (*db.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("domain event %s: %w", id, db.ErrNotFound)
	}
	return copyEvent(row.ev), nil
}

// ListDueEvents mirrors the repository's due selection.
func (s *Store) ListDueEvents(_ context.Context, q db.DueQuery) ([]*db.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*eventRow
	for _, row := range s.events {
		ev := row.ev
		switch {
		case ev.Status == db.EventStatusPending:
		case ev.Status == db.EventStatusFailed && db.RetryEligible(ev.Attempts, ev.UpdatedAt, q.Now):
		case ev.Status == db.EventStatusProcessing && q.StaleClaimAfter > 0 && q.Now.Sub(ev.UpdatedAt) >= q.StaleClaimAfter:
		default:
			continue
		}
		due = append(due, row)
	}
	sortEventsByCreated(due, false)

	n := limitOf(len(due), q.Limit)
	out := make([]*db.DomainEvent, 0, n)
	for _, row := range due[:n] {
		out = append(out, copyEvent(row.ev))
	}
	return out, nil
}

// ClaimEvent moves the event to PROCESSING if it is still in the observed state.
func (s *Store) ClaimEvent(_ context.Context, ev *db.DomainEvent, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.events[ev.ID]
	if !ok || row.ev.Status != ev.Status || !row.ev.UpdatedAt.Equal(ev.UpdatedAt) {
		return false, nil
	}

	row.ev.Status = db.EventStatusProcessing
	row.ev.Attempts++
	row.ev.LastError = nil
	row.ev.UpdatedAt = now
	return true, nil
}

// MarkEventProcessed resolves a claimed event as PROCESSED.
func (s *Store) MarkEventProcessed(_ context.Context, id uuid.UUID, now time.Time) error {
	return s.resolve(id, func(ev *db.DomainEvent) {
		ev.Status = db.EventStatusProcessed
		ev.ProcessedAt = &now
		ev.UpdatedAt = now
	})
}

// MarkEventFailed resolves a claimed event as FAILED.
func (s *Store) MarkEventFailed(_ context.Context, id uuid.UUID, lastError string, now time.Time) error {
	msg := db.TruncateError(lastError)
	return s.resolve(id, func(ev *db.DomainEvent) {
		ev.Status = db.EventStatusFailed
		ev.LastError = &msg
		ev.UpdatedAt = now
	})
}

// MarkEventDead resolves a claimed event as DEAD.
func (s *Store) MarkEventDead(_ context.Context, id uuid.UUID, lastError string, now time.Time) error {
	msg := db.TruncateError(lastError)
	return s.resolve(id, func(ev *db.DomainEvent) {
		ev.Status = db.EventStatusDead
		ev.LastError = &msg
		ev.UpdatedAt = now
	})
}

func (s *Store) resolve(id uuid.UUID, apply func(*db.DomainEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.events[id]
	if !ok || row.ev.Status != db.EventStatusProcessing {
		return fmt.Errorf("domain event %s not in PROCESSING: %w", id, db.ErrNotFound)
	}
	apply(&row.ev)
	return nil
}

// ListEventsByStatus pages through events in one status, newest first.
func (s *Store) ListEventsByStatus(_ context.Context, status db.EventStatus, limit, offset int) ([]*db.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*eventRow
	for _, row := range s.events {
		if row.ev.Status == status {
			matched = append(matched, row)
		}
	}
	sortEventsByCreated(matched, true)

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	matched = matched[:limitOf(len(matched), limit)]

	out := make([]*db.DomainEvent, 0, len(matched))
	for _, row := range matched {
		out = append(out, copyEvent(row.ev))
	}
	return out, nil
}

// RequeueEvent puts a FAILED or DEAD event back into PENDING.
func (s *Store) RequeueEvent(_ context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.events[id]
	if !ok || (row.ev.Status != db.EventStatusFailed && row.ev.Status != db.EventStatusDead) {
		return fmt.Errorf("domain event %s not requeueable: %w", id, db.ErrNotFound)
	}
	row.ev.Status = db.EventStatusPending
	row.ev.UpdatedAt = now
	return nil
}
