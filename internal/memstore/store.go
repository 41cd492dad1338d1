// Package memstore is an in-process implementation of the pipeline stores. It applies the
// same conditional transitions as the Postgres repository and backs the pipeline tests.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/propline/internal/db"
)

type eventRow struct {
	ev  db.DomainEvent
	seq int64
}

type notificationRow struct {
	n db.Notification
}

type deliveryRow struct {
	d   db.NotificationDelivery
	seq int64
}

type lease struct {
	holder    string
	expiresAt time.Time
}

// Store holds every table in memory behind one mutex.
type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	seq           int64
	events        map[uuid.UUID]*eventRow
	notifications map[uuid.UUID]*notificationRow
	byKey         map[db.NotificationKey]uuid.UUID
	deliveries    map[uuid.UUID]*deliveryRow
	emails        map[string]string
	leases        map[string]lease
}

// New creates an empty store. A nil clock defaults to time.Now.
func New(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		now:           clock,
		events:        make(map[uuid.UUID]*eventRow),
		notifications: make(map[uuid.UUID]*notificationRow),
		byKey:         make(map[db.NotificationKey]uuid.UUID),
		deliveries:    make(map[uuid.UUID]*deliveryRow),
		emails:        make(map[string]string),
		leases:        make(map[string]lease),
	}
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

// SetEmail registers a recipient address for a user.
func (s *Store) SetEmail(userID, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[userID] = email
}

// EmailFor resolves a user's email address.
func (s *Store) EmailFor(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email, ok := s.emails[userID]
	if !ok {
		return "", fmt.Errorf("user %s: %w", userID, db.ErrNotFound)
	}
	return email, nil
}

// AcquireLease takes the named lease if it is free or expired.
func (s *Store) AcquireLease(_ context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[name]; ok && l.expiresAt.After(now) {
		return false, nil
	}
	s.leases[name] = lease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseLease frees the lease if holder still owns it.
func (s *Store) ReleaseLease(_ context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.leases[name]; ok && l.holder == holder {
		delete(s.leases, name)
	}
	return nil
}

// copies keep callers from mutating stored rows.

func copyEvent(ev db.DomainEvent) *db.DomainEvent {
	out := ev
	out.Payload = append(json.RawMessage(nil), ev.Payload...)
	return &out
}

func copyNotification(n db.Notification) db.Notification {
	out := n
	out.Metadata = make(map[string]any, len(n.Metadata))
	for k, v := range n.Metadata {
		out.Metadata[k] = v
	}
	return out
}

func sortEventsByCreated(rows []*eventRow, desc bool) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.ev.CreatedAt.Equal(b.ev.CreatedAt) {
			if desc {
				return a.ev.CreatedAt.After(b.ev.CreatedAt)
			}
			return a.ev.CreatedAt.Before(b.ev.CreatedAt)
		}
		if desc {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})
}

func sortDeliveriesByCreated(rows []*deliveryRow, desc bool) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.d.CreatedAt.Equal(b.d.CreatedAt) {
			if desc {
				return a.d.CreatedAt.After(b.d.CreatedAt)
			}
			return a.d.CreatedAt.Before(b.d.CreatedAt)
		}
		if desc {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})
}

func limitOf(n, limit int) int {
	if limit > 0 && limit < n {
		return limit
	}
	return n
}
