package db

import (
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrConflict is returned when an insert collides with an existing idempotency key.
var ErrConflict = errors.New("conflict")

// Repository handles all pipeline reads and writes against Postgres.
// Every state transition is a single conditional UPDATE; there are no
// transactions spanning a claim and its side effects.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
