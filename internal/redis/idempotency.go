package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a producer's Idempotency-Key maps to the event it created.
	IdempotencyTTL = 24 * time.Hour

	// reservationTTL bounds how long an in-flight request holds its key.
	reservationTTL = 5 * time.Minute

	reservedMarker = "processing"
)

// ErrDuplicateRequest means another request holding the same key is still in flight.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult is the ingestion response replayed for a repeated key.
type IdempotencyResult struct {
	EventID    string `json:"event_id"`
	StatusCode int    `json:"status_code"`
	CreatedAt  int64  `json:"created_at"`
}

// getOrReserve returns the stored value, or sets the reservation marker and returns nil.
var getOrReserve = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
	return v
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return false
`)

// IdempotencyService maps producer-supplied keys to the domain event they created.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(producer, idempotencyKey string) string {
	return s.client.key("idempotency", producer, idempotencyKey)
}

// CheckOrReserve returns the cached result for the key, or reserves the key and returns
// (nil, nil). A key reserved by an in-flight request yields ErrDuplicateRequest.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, producer, idempotencyKey string) (*IdempotencyResult, error) {
	val, err := getOrReserve.Run(ctx, s.client.rdb,
		[]string{s.buildKey(producer, idempotencyKey)},
		reservedMarker,
		reservationTTL.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis idempotency script failed: %w", err)
	}
	return s.decode(producer, val)
}

// Check reads the key without reserving it.
func (s *IdempotencyService) Check(ctx context.Context, producer, idempotencyKey string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(producer, idempotencyKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return s.decode(producer, val)
}

func (s *IdempotencyService) decode(producer, val string) (*IdempotencyResult, error) {
	if val == reservedMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("producer", producer),
		zap.String("event_id", result.EventID),
	)
	return &result, nil
}

// Store replaces the reservation with the response to replay.
func (s *IdempotencyService) Store(ctx context.Context, producer, idempotencyKey string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(producer, idempotencyKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve sets the reservation marker if the key is free.
func (s *IdempotencyService) Reserve(ctx context.Context, producer, idempotencyKey string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(producer, idempotencyKey), reservedMarker, reservationTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Release drops a reservation so the producer can retry after a failed insert.
func (s *IdempotencyService) Release(ctx context.Context, producer, idempotencyKey string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(producer, idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
