package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := newClient(rdb, "test:", zap.NewNop())

	return client, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	result, err := svc.CheckOrReserve(ctx, "claims-service", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_DuplicateRequest(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// First request
	if _, err := svc.CheckOrReserve(ctx, "claims-service", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}

	// Duplicate request
	if _, err := svc.CheckOrReserve(ctx, "claims-service", "key-1"); err != ErrDuplicateRequest {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_CachedResult(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	stored := &IdempotencyResult{
		EventID:    "evt-123",
		StatusCode: 201,
		CreatedAt:  time.Now().Unix(),
	}

	if err := svc.Store(ctx, "claims-service", "key-1", stored, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.Check(ctx, "claims-service", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if result.EventID != "evt-123" {
		t.Errorf("expected evt-123, got %s", result.EventID)
	}
}

func TestIdempotencyService_ProducerIsolation(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// One producer reserves a key
	if _, err := svc.CheckOrReserve(ctx, "claims-service", "same-key"); err != nil {
		t.Fatalf("first producer failed: %v", err)
	}

	// Another producer can use the same key
	result, err := svc.CheckOrReserve(ctx, "recall-matcher", "same-key")
	if err != nil {
		t.Fatalf("second producer should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("second producer should get nil (new request)")
	}
}

func TestIdempotencyService_ReserveThenStore(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	// Reserve
	reserved, err := svc.Reserve(ctx, "claims-service", "key-1")
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}

	// Store result
	if err := svc.Store(ctx, "claims-service", "key-1", &IdempotencyResult{
		EventID:    "evt-789",
		StatusCode: 201,
	}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	// Check returns stored result
	cached, err := svc.Check(ctx, "claims-service", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached.EventID != "evt-789" {
		t.Errorf("expected evt-789, got %s", cached.EventID)
	}
}

func TestIdempotencyService_Release(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "claims-service", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Release(ctx, "claims-service", "key-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "claims-service", "key-1")
	if err != nil {
		t.Fatalf("expected key to be reusable after release, got: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result after release, got: %+v", result)
	}
}

func TestIdempotencyService_CheckOrReserveReplaysStoredResult(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "claims-service", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := svc.Store(ctx, "claims-service", "key-1", &IdempotencyResult{EventID: "evt-1", StatusCode: 201}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.CheckOrReserve(ctx, "claims-service", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.EventID != "evt-1" || result.StatusCode != 201 {
		t.Fatalf("expected replayed result, got %+v", result)
	}
	if result.CreatedAt == 0 {
		t.Error("stored result should carry a creation time")
	}
}
