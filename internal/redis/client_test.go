package redis

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestClient_KeysAreNamespaced(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	client := newClient(rdb, "propline:", zap.NewNop())

	if got := client.key("job", "email:d1"); got != "propline:job:email:d1" {
		t.Errorf("unexpected key %q", got)
	}

	guard := NewJobGuard(client, zap.NewNop())
	if _, err := guard.Reserve(context.Background(), "email:d1", time.Hour); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if !mr.Exists("propline:job:email:d1") {
		t.Errorf("expected namespaced job key, have %v", mr.Keys())
	}
	if ttl := mr.TTL("propline:job:email:d1"); ttl != time.Hour {
		t.Errorf("expected 1h ttl, got %s", ttl)
	}
}

func TestNew_PingFailure(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	host, port := mr.Host(), mustPort(t, mr)
	mr.Close()

	_, err = New(context.Background(), Config{Host: host, Port: port}, zap.NewNop())
	if err == nil {
		t.Fatal("expected ping failure against a closed server")
	}
}

func TestNew_Connects(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client, err := New(context.Background(), Config{Host: mr.Host(), Port: mustPort(t, mr)}, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	if client.prefix != defaultKeyPrefix {
		t.Errorf("expected default prefix, got %q", client.prefix)
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}

func mustPort(t *testing.T, mr *miniredis.Miniredis) int {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("bad miniredis port %q: %v", mr.Port(), err)
	}
	return port
}
