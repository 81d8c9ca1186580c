package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"DACTP-Chain/internal/state"
)

// 需要真实 Redis：DACTP_TEST_REDIS_ADDR=127.0.0.1:6379 go test ./internal/storage/redis
func TestStateStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("DACTP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DACTP_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	prefix := fmt.Sprintf("dactp:test:%d:", time.Now().UnixNano())
	store, err := NewStateStore(ctx, Config{Address: addr, Prefix: prefix})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer store.Close()

	if err := store.Commit(ctx, []state.Mutation{
		{Key: "a", Value: []byte("one")},
		{Key: "b", Value: []byte("two")},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := store.Commit(ctx, []state.Mutation{{Key: "b", Delete: true}}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	value, ok, err := store.Get(ctx, "a")
	if err != nil || !ok || string(value) != "one" {
		t.Fatalf("unexpected a: %q ok=%v err=%v", value, ok, err)
	}
	if _, ok, err := store.Get(ctx, "b"); err != nil || ok {
		t.Fatalf("b should be gone: ok=%v err=%v", ok, err)
	}
	_ = store.client.Del(ctx, prefix+"a").Err()
}

func TestNewStateStoreRequiresAddress(t *testing.T) {
	if _, err := NewStateStore(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
