package redisslot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/tutorvox/internal/store"
)

func TestKey(t *testing.T) {
	t.Parallel()
	if got := key("u1"); got != "tutorvox:slot:u1" {
		t.Fatalf("key = %q", got)
	}
}

func TestNew_DefaultTTL(t *testing.T) {
	t.Parallel()
	if got := New(nil, 0).TTL(); got != DefaultTTL {
		t.Fatalf("TTL = %v, want %v", got, DefaultTTL)
	}
}

// TestIntegration runs against a real server when TUTORVOX_TEST_REDIS_ADDR is set.
func TestIntegration(t *testing.T) {
	addr := os.Getenv("TUTORVOX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TUTORVOX_TEST_REDIS_ADDR not set, skipping Redis integration test")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	r := New(client, time.Minute)
	user := fmt.Sprintf("it-%d", time.Now().UnixNano())
	t.Cleanup(func() { client.Del(ctx, key(user)) })

	if err := r.Acquire(ctx, user, "s1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := r.Acquire(ctx, user, "s1"); err != nil {
		t.Fatalf("re-Acquire by holder: %v", err)
	}
	if err := r.Acquire(ctx, user, "s2"); !errors.Is(err, store.ErrSlotTaken) {
		t.Fatalf("Acquire by other session = %v, want ErrSlotTaken", err)
	}
	if err := r.Refresh(ctx, user, "s2"); !errors.Is(err, store.ErrSlotTaken) {
		t.Fatalf("Refresh by non-holder = %v, want ErrSlotTaken", err)
	}
	if err := r.Refresh(ctx, user, "s1"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := r.Release(ctx, user, "s2"); err != nil {
		t.Fatal(err)
	}
	if err := r.Acquire(ctx, user, "s2"); !errors.Is(err, store.ErrSlotTaken) {
		t.Fatal("stale Release freed the slot")
	}
	if err := r.Release(ctx, user, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Acquire(ctx, user, "s2"); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
}
