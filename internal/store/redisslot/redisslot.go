// Package redisslot implements store.SlotRegistry on Redis so that the
// one-session-per-account rule holds across relay instances.
//
// A slot is a key holding the session ID, claimed with SET NX and a TTL.
// Release and Refresh only touch the key while it still holds the caller's
// session ID.
package redisslot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/tutorvox/internal/store"
)

// DefaultTTL is how long a slot survives without Refresh.
const DefaultTTL = 2 * time.Minute

const keyPrefix = "tutorvox:slot:"

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

var (
	_ store.SlotRegistry  = (*Registry)(nil)
	_ store.SlotRefresher = (*Registry)(nil)
)

// Registry is safe for concurrent use.
type Registry struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New returns a Registry. ttl <= 0 selects [DefaultTTL].
func New(client redis.UniversalClient, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{client: client, ttl: ttl}
}

// TTL returns the slot lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Acquire implements [store.SlotRegistry.Acquire].
func (r *Registry) Acquire(ctx context.Context, userID, sessionID string) error {
	ok, err := r.client.SetNX(ctx, key(userID), sessionID, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redisslot: acquire %q: %w", userID, err)
	}
	if ok {
		return nil
	}
	holder, err := r.client.Get(ctx, key(userID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between SETNX and GET; try once more.
		return r.retryAcquire(ctx, userID, sessionID)
	case err != nil:
		return fmt.Errorf("redisslot: read holder of %q: %w", userID, err)
	case holder == sessionID:
		return nil
	}
	return store.ErrSlotTaken
}

func (r *Registry) retryAcquire(ctx context.Context, userID, sessionID string) error {
	ok, err := r.client.SetNX(ctx, key(userID), sessionID, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redisslot: acquire %q: %w", userID, err)
	}
	if !ok {
		return store.ErrSlotTaken
	}
	return nil
}

// Release implements [store.SlotRegistry.Release].
func (r *Registry) Release(ctx context.Context, userID, sessionID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{key(userID)}, sessionID).Err(); err != nil {
		return fmt.Errorf("redisslot: release %q: %w", userID, err)
	}
	return nil
}

// Refresh extends the slot's TTL while sessionID still holds it.
func (r *Registry) Refresh(ctx context.Context, userID, sessionID string) error {
	n, err := refreshScript.Run(ctx, r.client, []string{key(userID)}, sessionID, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redisslot: refresh %q: %w", userID, err)
	}
	if n == 0 {
		return store.ErrSlotTaken
	}
	return nil
}

func key(userID string) string { return keyPrefix + userID }
