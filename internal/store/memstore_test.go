package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/tutorvox/internal/store"
)

func TestMemStore_ConsumeIsSingleUse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := store.NewMemStore()
	if err := s.Create(ctx, store.PendingSession{
		SessionID: "s1",
		TokenHash: store.HashToken("tok"),
		UserID:    "u1",
		ExpiresAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Consume(ctx, "s1", now)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, store.ErrConsumed):
				t.Errorf("Consume: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d consumers succeeded, want 1", wins.Load())
	}

	p, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if p.ConsumedAt == nil || !p.ConsumedAt.Equal(now) {
		t.Errorf("ConsumedAt = %v, want %v", p.ConsumedAt, now)
	}
}

func TestMemStore_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := store.NewMemStore()
	_ = s.Create(ctx, store.PendingSession{SessionID: "old", ExpiresAt: now})

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"missing", func() error { _, err := s.Consume(ctx, "nope", now); return err }, store.ErrNotFound},
		{"get missing", func() error { _, err := s.Get(ctx, "nope"); return err }, store.ErrNotFound},
		{"expired", func() error { _, err := s.Consume(ctx, "old", now); return err }, store.ErrExpired},
		{"duplicate", func() error { return s.Create(ctx, store.PendingSession{SessionID: "old"}) }, store.ErrDuplicate},
	}
	for _, tc := range tests {
		if err := tc.run(); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestMemStore_RecordSession(t *testing.T) {
	t.Parallel()

	s := store.NewMemStore()
	turns := []store.Turn{{Role: "user", Text: "hola"}}
	if err := s.RecordSession(context.Background(), store.SessionRecord{SessionID: "s1", MinutesUsed: 3, Turns: turns}); err != nil {
		t.Fatal(err)
	}
	turns[0].Text = "changed"

	recs := s.Records()
	if len(recs) != 1 || recs[0].MinutesUsed != 3 || recs[0].Turns[0].Text != "hola" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestMemSlots_OneSessionPerAccount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := store.NewMemSlots()
	if err := m.Acquire(ctx, "u1", "s1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire(ctx, "u1", "s2"); !errors.Is(err, store.ErrSlotTaken) {
		t.Fatalf("second Acquire = %v, want ErrSlotTaken", err)
	}
	if err := m.Acquire(ctx, "u2", "s3"); err != nil {
		t.Fatalf("other account: %v", err)
	}

	// Releasing with a stale session ID leaves the holder in place.
	_ = m.Release(ctx, "u1", "s2")
	if m.Holder("u1") != "s1" {
		t.Fatalf("holder = %q, want s1", m.Holder("u1"))
	}
	_ = m.Release(ctx, "u1", "s1")
	if err := m.Acquire(ctx, "u1", "s2"); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestHashToken(t *testing.T) {
	t.Parallel()

	h := store.HashToken("secret")
	if len(h) != 64 {
		t.Fatalf("hash length = %d", len(h))
	}
	if h == store.HashToken("secret2") || h != store.HashToken("secret") {
		t.Fatal("hash not deterministic per input")
	}
}
