// Package store defines the persistence contracts of the session pipeline:
// single-use pending session records, the end-of-session recorder, and the
// one-active-session-per-account slot registry.
//
// [MemStore] and [MemSlots] are in-process implementations used in
// development and tests. The postgres subpackage persists pending sessions
// and session records; the redisslot subpackage shares slots across relay
// instances.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no pending session has the given ID.
	ErrNotFound = errors.New("store: pending session not found")

	// ErrConsumed is returned when a pending session was already used.
	ErrConsumed = errors.New("store: pending session already consumed")

	// ErrExpired is returned when a pending session is past its expiry.
	ErrExpired = errors.New("store: pending session expired")

	// ErrDuplicate is returned by Create when the session ID already exists.
	ErrDuplicate = errors.New("store: pending session already exists")

	// ErrSlotTaken is returned by Acquire when the account already holds a slot.
	ErrSlotTaken = errors.New("store: account slot taken")
)

// PendingSession is an issued but not yet started session. The token itself
// is never stored, only its hash.
type PendingSession struct {
	SessionID          string
	TokenHash          string
	UserID             string
	StudentID          string
	Language           string
	AgeGroup           string
	ContextDocumentIDs []string
	CreatedAt          time.Time
	ExpiresAt          time.Time
	ConsumedAt         *time.Time
}

// Usable reports whether p can still be consumed at now.
func (p PendingSession) Usable(now time.Time) error {
	if p.ConsumedAt != nil {
		return ErrConsumed
	}
	if !now.Before(p.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// PendingStore holds pending sessions. Implementations must be safe for
// concurrent use.
type PendingStore interface {
	// Create stores a new pending session. Returns [ErrDuplicate] if the ID
	// is taken.
	Create(ctx context.Context, p PendingSession) error

	// Get returns the pending session without consuming it.
	// Returns [ErrNotFound] when it does not exist.
	Get(ctx context.Context, sessionID string) (PendingSession, error)

	// Consume marks the pending session used at now and returns it. Exactly
	// one concurrent caller succeeds; the others get [ErrConsumed]. Expired
	// records return [ErrExpired].
	Consume(ctx context.Context, sessionID string, now time.Time) (PendingSession, error)
}

// Turn is one entry of the conversation log.
type Turn struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// SessionRecord is what is persisted when a session ends.
type SessionRecord struct {
	SessionID   string
	UserID      string
	StudentID   string
	Language    string
	AgeGroup    string
	Voice       string
	Status      string
	EndReason   string
	StartedAt   time.Time
	EndedAt     time.Time
	MinutesUsed int
	Turns       []Turn
}

// Recorder persists finished sessions.
type Recorder interface {
	RecordSession(ctx context.Context, rec SessionRecord) error
}

// SlotRegistry enforces one live session per account.
type SlotRegistry interface {
	// Acquire atomically claims the account's slot for sessionID. Returns
	// [ErrSlotTaken] if another session holds it.
	Acquire(ctx context.Context, userID, sessionID string) error

	// Release frees the slot if sessionID still holds it.
	Release(ctx context.Context, userID, sessionID string) error
}

// HashToken returns the hex SHA-256 of a session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SlotRefresher is implemented by registries whose slots expire unless
// renewed, so that a crashed relay cannot lock an account forever.
type SlotRefresher interface {
	Refresh(ctx context.Context, userID, sessionID string) error
}
