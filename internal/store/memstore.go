package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

var (
	_ PendingStore = (*MemStore)(nil)
	_ Recorder     = (*MemStore)(nil)
	_ SlotRegistry = (*MemSlots)(nil)
)

// MemStore is a thread-safe, in-memory [PendingStore] and [Recorder].
// The zero value is ready to use.
type MemStore struct {
	mu      sync.Mutex
	pending map[string]PendingSession
	records []SessionRecord
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{pending: make(map[string]PendingSession)}
}

// Create implements [PendingStore.Create].
func (s *MemStore) Create(_ context.Context, p PendingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[string]PendingSession)
	}
	if _, ok := s.pending[p.SessionID]; ok {
		return ErrDuplicate
	}
	p.ContextDocumentIDs = slices.Clone(p.ContextDocumentIDs)
	s.pending[p.SessionID] = p
	return nil
}

// Get implements [PendingStore.Get].
func (s *MemStore) Get(_ context.Context, sessionID string) (PendingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[sessionID]
	if !ok {
		return PendingSession{}, ErrNotFound
	}
	return p, nil
}

// Consume implements [PendingStore.Consume].
func (s *MemStore) Consume(_ context.Context, sessionID string, now time.Time) (PendingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[sessionID]
	if !ok {
		return PendingSession{}, ErrNotFound
	}
	if err := p.Usable(now); err != nil {
		return PendingSession{}, err
	}
	p.ConsumedAt = &now
	s.pending[sessionID] = p
	return p, nil
}

// RecordSession implements [Recorder.RecordSession].
func (s *MemStore) RecordSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Turns = slices.Clone(rec.Turns)
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of every recorded session.
func (s *MemStore) Records() []SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.records)
}

// MemSlots is an in-process [SlotRegistry]. It only guards sessions served
// by this process.
type MemSlots struct {
	mu    sync.Mutex
	slots map[string]string // userID -> sessionID
}

// NewMemSlots returns an empty registry.
func NewMemSlots() *MemSlots {
	return &MemSlots{slots: make(map[string]string)}
}

// Acquire implements [SlotRegistry.Acquire].
func (m *MemSlots) Acquire(_ context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots == nil {
		m.slots = make(map[string]string)
	}
	if holder, ok := m.slots[userID]; ok && holder != sessionID {
		return ErrSlotTaken
	}
	m.slots[userID] = sessionID
	return nil
}

// Release implements [SlotRegistry.Release].
func (m *MemSlots) Release(_ context.Context, userID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[userID] == sessionID {
		delete(m.slots, userID)
	}
	return nil
}

// Holder returns the session holding userID's slot, or "".
func (m *MemSlots) Holder(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[userID]
}
