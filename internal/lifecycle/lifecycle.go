// Package lifecycle admits relay connections, enforces one live session per
// account, and tears sessions down exactly once.
//
// A session starts life as a pending record issued with a single-use token.
// [Manager.Admit] checks the token, claims the account slot, consumes the
// record and returns an active [Session]. Whatever ends the session first,
// be it the client hanging up, a fatal provider error or an explicit stop,
// calls [Session.Teardown]; later calls return the same [Summary] without
// repeating any work.
package lifecycle

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/MrWong99/tutorvox/internal/fault"
	"github.com/MrWong99/tutorvox/internal/store"
)

const (
	// DefaultTokenTTL is how long an issued token stays valid.
	DefaultTokenTTL = 15 * time.Minute

	// recordTimeout bounds persistence at teardown, which runs after the
	// session context is gone.
	recordTimeout = 10 * time.Second
)

// Status is the state of a session.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusError   Status = "error"
)

// Roles used in the turn log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Option is a functional option for NewManager.
type Option func(*Manager)

// WithClock injects the clock used for admission, usage and slot refresh.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithTokenTTL sets the validity of issued tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(m *Manager) { m.tokenTTL = d }
}

// WithSlotRefresh sets how often slots of registries implementing
// [store.SlotRefresher] are renewed. Default one minute.
func WithSlotRefresh(d time.Duration) Option {
	return func(m *Manager) { m.slotRefresh = d }
}

// Manager is safe for concurrent use.
type Manager struct {
	pending  store.PendingStore
	recorder store.Recorder
	slots    store.SlotRegistry
	clock    clockwork.Clock

	tokenTTL    time.Duration
	slotRefresh time.Duration

	mu   sync.Mutex
	live map[string]*Session
}

// NewManager returns a Manager. recorder may be nil, in which case session
// records are only logged.
func NewManager(pending store.PendingStore, recorder store.Recorder, slots store.SlotRegistry, opts ...Option) *Manager {
	m := &Manager{
		pending:     pending,
		recorder:    recorder,
		slots:       slots,
		clock:       clockwork.NewRealClock(),
		tokenTTL:    DefaultTokenTTL,
		slotRefresh: time.Minute,
		live:        make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// IssueRequest describes a session to issue.
type IssueRequest struct {
	UserID             string   `json:"userId"`
	StudentID          string   `json:"studentId,omitempty"`
	Language           string   `json:"language"`
	AgeGroup           string   `json:"ageGroup,omitempty"`
	ContextDocumentIDs []string `json:"contextDocumentIds,omitempty"`
}

// Issued is the result of Issue. Token is shown exactly once.
type Issued struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issue creates a pending session and its single-use token.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (Issued, error) {
	if req.UserID == "" {
		return Issued{}, errors.New("lifecycle: issue: userId must not be empty")
	}
	now := m.clock.Now()
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	token := uuid.NewString()

	p := store.PendingSession{
		SessionID:          id,
		TokenHash:          store.HashToken(token),
		UserID:             req.UserID,
		StudentID:          req.StudentID,
		Language:           req.Language,
		AgeGroup:           NormalizeAgeGroup(req.AgeGroup),
		ContextDocumentIDs: slices.Clone(req.ContextDocumentIDs),
		CreatedAt:          now,
		ExpiresAt:          now.Add(m.tokenTTL),
	}
	if err := m.pending.Create(ctx, p); err != nil {
		return Issued{}, fmt.Errorf("lifecycle: issue: %w", err)
	}
	return Issued{SessionID: id, Token: token, ExpiresAt: p.ExpiresAt}, nil
}

// Admit validates token for sessionID and activates the session. It returns
// an error wrapping [fault.ErrAuth] for a missing, mismatched, expired or
// replayed token, and [fault.ErrSessionActive] when the account already has
// a live session.
func (m *Manager) Admit(ctx context.Context, sessionID, token string) (*Session, error) {
	if sessionID == "" || token == "" {
		return nil, fmt.Errorf("%w: missing session id or token", fault.ErrAuth)
	}
	p, err := m.pending.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", fault.ErrAuth, err)
		}
		return nil, fmt.Errorf("lifecycle: admit: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(store.HashToken(token)), []byte(p.TokenHash)) != 1 {
		return nil, fmt.Errorf("%w: token mismatch", fault.ErrAuth)
	}
	now := m.clock.Now()
	if err := p.Usable(now); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrAuth, err)
	}

	if err := m.slots.Acquire(ctx, p.UserID, sessionID); err != nil {
		if errors.Is(err, store.ErrSlotTaken) {
			return nil, fault.ErrSessionActive
		}
		return nil, fmt.Errorf("lifecycle: acquire slot: %w", err)
	}

	consumed, err := m.pending.Consume(ctx, sessionID, now)
	if err != nil {
		m.releaseSlot(p.UserID, sessionID)
		switch {
		case errors.Is(err, store.ErrConsumed), errors.Is(err, store.ErrExpired), errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("%w: %w", fault.ErrAuth, err)
		}
		return nil, fmt.Errorf("lifecycle: consume: %w", err)
	}
	p = consumed

	s := &Session{
		ID:                 p.SessionID,
		UserID:             p.UserID,
		StudentID:          p.StudentID,
		Language:           p.Language,
		AgeGroup:           NormalizeAgeGroup(p.AgeGroup),
		Voice:              SelectVoice(p.Language, p.AgeGroup),
		ContextDocumentIDs: p.ContextDocumentIDs,
		StartedAt:          now,
		mgr:                m,
		status:             StatusActive,
		done:               make(chan struct{}),
	}

	m.mu.Lock()
	m.live[s.ID] = s
	m.mu.Unlock()

	if r, ok := m.slots.(store.SlotRefresher); ok {
		refreshCtx, cancel := context.WithCancel(context.Background())
		s.stopRefresh = cancel
		go m.refreshSlot(refreshCtx, r, s)
	}

	slog.Info("lifecycle: session admitted", "session_id", s.ID, "user_id", s.UserID, "voice", s.Voice)
	return s, nil
}

// Active lists the live sessions.
func (m *Manager) Active() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Get returns the live session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[id]
	return s, ok
}

// TeardownAll ends every live session, e.g. on shutdown.
func (m *Manager) TeardownAll(reason string) int {
	sessions := m.Active()
	for _, s := range sessions {
		s.Teardown(reason, nil)
	}
	return len(sessions)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
}

func (m *Manager) releaseSlot(userID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := m.slots.Release(ctx, userID, sessionID); err != nil {
		slog.Warn("lifecycle: release slot", "session_id", sessionID, "err", err)
	}
}

func (m *Manager) refreshSlot(ctx context.Context, r store.SlotRefresher, s *Session) {
	ticker := m.clock.NewTicker(m.slotRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := r.Refresh(ctx, s.UserID, s.ID); err != nil && ctx.Err() == nil {
				slog.Warn("lifecycle: refresh slot", "session_id", s.ID, "err", err)
			}
		}
	}
}

// MinutesUsed is the billed duration: elapsed time rounded up to whole
// minutes.
func MinutesUsed(elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	return int(math.Ceil(elapsed.Minutes()))
}

// Summary describes a torn-down session.
type Summary struct {
	Status      Status
	Reason      string
	MinutesUsed int
	EndedAt     time.Time
	Err         error
}

// Session is one admitted tutoring session. Its methods are safe for
// concurrent use.
type Session struct {
	ID                 string
	UserID             string
	StudentID          string
	Language           string
	AgeGroup           string
	Voice              string
	ContextDocumentIDs []string
	StartedAt          time.Time

	mgr         *Manager
	stopRefresh context.CancelFunc
	once        sync.Once
	done        chan struct{}

	mu      sync.Mutex
	status  Status
	turns   []store.Turn
	summary Summary
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed once Teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// AddTurn appends a new entry to the turn log. It is ignored after teardown.
func (s *Session) AddTurn(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return
	}
	s.turns = append(s.turns, store.Turn{Role: role, Text: text, Timestamp: s.mgr.clock.Now()})
}

// AppendToTurn concatenates text onto the last entry if it has role, or
// starts a new entry otherwise.
func (s *Session) AppendToTurn(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return
	}
	if n := len(s.turns); n > 0 && s.turns[n-1].Role == role {
		s.turns[n-1].Text += text
		return
	}
	s.turns = append(s.turns, store.Turn{Role: role, Text: text, Timestamp: s.mgr.clock.Now()})
}

// Turns returns a copy of the turn log.
func (s *Session) Turns() []store.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.turns)
}

// Teardown ends the session. The first call computes usage, persists the
// record, releases the account slot and removes the session from the
// manager; every call returns that first call's Summary. A non-nil cause
// marks the session as failed.
func (s *Session) Teardown(reason string, cause error) Summary {
	s.once.Do(func() {
		m := s.mgr
		now := m.clock.Now()

		status := StatusEnded
		if cause != nil {
			status = StatusError
		}

		s.mu.Lock()
		s.status = status
		s.summary = Summary{
			Status:      status,
			Reason:      reason,
			MinutesUsed: MinutesUsed(now.Sub(s.StartedAt)),
			EndedAt:     now,
			Err:         cause,
		}
		rec := store.SessionRecord{
			SessionID:   s.ID,
			UserID:      s.UserID,
			StudentID:   s.StudentID,
			Language:    s.Language,
			AgeGroup:    s.AgeGroup,
			Voice:       s.Voice,
			Status:      string(status),
			EndReason:   reason,
			StartedAt:   s.StartedAt,
			EndedAt:     now,
			MinutesUsed: s.summary.MinutesUsed,
			Turns:       slices.Clone(s.turns),
		}
		s.mu.Unlock()

		if s.stopRefresh != nil {
			s.stopRefresh()
		}

		if m.recorder != nil {
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			if err := m.recorder.RecordSession(ctx, rec); err != nil {
				slog.Error("lifecycle: record session", "session_id", s.ID, "err", err)
			}
			cancel()
		}
		m.releaseSlot(s.UserID, s.ID)
		m.remove(s.ID)
		close(s.done)

		attrs := []any{"session_id", s.ID, "reason", reason, "minutes_used", rec.MinutesUsed, "turns", len(rec.Turns)}
		if cause != nil {
			slog.Warn("lifecycle: session failed", append(attrs, "err", cause)...)
		} else {
			slog.Info("lifecycle: session ended", attrs...)
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}
