package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/tutorvox/internal/fault"
	"github.com/MrWong99/tutorvox/internal/lifecycle"
	"github.com/MrWong99/tutorvox/internal/store"
)

type countingRecorder struct {
	calls atomic.Int32
	mu    sync.Mutex
	last  store.SessionRecord
	err   error
}

func (r *countingRecorder) RecordSession(_ context.Context, rec store.SessionRecord) error {
	r.calls.Add(1)
	r.mu.Lock()
	r.last = rec
	r.mu.Unlock()
	return r.err
}

type refreshingSlots struct {
	*store.MemSlots
	refreshed chan string
}

func (r *refreshingSlots) Refresh(_ context.Context, _, sessionID string) error {
	r.refreshed <- sessionID
	return nil
}

type fixture struct {
	clock    *clockwork.FakeClock
	pending  *store.MemStore
	slots    *store.MemSlots
	recorder *countingRecorder
	mgr      *lifecycle.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		pending:  store.NewMemStore(),
		slots:    store.NewMemSlots(),
		recorder: &countingRecorder{},
	}
	f.mgr = lifecycle.NewManager(f.pending, f.recorder, f.slots, lifecycle.WithClock(f.clock))
	return f
}

func (f *fixture) issue(t *testing.T, userID string) lifecycle.Issued {
	t.Helper()
	iss, err := f.mgr.Issue(context.Background(), lifecycle.IssueRequest{
		UserID:             userID,
		Language:           "es-MX",
		AgeGroup:           "teen",
		ContextDocumentIDs: []string{"doc-1"},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return iss
}

func TestIssue(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	iss := f.issue(t, "u1")
	if len(iss.SessionID) != 26 {
		t.Errorf("session id %q is not a ULID", iss.SessionID)
	}
	if iss.Token == "" || !iss.ExpiresAt.Equal(f.clock.Now().Add(lifecycle.DefaultTokenTTL)) {
		t.Errorf("unexpected issue result %+v", iss)
	}
	p, err := f.pending.Get(context.Background(), iss.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if p.TokenHash != store.HashToken(iss.Token) || p.TokenHash == iss.Token {
		t.Error("pending record does not hold the token hash")
	}

	if _, err := f.mgr.Issue(context.Background(), lifecycle.IssueRequest{}); err == nil {
		t.Error("Issue without user id succeeded")
	}
}

func TestAdmit_ActivatesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	iss := f.issue(t, "u1")

	s, err := f.mgr.Admit(context.Background(), iss.SessionID, iss.Token)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if s.Status() != lifecycle.StatusActive || s.UserID != "u1" || s.AgeGroup != "teen" {
		t.Errorf("unexpected session %+v", s)
	}
	if s.Voice != lifecycle.SelectVoice("es-MX", "teen") {
		t.Errorf("voice = %q", s.Voice)
	}
	if len(s.ContextDocumentIDs) != 1 || s.ContextDocumentIDs[0] != "doc-1" {
		t.Errorf("documents = %v", s.ContextDocumentIDs)
	}
	if f.slots.Holder("u1") != s.ID {
		t.Error("slot not held by session")
	}
	if got := f.mgr.Active(); len(got) != 1 || got[0] != s {
		t.Errorf("Active = %v", got)
	}
}

func TestAdmit_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(f *fixture, iss lifecycle.Issued) (id, token string)
		want  error
	}{
		{"unknown session", func(_ *fixture, iss lifecycle.Issued) (string, string) { return "nope", iss.Token }, fault.ErrAuth},
		{"wrong token", func(_ *fixture, iss lifecycle.Issued) (string, string) { return iss.SessionID, "guess" }, fault.ErrAuth},
		{"empty token", func(_ *fixture, iss lifecycle.Issued) (string, string) { return iss.SessionID, "" }, fault.ErrAuth},
		{"expired", func(f *fixture, iss lifecycle.Issued) (string, string) {
			f.clock.Advance(lifecycle.DefaultTokenTTL)
			return iss.SessionID, iss.Token
		}, fault.ErrAuth},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			iss := f.issue(t, "u1")
			id, token := tc.setup(f, iss)
			s, err := f.mgr.Admit(context.Background(), id, token)
			if !errors.Is(err, tc.want) || s != nil {
				t.Fatalf("Admit = %v, %v; want %v", s, err, tc.want)
			}
			if fault.ToClient(err).Code != "auth_failed" {
				t.Errorf("client code = %q", fault.ToClient(err).Code)
			}
			if f.slots.Holder("u1") != "" {
				t.Error("rejected admit left the slot held")
			}
		})
	}
}

func TestAdmit_TokenReplayRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	iss := f.issue(t, "u1")

	s, err := f.mgr.Admit(context.Background(), iss.SessionID, iss.Token)
	if err != nil {
		t.Fatal(err)
	}
	s.Teardown("stop", nil)

	if _, err := f.mgr.Admit(context.Background(), iss.SessionID, iss.Token); !errors.Is(err, fault.ErrAuth) {
		t.Fatalf("replayed Admit = %v, want ErrAuth", err)
	}
}

func TestAdmit_OneActiveSessionPerAccount(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	first := f.issue(t, "u1")
	second := f.issue(t, "u1")

	s, err := f.mgr.Admit(context.Background(), first.SessionID, first.Token)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.Admit(context.Background(), second.SessionID, second.Token); !errors.Is(err, fault.ErrSessionActive) {
		t.Fatalf("second Admit = %v, want ErrSessionActive", err)
	}

	// The rejected token was not burned and works once the slot is free.
	s.Teardown("stop", nil)
	if _, err := f.mgr.Admit(context.Background(), second.SessionID, second.Token); err != nil {
		t.Fatalf("Admit after teardown: %v", err)
	}
}

func TestTeardown_ExactlyOnceUnderConcurrentTriggers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	iss := f.issue(t, "u1")
	s, err := f.mgr.Admit(context.Background(), iss.SessionID, iss.Token)
	if err != nil {
		t.Fatal(err)
	}
	s.AddTurn(lifecycle.RoleUser, "hola")
	s.AppendToTurn(lifecycle.RoleAssistant, "¡Hola! ")
	s.AppendToTurn(lifecycle.RoleAssistant, "¿Qué tal?")

	var wg sync.WaitGroup
	summaries := make([]lifecycle.Summary, 8)
	for i := range summaries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var cause error
			if i%2 == 0 {
				cause = errors.New("provider closed")
			}
			summaries[i] = s.Teardown("trigger", cause)
		}()
	}
	wg.Wait()

	if n := f.recorder.calls.Load(); n != 1 {
		t.Fatalf("recorder called %d times, want 1", n)
	}
	for i := 1; i < len(summaries); i++ {
		if summaries[i].Status != summaries[0].Status || summaries[i].EndedAt != summaries[0].EndedAt {
			t.Fatalf("summaries differ: %+v vs %+v", summaries[i], summaries[0])
		}
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
	if len(f.mgr.Active()) != 0 {
		t.Error("session still live")
	}
	if f.slots.Holder("u1") != "" {
		t.Error("slot not released")
	}

	rec := f.recorder.last
	if len(rec.Turns) != 2 || rec.Turns[1].Text != "¡Hola! ¿Qué tal?" {
		t.Errorf("turns = %+v", rec.Turns)
	}
	s.AddTurn(lifecycle.RoleUser, "late")
	if len(s.Turns()) != 2 {
		t.Error("turn appended after teardown")
	}
}

func TestTeardown_MinutesRoundedUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	iss := f.issue(t, "u1")
	s, err := f.mgr.Admit(context.Background(), iss.SessionID, iss.Token)
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(125 * time.Second)
	sum := s.Teardown("stop", nil)
	if sum.MinutesUsed != 3 {
		t.Fatalf("MinutesUsed = %d, want 3", sum.MinutesUsed)
	}
	if sum.Status != lifecycle.StatusEnded || f.recorder.last.MinutesUsed != 3 || f.recorder.last.Status != "ended" {
		t.Errorf("summary %+v, record %+v", sum, f.recorder.last)
	}
}

func TestTeardown_RecorderFailureStillReleases(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.recorder.err = errors.New("db down")
	iss := f.issue(t, "u1")
	s, err := f.mgr.Admit(context.Background(), iss.SessionID, iss.Token)
	if err != nil {
		t.Fatal(err)
	}
	sum := s.Teardown("provider", errors.New("boom"))
	if sum.Status != lifecycle.StatusError {
		t.Errorf("status = %q, want error", sum.Status)
	}
	if f.slots.Holder("u1") != "" || len(f.mgr.Active()) != 0 {
		t.Error("teardown stopped at the recorder failure")
	}
}

func TestAdmit_RefreshesSlot(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	pending := store.NewMemStore()
	slots := &refreshingSlots{MemSlots: store.NewMemSlots(), refreshed: make(chan string, 4)}
	mgr := lifecycle.NewManager(pending, nil, slots, lifecycle.WithClock(clock), lifecycle.WithSlotRefresh(30*time.Second))

	iss, err := mgr.Issue(context.Background(), lifecycle.IssueRequest{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	s, err := mgr.Admit(context.Background(), iss.SessionID, iss.Token)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(30 * time.Second)
	select {
	case id := <-slots.refreshed:
		if id != s.ID {
			t.Errorf("refreshed %q, want %q", id, s.ID)
		}
	case <-ctx.Done():
		t.Fatal("slot not refreshed")
	}
	s.Teardown("stop", nil)
}

func TestMinutesUsed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 0},
		{-time.Second, 0},
		{time.Second, 1},
		{60 * time.Second, 1},
		{61 * time.Second, 2},
		{125 * time.Second, 3},
	}
	for _, tc := range tests {
		if got := lifecycle.MinutesUsed(tc.elapsed); got != tc.want {
			t.Errorf("MinutesUsed(%v) = %d, want %d", tc.elapsed, got, tc.want)
		}
	}
}

func TestSelectVoice(t *testing.T) {
	t.Parallel()
	tests := []struct {
		lang, age, want string
	}{
		{"es-MX", "child", "Aoede"},
		{"es", "adult", "Charon"},
		{"FR-ca", "teen", "Fenrir"},
		{"sw", "child", "Leda"},
		{"", "", "Kore"},
		{"de", "senior", "Orus"},
	}
	for _, tc := range tests {
		if got := lifecycle.SelectVoice(tc.lang, tc.age); got != tc.want {
			t.Errorf("SelectVoice(%q, %q) = %q, want %q", tc.lang, tc.age, got, tc.want)
		}
	}
}
