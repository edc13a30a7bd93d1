// Package mock provides test doubles for the generation package interfaces.
//
// Use Provider to verify Connect calls and hand out a controlled Session.
// Use Session to push chunks from the test and inspect the turns, interrupts
// and keepalives the orchestrator sent.
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(generation.Chunk{Kind: generation.ChunkTurnComplete})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tutorvox/pkg/provider/generation"
)

// Provider is a mock implementation of generation.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh Session.
	Session *Session

	// ConnectErr, if non-nil, is returned from Connect.
	ConnectErr error

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// ConnectCalls records the config of every Connect call.
	ConnectCalls []generation.SessionConfig
}

var _ generation.Provider = (*Provider)(nil)

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(_ context.Context, cfg generation.SessionConfig) (generation.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, cfg)
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Calls returns a copy of the recorded Connect configs.
func (p *Provider) Calls() []generation.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]generation.SessionConfig(nil), p.ConnectCalls...)
}

// Session is a mock implementation of generation.SessionHandle.
type Session struct {
	chunks chan generation.Chunk

	mu sync.Mutex

	// SendTurnErr, if non-nil, is returned from SendTurn.
	SendTurnErr error

	// InterruptErr, if non-nil, is returned from Interrupt.
	InterruptErr error

	// FailErr is returned from Err after End.
	FailErr error

	turns           [][]generation.Message
	interrupts      int
	keepAlives      int
	closeCallCount  int
	closed          bool
	turnSignal      chan struct{}
	interruptSignal chan struct{}
}

var _ generation.SessionHandle = (*Session)(nil)

// NewSession returns a Session with a buffered chunk channel.
func NewSession() *Session {
	return &Session{
		chunks:          make(chan generation.Chunk, 64),
		turnSignal:      make(chan struct{}, 16),
		interruptSignal: make(chan struct{}, 16),
	}
}

// Emit pushes c onto the chunk stream. It is a no-op after Close or End.
func (s *Session) Emit(c generation.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.chunks <- c
}

// End closes the chunk stream as if the provider had failed with err.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.FailErr = err
	s.closed = true
	close(s.chunks)
}

// SendTurn records the history.
func (s *Session) SendTurn(_ context.Context, history []generation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return generation.ErrSessionClosed
	}
	if s.SendTurnErr != nil {
		return s.SendTurnErr
	}
	s.turns = append(s.turns, append([]generation.Message(nil), history...))
	select {
	case s.turnSignal <- struct{}{}:
	default:
	}
	return nil
}

// Chunks returns the chunk stream.
func (s *Session) Chunks() <-chan generation.Chunk { return s.chunks }

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FailErr
}

// Interrupt records the call.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	select {
	case s.interruptSignal <- struct{}{}:
	default:
	}
	return s.InterruptErr
}

// KeepAlive records the call.
func (s *Session) KeepAlive(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return generation.ErrSessionClosed
	}
	s.keepAlives++
	return nil
}

// Close closes the chunk stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCallCount++
	if !s.closed {
		s.closed = true
		close(s.chunks)
	}
	return nil
}

// Turns returns a copy of every history passed to SendTurn.
func (s *Session) Turns() [][]generation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]generation.Message(nil), s.turns...)
}

// TurnSent is signalled after each successful SendTurn.
func (s *Session) TurnSent() <-chan struct{} { return s.turnSignal }

// Interrupted is signalled after each Interrupt.
func (s *Session) Interrupted() <-chan struct{} { return s.interruptSignal }

// InterruptCount returns how many times Interrupt was called.
func (s *Session) InterruptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// KeepAliveCount returns how many keepalives were sent.
func (s *Session) KeepAliveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepAlives
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCallCount
}
