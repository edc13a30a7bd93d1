// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled TranscriptEvent values and
// inspect which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(stt.TranscriptEvent{Kind: stt.KindFinal, ...})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tutorvox/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new default Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// Gate, if non-nil, makes StartStream block until Gate is closed or ctx
	// is done. It simulates a slow provider handshake.
	Gate chan struct{}

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call, waits on Gate, and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// CallCount returns the number of StartStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle and stt.KeepAliver.
type Session struct {
	mu sync.Mutex

	events    chan stt.TranscriptEvent
	closeOnce sync.Once
	closed    bool

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// Chunks holds a copy of every chunk passed to SendAudio, in order.
	Chunks [][]byte

	// KeepAliveCount is the number of KeepAlive calls.
	KeepAliveCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan stt.TranscriptEvent, 64)}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Chunks = append(s.Chunks, cp)
	return s.SendAudioErr
}

// Events returns the event channel.
func (s *Session) Events() <-chan stt.TranscriptEvent { return s.events }

// Emit delivers ev to the consumer as if the provider had sent it.
func (s *Session) Emit(ev stt.TranscriptEvent) { s.events <- ev }

// End closes the event channel as if the provider had hung up.
func (s *Session) End() {
	s.closeOnce.Do(func() { close(s.events) })
}

// KeepAlive increments KeepAliveCount.
func (s *Session) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeepAliveCount++
	return nil
}

// Close marks the session closed and ends the event stream.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.closed = true
	s.mu.Unlock()
	s.End()
	return nil
}

// Received returns a snapshot of the chunks sent so far.
func (s *Session) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Chunks))
	copy(out, s.Chunks)
	return out
}

// KeepAlives returns KeepAliveCount.
func (s *Session) KeepAlives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.KeepAliveCount
}

var (
	_ stt.SessionHandle = (*Session)(nil)
	_ stt.KeepAliver    = (*Session)(nil)
)

// Uploader is a mock implementation of stt.Uploader.
type Uploader struct {
	mu sync.Mutex

	// Result is returned by Transcribe.
	Result stt.Transcript

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// Segments records every segment passed to Transcribe.
	Segments []stt.Segment
}

// Transcribe records seg and returns Result, Err.
func (u *Uploader) Transcribe(_ context.Context, seg stt.Segment) (stt.Transcript, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Segments = append(u.Segments, seg)
	return u.Result, u.Err
}

// Calls returns the number of Transcribe calls.
func (u *Uploader) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.Segments)
}

var _ stt.Uploader = (*Uploader)(nil)
