// Package bridge owns the one STT provider session that belongs to a relay
// session.
//
// Capture frames may arrive before the provider handshake has finished. They
// are parked in a bounded ring and flushed in order as soon as the session
// opens, ahead of any frame sent afterwards. Provider events are stamped with
// the relay session ID and forwarded on [Bridge.Events] in provider order.
//
// While the stream is idle the bridge keeps the provider connection alive,
// using the provider's own keepalive message when the session implements
// [stt.KeepAliver] and a short burst of silence otherwise.
//
// Segment-mode recordings bypass the stream entirely and go through the
// provider's [stt.Uploader], one at a time, in submission order.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/tutorvox/internal/capture"
	"github.com/MrWong99/tutorvox/internal/fault"
	"github.com/MrWong99/tutorvox/internal/resilience"
	"github.com/MrWong99/tutorvox/pkg/audio"
	"github.com/MrWong99/tutorvox/pkg/provider/stt"
)

const (
	// DefaultRingSize is the number of frames held before the handshake.
	DefaultRingSize = 256

	// DefaultHandshakeTimeout bounds StartStream.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultKeepAliveInterval is the idle time after which a keepalive is sent.
	DefaultKeepAliveInterval = 8 * time.Second

	// keepAliveSilence is long enough to pass providers that reject very
	// short audio messages.
	keepAliveSilence = 100 * time.Millisecond

	eventBuffer   = 64
	segmentBuffer = 8
)

// ErrNoUploader is returned by SubmitSegment when the provider cannot
// transcribe whole recordings.
var ErrNoUploader = errors.New("bridge: provider does not support segment upload")

// Config tunes a Bridge. Zero values take the defaults above.
type Config struct {
	// SessionID is stamped on every forwarded event.
	SessionID string

	// Stream is passed to StartStream.
	Stream stt.StreamConfig

	RingSize          int
	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
}

// Option is a functional option for New.
type Option func(*Bridge)

// WithClock injects the clock that drives the handshake timeout and keepalive.
func WithClock(c clockwork.Clock) Option {
	return func(b *Bridge) { b.clock = c }
}

// WithBreaker guards the handshake with a circuit breaker shared across
// sessions of the same provider.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(b *Bridge) { b.breaker = cb }
}

// WithUploader enables segment-mode transcription.
func WithUploader(u stt.Uploader) Option {
	return func(b *Bridge) { b.uploader = u }
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
	stateClosed
)

// Bridge is safe for concurrent use.
type Bridge struct {
	provider stt.Provider
	uploader stt.Uploader
	breaker  *resilience.CircuitBreaker
	clock    clockwork.Clock
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	events   chan stt.TranscriptEvent
	segments chan capture.Segment

	mu           sync.Mutex
	state        connState
	sess         stt.SessionHandle
	pending      *ring[[]byte]
	dropped      int
	forwarded    bool
	lastActivity time.Time
	kick         chan struct{}
}

// New returns a Bridge for provider. Call Start to open the stream; segment
// uploads work without it.
func New(provider stt.Provider, cfg Config, opts ...Option) *Bridge {
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		provider: provider,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan stt.TranscriptEvent, eventBuffer),
		segments: make(chan capture.Segment, segmentBuffer),
		pending:  newRing[[]byte](cfg.RingSize),
		kick:     make(chan struct{}, 1),
	}
	if u, ok := provider.(stt.Uploader); ok {
		b.uploader = u
	}
	for _, o := range opts {
		o(b)
	}

	b.wg.Add(1)
	go b.segmentLoop()
	return b
}

// Events returns the forwarded event stream. It is closed by Close.
// A KindClosed event marks the end of the provider stream.
func (b *Bridge) Events() <-chan stt.TranscriptEvent { return b.events }

// Start begins the provider handshake in the background. Frames sent before
// it completes are buffered. Calling Start more than once is a no-op.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.state != stateIdle {
		b.mu.Unlock()
		return
	}
	b.state = stateConnecting
	b.mu.Unlock()

	b.wg.Add(1)
	go b.connect(ctx)
}

// Send forwards a capture frame. It never blocks: before the session is open
// the frame is queued, dropping the oldest queued frame when the ring is full.
func (b *Bridge) Send(frame audio.AudioFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		b.forwardLocked(frame.Data)
	case stateIdle, stateConnecting:
		if b.pending.push(frame.Data) {
			b.dropped++
		}
	}
}

// Dropped returns how many pre-handshake frames were discarded.
func (b *Bridge) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Open reports whether the provider session is open.
func (b *Bridge) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen
}

// SubmitSegment queues a segment-mode recording for upload transcription.
// The result arrives on Events as a single KindFinal event, or a KindError.
func (b *Bridge) SubmitSegment(seg capture.Segment) error {
	if b.uploader == nil {
		return ErrNoUploader
	}
	if len(seg.PCM) == 0 {
		return nil
	}
	select {
	case <-b.ctx.Done():
		return stt.ErrSessionClosed
	default:
	}
	select {
	case b.segments <- seg:
		return nil
	default:
		return fmt.Errorf("bridge: segment queue full (%d pending)", segmentBuffer)
	}
}

// Close ends the provider session, stops all background work and closes
// Events. Safe to call more than once.
func (b *Bridge) Close() error {
	b.once.Do(func() {
		b.mu.Lock()
		b.state = stateClosed
		sess := b.sess
		b.pending.drain()
		b.mu.Unlock()

		b.cancel()
		if sess != nil {
			if err := sess.Close(); err != nil {
				slog.Warn("bridge: close stt session", "session_id", b.cfg.SessionID, "err", err)
			}
		}
		b.wg.Wait()
		close(b.events)
	})
	return nil
}

// forwardLocked sends pcm to the open session. b.mu must be held.
func (b *Bridge) forwardLocked(pcm []byte) {
	if err := b.sess.SendAudio(pcm); err != nil {
		slog.Debug("bridge: send audio", "session_id", b.cfg.SessionID, "err", err)
		return
	}
	b.lastActivity = b.clock.Now()
	if !b.forwarded {
		b.forwarded = true
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

type startResult struct {
	sess stt.SessionHandle
	err  error
}

func (b *Bridge) connect(parent context.Context) {
	defer b.wg.Done()

	var sess stt.SessionHandle
	handshake := func() error {
		s, err := b.handshake(parent)
		sess = s
		return err
	}
	var err error
	if b.breaker != nil {
		err = b.breaker.Execute(handshake)
	} else {
		err = handshake()
	}

	if err != nil {
		if b.ctx.Err() != nil {
			return
		}
		slog.Warn("bridge: stt handshake failed", "session_id", b.cfg.SessionID, "err", err)
		b.fail(fault.New(fault.KindProvider, "stt handshake", err))
		return
	}

	b.mu.Lock()
	if b.state == stateClosed {
		b.mu.Unlock()
		_ = sess.Close()
		return
	}
	b.sess = sess
	for _, pcm := range b.pending.drain() {
		b.forwardLocked(pcm)
	}
	b.state = stateOpen
	b.mu.Unlock()

	slog.Info("bridge: stt session open", "session_id", b.cfg.SessionID)

	b.wg.Add(1)
	go b.keepAliveLoop()
	b.pump(sess)
}

// handshake runs StartStream under the handshake timeout.
func (b *Bridge) handshake(parent context.Context) (stt.SessionHandle, error) {
	hctx, hcancel := context.WithCancel(parent)
	defer hcancel()
	stop := context.AfterFunc(b.ctx, hcancel)
	defer stop()

	res := make(chan startResult, 1)
	go func() {
		s, err := b.provider.StartStream(hctx, b.cfg.Stream)
		res <- startResult{s, err}
	}()

	timer := b.clock.NewTimer(b.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case r := <-res:
		return r.sess, r.err
	case <-timer.Chan():
		hcancel()
		if r := <-res; r.sess != nil {
			_ = r.sess.Close()
		}
		return nil, fault.ErrHandshakeTimeout
	case <-hctx.Done():
		r := <-res
		if r.sess != nil {
			_ = r.sess.Close()
		}
		return nil, hctx.Err()
	}
}

// pump forwards provider events until the provider stream ends.
func (b *Bridge) pump(sess stt.SessionHandle) {
	for ev := range sess.Events() {
		if ev.Kind == stt.KindClosed {
			break
		}
		ev.SessionID = b.cfg.SessionID
		if !b.emit(ev) {
			return
		}
	}
	if b.ctx.Err() != nil {
		return
	}
	b.mu.Lock()
	b.state = stateClosed
	b.mu.Unlock()
	slog.Info("bridge: stt session closed by provider", "session_id", b.cfg.SessionID)
	b.emit(stt.TranscriptEvent{Kind: stt.KindClosed, SessionID: b.cfg.SessionID})
}

// fail reports a terminal error followed by KindClosed.
func (b *Bridge) fail(err error) {
	b.mu.Lock()
	b.state = stateClosed
	b.pending.drain()
	b.mu.Unlock()
	if b.emit(stt.TranscriptEvent{Kind: stt.KindError, SessionID: b.cfg.SessionID, Err: err}) {
		b.emit(stt.TranscriptEvent{Kind: stt.KindClosed, SessionID: b.cfg.SessionID, Err: err})
	}
}

func (b *Bridge) emit(ev stt.TranscriptEvent) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.ctx.Done():
		return false
	}
}

// keepAliveLoop sends a keepalive whenever no frame has been forwarded for
// the keepalive interval. It starts counting at the first forwarded frame.
func (b *Bridge) keepAliveLoop() {
	defer b.wg.Done()
	interval := b.cfg.KeepAliveInterval

	for {
		b.mu.Lock()
		started := b.forwarded
		idle := b.clock.Since(b.lastActivity)
		b.mu.Unlock()

		if !started {
			select {
			case <-b.ctx.Done():
				return
			case <-b.kick:
			}
			continue
		}
		if idle >= interval {
			b.keepAlive()
			continue
		}

		timer := b.clock.NewTimer(interval - idle)
		select {
		case <-b.ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}
}

func (b *Bridge) keepAlive() {
	b.mu.Lock()
	b.lastActivity = b.clock.Now()
	sess := b.sess
	open := b.state == stateOpen
	b.mu.Unlock()
	if !open {
		return
	}

	var err error
	if ka, ok := sess.(stt.KeepAliver); ok {
		err = ka.KeepAlive()
	} else {
		err = sess.SendAudio(audio.Silence(audio.CaptureFormat, keepAliveSilence).Data)
	}
	if err != nil {
		slog.Debug("bridge: keepalive", "session_id", b.cfg.SessionID, "err", err)
	}
}

// segmentLoop transcribes queued segments one at a time.
func (b *Bridge) segmentLoop() {
	defer b.wg.Done()
	order := 0
	for {
		select {
		case <-b.ctx.Done():
			return
		case seg := <-b.segments:
			if b.uploader == nil {
				continue
			}
			tr, err := b.transcribe(seg)
			if b.ctx.Err() != nil {
				return
			}
			if err != nil {
				slog.Warn("bridge: segment transcription failed", "session_id", b.cfg.SessionID, "err", err)
				b.emit(stt.TranscriptEvent{
					Kind:      stt.KindError,
					SessionID: b.cfg.SessionID,
					Err:       fault.New(fault.KindProvider, "stt upload", err),
				})
				continue
			}
			tr.IsFinal = true
			b.emit(stt.TranscriptEvent{
				Kind:       stt.KindFinal,
				Transcript: tr,
				TurnOrder:  order,
				SessionID:  b.cfg.SessionID,
			})
			order++
		}
	}
}

func (b *Bridge) transcribe(seg capture.Segment) (stt.Transcript, error) {
	return b.uploader.Transcribe(b.ctx, stt.Segment{
		Audio:    audio.EncodeWAV(seg.PCM, seg.Format),
		Format:   seg.Format,
		Language: b.cfg.Stream.Language,
	})
}
