// Package orchestrator runs the conversation of one tutoring session.
//
// An [Orchestrator] owns the generation session and a single ordered inbox.
// Transcripts from the STT bridge, generated chunks, VAD speech starts, client
// text and stop requests are all serialised through that inbox, so the state
// machine
//
//	idle → listening → thinking → speaking → listening
//
// is only ever touched by the Run goroutine. ended and error are terminal.
//
// A learner who starts speaking while a reply is being generated or played
// always wins: queued playback is cleared, the provider is asked to stop and
// every chunk of the abandoned reply that still arrives is dropped.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tutorvox/internal/docctx"
	"github.com/MrWong99/tutorvox/internal/fault"
	"github.com/MrWong99/tutorvox/internal/observe"
	"github.com/MrWong99/tutorvox/internal/playback"
	"github.com/MrWong99/tutorvox/pkg/audio"
	"github.com/MrWong99/tutorvox/pkg/provider/generation"
	"github.com/MrWong99/tutorvox/pkg/provider/stt"
	"github.com/MrWong99/tutorvox/pkg/provider/vad"
)

const (
	// DefaultKeepAliveInterval is how long the generation session may stay
	// silent before a keepalive is sent.
	DefaultKeepAliveInterval = 8 * time.Second

	inboxSize        = 256
	keepAliveTimeout = 5 * time.Second
)

// ErrStopped is returned by SubmitText after the orchestrator has finished.
var ErrStopped = errors.New("orchestrator: stopped")

// State is the conversation state.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
	StateEnded
	StateError
)

// String returns the lower-case state name used in client status messages.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is ended or error.
func (s State) Terminal() bool { return s == StateEnded || s == StateError }

// Roles carried by [Transcript].
const (
	RoleUser      = string(generation.RoleUser)
	RoleAssistant = string(generation.RoleAssistant)
)

// Transcript is a line of the conversation as the learner sees it.
type Transcript struct {
	Role  string
	Text  string
	Final bool
}

// Notifier receives everything the client should be told. Calls come from
// the Run goroutine and must not block for long.
type Notifier interface {
	OnTranscript(Transcript)
	OnStatus(State)
	OnInterrupted()
}

// Player paces generated audio. [*playback.Scheduler] implements it.
type Player interface {
	Enqueue(audio.AudioFrame) playback.Slot
	Clear() bool
	Playing() bool
}

// TurnLog records the conversation. [*lifecycle.Session] implements it.
type TurnLog interface {
	AddTurn(role, text string)
	AppendToTurn(role, text string)
}

// Config describes the session being orchestrated.
type Config struct {
	// SessionID is used in logs and span attributes.
	SessionID string

	// Profile is the learner's language and age group.
	Profile docctx.Profile

	// Voice is the synthesis voice passed to the generation provider.
	Voice string

	// DocumentIDs are resolved once at start and embedded in the
	// instruction.
	DocumentIDs []string

	// KeepAliveInterval defaults to DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock injects the clock driving the keepalive timer.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithResolver sets the document context resolver. Without one no reading
// material is embedded.
func WithResolver(r docctx.Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithTurnLog records user and assistant turns into l.
func WithTurnLog(l TurnLog) Option {
	return func(o *Orchestrator) { o.turnLog = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

type eventKind int

const (
	evTranscript eventKind = iota
	evTranscriptsClosed
	evChunk
	evChunksClosed
	evSpeechStart
	evAudio
	evText
	evStop
)

type event struct {
	kind       eventKind
	transcript stt.TranscriptEvent
	chunk      generation.Chunk
	text       string
}

// reply is the generation turn the learner is currently waiting for.
type reply struct {
	sentAt  time.Time
	span    trace.Span
	text    strings.Builder
	started bool
}

// Orchestrator drives one session's conversation. Create it with New and
// call Run exactly once.
type Orchestrator struct {
	gen         generation.Provider
	transcripts <-chan stt.TranscriptEvent
	player      Player
	notify      Notifier
	cfg         Config

	clock    clockwork.Clock
	resolver docctx.Resolver
	turnLog  TurnLog
	metrics  *observe.Metrics

	inbox     chan event
	done      chan struct{}
	audioOnce sync.Once
	state     atomic.Int32

	// Run goroutine only.
	sess           generation.SessionHandle
	history        []generation.Message
	live           *reply
	discard        int
	afterInterrupt bool
	kaTimer        clockwork.Timer
	kaC            <-chan time.Time
	wg             sync.WaitGroup
}

// New creates an Orchestrator. transcripts is usually a bridge's event
// stream; its KindError and KindClosed events end the conversation.
func New(gen generation.Provider, transcripts <-chan stt.TranscriptEvent, player Player, notify Notifier, cfg Config, opts ...Option) *Orchestrator {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	o := &Orchestrator{
		gen:         gen,
		transcripts: transcripts,
		player:      player,
		notify:      notify,
		cfg:         cfg,
		clock:       clockwork.NewRealClock(),
		inbox:       make(chan event, inboxSize),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// State returns the current conversation state.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// HandleVAD feeds a voice activity event. Only speech starts matter; they
// trigger barge-in.
func (o *Orchestrator) HandleVAD(ev vad.VADEvent) {
	if ev.Type != vad.VADSpeechStart {
		return
	}
	o.post(event{kind: evSpeechStart})
}

// NoteAudio marks the start of audio activity, which arms the generation
// keepalive. Calls after the first are no-ops.
func (o *Orchestrator) NoteAudio() {
	o.audioOnce.Do(func() { o.post(event{kind: evAudio}) })
}

// SubmitText queues a typed user turn.
func (o *Orchestrator) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !o.post(event{kind: evText, text: text}) {
		return ErrStopped
	}
	return nil
}

// Stop ends the conversation cleanly. Safe to call at any time.
func (o *Orchestrator) Stop() {
	o.post(event{kind: evStop})
}

func (o *Orchestrator) post(ev event) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.inbox <- ev:
		return true
	case <-o.done:
		return false
	}
}

// Run resolves the reading material, opens the generation session and
// processes the inbox until the conversation ends. It returns nil after Stop
// or when ctx is cancelled, and a [fault] error when a provider failed.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	defer close(o.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctx = observe.WithSession(ctx, o.cfg.SessionID)
	log := observe.Logger(ctx)

	defer func() {
		o.stopKeepAlive()
		if o.sess != nil {
			if cerr := o.sess.Close(); cerr != nil {
				log.Warn("orchestrator: close generation session", "err", cerr)
			}
		}
		if o.live != nil {
			o.endReply(err)
		}
		cancel()
		o.wg.Wait()
		if err != nil {
			o.setState(StateError)
			log.Error("orchestrator: conversation failed", "err", err)
			return
		}
		o.setState(StateEnded)
	}()

	if err := o.connect(ctx); err != nil {
		return err
	}
	o.setState(StateListening)

	o.wg.Add(2)
	go o.pumpTranscripts(ctx)
	go o.pumpChunks(ctx, o.sess.Chunks())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.kaC:
			o.keepAlive(ctx)
		case ev := <-o.inbox:
			done, err := o.handle(ctx, ev)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (o *Orchestrator) connect(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "orchestrator.connect",
		trace.WithAttributes(attribute.String("provider", o.gen.Name())),
	)
	defer span.End()

	var chunks []docctx.Chunk
	if o.resolver != nil && len(o.cfg.DocumentIDs) > 0 {
		var err error
		chunks, err = o.resolver.Resolve(ctx, o.cfg.DocumentIDs)
		if err != nil {
			observe.Logger(ctx).Warn("orchestrator: resolve document context, continuing without it",
				"err", err)
			chunks = nil
		}
	}

	start := o.clock.Now()
	sess, err := o.gen.Connect(ctx, generation.SessionConfig{
		Instructions: docctx.FormatInstructions(o.cfg.Profile, chunks),
		Voice:        o.cfg.Voice,
		Language:     o.cfg.Profile.Language,
	})
	o.metrics.HandshakeDuration.Record(ctx, o.clock.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", o.gen.Name()), observe.Attr("kind", "generation")))
	if err != nil {
		o.metrics.RecordProviderRequest(ctx, o.gen.Name(), "generation", "error")
		o.metrics.RecordProviderError(ctx, o.gen.Name(), "generation")
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		if fault.KindOf(err) == fault.KindUnknown {
			err = fault.New(fault.KindProvider, "generation connect", err)
		}
		return err
	}
	o.metrics.RecordProviderRequest(ctx, o.gen.Name(), "generation", "ok")
	o.sess = sess
	return nil
}

func (o *Orchestrator) pumpTranscripts(ctx context.Context) {
	defer o.wg.Done()
	if o.transcripts == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.transcripts:
			if !ok {
				o.deliver(ctx, event{kind: evTranscriptsClosed})
				return
			}
			if !o.deliver(ctx, event{kind: evTranscript, transcript: ev}) {
				return
			}
		}
	}
}

func (o *Orchestrator) pumpChunks(ctx context.Context, chunks <-chan generation.Chunk) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-chunks:
			if !ok {
				o.deliver(ctx, event{kind: evChunksClosed})
				return
			}
			if !o.deliver(ctx, event{kind: evChunk, chunk: c}) {
				return
			}
		}
	}
}

func (o *Orchestrator) deliver(ctx context.Context, ev event) bool {
	select {
	case o.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// handle processes one inbox event. done reports a clean end.
func (o *Orchestrator) handle(ctx context.Context, ev event) (done bool, err error) {
	switch ev.kind {
	case evStop:
		return true, nil
	case evAudio:
		o.armKeepAlive()
	case evSpeechStart:
		o.bargeIn(ctx)
	case evText:
		return false, o.userTurn(ctx, ev.text)
	case evTranscript:
		return false, o.handleTranscript(ctx, ev.transcript)
	case evTranscriptsClosed:
		return false, fault.New(fault.KindProviderClosed, "stt", errors.New("transcript stream closed"))
	case evChunk:
		o.handleChunk(ctx, ev.chunk)
	case evChunksClosed:
		if err := o.sess.Err(); err != nil {
			o.metrics.RecordProviderError(ctx, o.gen.Name(), "generation")
			if fault.KindOf(err) == fault.KindUnknown {
				err = fault.New(fault.KindProvider, "generation", err)
			}
			return false, err
		}
		return false, fault.New(fault.KindProviderClosed, "generation", errors.New("generation session closed"))
	}
	return false, nil
}

func (o *Orchestrator) handleTranscript(ctx context.Context, ev stt.TranscriptEvent) error {
	switch ev.Kind {
	case stt.KindPartial:
		if ev.Text != "" {
			o.notify.OnTranscript(Transcript{Role: RoleUser, Text: ev.Text})
		}
	case stt.KindFinal:
		return o.userTurn(ctx, ev.Text)
	case stt.KindError:
		err := ev.Err
		if err == nil {
			err = errors.New("unspecified stt error")
		}
		if fault.KindOf(err) == fault.KindUnknown {
			err = fault.New(fault.KindProvider, "stt", err)
		}
		return err
	case stt.KindClosed:
		if ev.Err != nil {
			if fault.KindOf(ev.Err) == fault.KindUnknown {
				return fault.New(fault.KindProviderClosed, "stt", ev.Err)
			}
			return ev.Err
		}
		return fault.New(fault.KindProviderClosed, "stt", errors.New("stt stream closed"))
	}
	return nil
}

// userTurn records text as a user turn and asks for a reply. A reply still
// in flight is abandoned first.
func (o *Orchestrator) userTurn(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if o.live != nil {
		o.bargeIn(ctx)
	}

	o.notify.OnTranscript(Transcript{Role: RoleUser, Text: text, Final: true})
	if o.turnLog != nil {
		o.turnLog.AddTurn(RoleUser, text)
	}
	o.metrics.RecordTurn(ctx, RoleUser)
	o.history = append(o.history, generation.Message{Role: generation.RoleUser, Text: text})

	_, span := observe.StartSpan(ctx, "orchestrator.turn",
		trace.WithAttributes(attribute.Int("turn.index", len(o.history))),
	)
	history := append([]generation.Message(nil), o.history...)
	if err := o.sess.SendTurn(ctx, history); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send turn failed")
		span.End()
		o.metrics.RecordProviderRequest(ctx, o.gen.Name(), "generation", "error")
		o.metrics.RecordProviderError(ctx, o.gen.Name(), "generation")
		return fault.New(fault.KindProvider, "generation send turn", err)
	}
	o.metrics.RecordProviderRequest(ctx, o.gen.Name(), "generation", "ok")

	o.live = &reply{sentAt: o.clock.Now(), span: span}
	o.armKeepAlive()
	o.setState(StateThinking)
	return nil
}

func (o *Orchestrator) handleChunk(ctx context.Context, c generation.Chunk) {
	o.resetKeepAlive()

	// Gemini reports an interruption and the end of the same reply in one
	// message.
	swallow := o.afterInterrupt && c.Kind == generation.ChunkTurnComplete
	o.afterInterrupt = c.Kind == generation.ChunkInterrupted
	if swallow {
		return
	}

	switch c.Kind {
	case generation.ChunkTurnComplete, generation.ChunkInterrupted:
		switch {
		case o.discard > 0:
			o.discard--
		case o.live != nil:
			o.completeReply(ctx, c.Kind == generation.ChunkInterrupted)
		}
		return
	}

	if o.discard > 0 || o.live == nil {
		return
	}

	r := o.live
	if !r.started {
		r.started = true
		o.metrics.ReplyLatency.Record(ctx, o.clock.Since(r.sentAt).Seconds())
		o.setState(StateSpeaking)
	}

	switch c.Kind {
	case generation.ChunkText:
		if c.Text == "" {
			return
		}
		if o.turnLog != nil {
			if r.text.Len() == 0 {
				o.turnLog.AddTurn(RoleAssistant, c.Text)
			} else {
				o.turnLog.AppendToTurn(RoleAssistant, c.Text)
			}
		}
		r.text.WriteString(c.Text)
		o.notify.OnTranscript(Transcript{Role: RoleAssistant, Text: c.Text})
	case generation.ChunkAudio:
		if len(c.Audio.Data) > 0 {
			o.player.Enqueue(c.Audio)
		}
	}
}

// completeReply closes the live reply and returns to listening. Audio already
// queued keeps playing.
func (o *Orchestrator) completeReply(ctx context.Context, interrupted bool) {
	text := o.live.text.String()
	if text != "" {
		o.history = append(o.history, generation.Message{Role: generation.RoleAssistant, Text: text})
		o.notify.OnTranscript(Transcript{Role: RoleAssistant, Text: text, Final: true})
	}
	o.metrics.RecordTurn(ctx, RoleAssistant)
	if interrupted {
		o.live.span.SetAttributes(attribute.Bool("turn.interrupted", true))
	}
	o.endReply(nil)
	o.setState(StateListening)
}

func (o *Orchestrator) endReply(err error) {
	if err != nil {
		o.live.span.RecordError(err)
		o.live.span.SetStatus(codes.Error, "conversation failed")
	}
	o.live.span.End()
	o.live = nil
}

// bargeIn cuts the tutor off. Playback is cleared first so the learner hears
// silence within one scheduling quantum.
func (o *Orchestrator) bargeIn(ctx context.Context) {
	cleared := o.player.Clear()
	inflight := o.live != nil
	if !cleared && !inflight {
		return
	}

	if inflight {
		if err := o.sess.Interrupt(); err != nil && !errors.Is(err, generation.ErrNotSupported) {
			observe.Logger(ctx).Warn("orchestrator: interrupt generation", "err", err)
		}
		r := o.live
		if text := r.text.String(); text != "" {
			o.history = append(o.history, generation.Message{Role: generation.RoleAssistant, Text: text})
			o.notify.OnTranscript(Transcript{Role: RoleAssistant, Text: text, Final: true})
		}
		r.span.SetAttributes(attribute.Bool("turn.interrupted", true))
		o.endReply(nil)
		o.discard++
		o.afterInterrupt = false
	}

	o.metrics.RecordBargeIn(ctx)
	o.notify.OnInterrupted()
	o.setState(StateListening)
}

func (o *Orchestrator) armKeepAlive() {
	if o.kaTimer != nil {
		return
	}
	o.kaTimer = o.clock.NewTimer(o.cfg.KeepAliveInterval)
	o.kaC = o.kaTimer.Chan()
}

func (o *Orchestrator) resetKeepAlive() {
	if o.kaTimer == nil {
		return
	}
	o.kaTimer.Stop()
	o.kaTimer.Reset(o.cfg.KeepAliveInterval)
}

func (o *Orchestrator) stopKeepAlive() {
	if o.kaTimer != nil {
		o.kaTimer.Stop()
	}
	o.kaC = nil
}

// keepAlive fires after KeepAliveInterval of provider silence. The send runs
// outside the loop so a slow socket never delays barge-in.
func (o *Orchestrator) keepAlive(ctx context.Context) {
	o.kaTimer.Reset(o.cfg.KeepAliveInterval)
	sess := o.sess
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		kctx, cancel := context.WithTimeout(ctx, keepAliveTimeout)
		defer cancel()
		if err := sess.KeepAlive(kctx); err != nil && ctx.Err() == nil {
			observe.Logger(ctx).Warn("orchestrator: generation keepalive", "err", err)
		}
	}()
}

func (o *Orchestrator) setState(s State) {
	if State(o.state.Swap(int32(s))) == s {
		return
	}
	slog.Debug("orchestrator: state", "session_id", o.cfg.SessionID, "state", s.String())
	o.notify.OnStatus(s)
}
