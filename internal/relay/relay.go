// Package relay is the browser-facing WebSocket endpoint of a tutoring
// session.
//
// One connection is one session. The handler admits the session token,
// wires capture, the STT bridge, the turn orchestrator and the playback
// scheduler together, and supervises their goroutines with an errgroup.
// Whatever ends the session first (a client stop, the socket closing, a
// provider failure, server shutdown) tears the whole pipeline down and the
// client receives a closed message with the minutes used.
//
// Upstream binary frames are PCM audio; upstream text frames are JSON
// control messages (stop, text, flush). Downstream frames are JSON: ready,
// transcript, status, audio (base64 PCM with a sequence number),
// interrupted, error and closed.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tutorvox/internal/bridge"
	"github.com/MrWong99/tutorvox/internal/capture"
	"github.com/MrWong99/tutorvox/internal/docctx"
	"github.com/MrWong99/tutorvox/internal/fault"
	"github.com/MrWong99/tutorvox/internal/lifecycle"
	"github.com/MrWong99/tutorvox/internal/observe"
	"github.com/MrWong99/tutorvox/internal/orchestrator"
	"github.com/MrWong99/tutorvox/internal/playback"
	"github.com/MrWong99/tutorvox/internal/resilience"
	"github.com/MrWong99/tutorvox/pkg/audio"
	"github.com/MrWong99/tutorvox/pkg/provider/generation"
	"github.com/MrWong99/tutorvox/pkg/provider/stt"
	"github.com/MrWong99/tutorvox/pkg/provider/vad"
)

// Path is where the relay is mounted.
const Path = "/v1/relay"

// Reasons reported in the closed message and the session record.
const (
	ReasonStopped      = "stopped"
	ReasonClientClosed = "client_closed"
	ReasonError        = "error"
	ReasonShutdown     = "shutdown"
)

const (
	defaultWriteTimeout = 5 * time.Second
	minReadLimit        = 1 << 20
	closeGrace          = 2 * time.Second
)

// Config tunes every session the handler serves. Zero values take the
// package defaults of the component they configure.
type Config struct {
	// AllowedOrigins are host patterns accepted for cross-origin upgrades.
	AllowedOrigins []string

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	RingSize          int
	PlaybackLead      time.Duration
	MaxSegment        time.Duration
	WriteTimeout      time.Duration

	// ReadLimit bounds one upstream frame. Zero sizes it for a whole
	// MaxSegment recording in the widest accepted capture format. Clients
	// may also upload a segment as several binary frames.
	ReadLimit int64

	VAD vad.Config
}

// Deps are the shared collaborators of all sessions.
type Deps struct {
	Sessions   *lifecycle.Manager
	STT        stt.Provider
	Generation generation.Provider

	// Uploader transcribes segments. When nil the STT provider is used if it
	// supports uploads.
	Uploader stt.Uploader

	// VAD may be nil, which disables barge-in and speech-end segmenting.
	VAD vad.Engine

	// Breaker guards STT handshakes across sessions. Optional.
	Breaker *resilience.CircuitBreaker

	// Resolver supplies reading material. Optional.
	Resolver docctx.Resolver

	Metrics *observe.Metrics
}

// Handler serves GET /v1/relay. It is safe for concurrent use.
type Handler struct {
	cfg  atomic.Pointer[Config]
	deps Deps

	// baseCtx is cancelled on server shutdown.
	baseCtx context.Context
}

// NewHandler returns a relay handler. Sessions end with reason shutdown when
// baseCtx is cancelled.
func NewHandler(baseCtx context.Context, cfg Config, deps Deps) *Handler {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	h := &Handler{deps: deps, baseCtx: baseCtx}
	h.Reconfigure(cfg)
	return h
}

// Reconfigure replaces the session tuning. Live sessions keep the values
// they started with.
func (h *Handler) Reconfigure(cfg Config) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = SegmentReadLimit(cfg.MaxSegment)
	}
	h.cfg.Store(&cfg)
}

// SegmentReadLimit returns the frame size that fits a maxSegment recording
// of 96 kHz stereo PCM plus a WAV header. Zero means the capture default.
func SegmentReadLimit(maxSegment time.Duration) int64 {
	if maxSegment <= 0 {
		maxSegment = capture.DefaultMaxSegment
	}
	bps := int64(audio.MaxSampleRate) * 2 * audio.BytesPerSample
	return max(minReadLimit, bps*int64(maxSegment)/int64(time.Second)+audio.WAVHeaderSize)
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, h)
}

// connParams are the query parameters of a relay URL.
type connParams struct {
	sessionID string
	token     string
	format    audio.Format
	mode      capture.Mode
}

func parseParams(r *http.Request) connParams {
	q := r.URL.Query()
	p := connParams{
		sessionID: q.Get("sessionId"),
		token:     q.Get("token"),
		format:    audio.CaptureFormat,
		mode:      capture.ParseMode(q.Get("mode")),
	}
	if v, err := strconv.Atoi(q.Get("sampleRate")); err == nil {
		p.format.SampleRate = v
	}
	if v, err := strconv.Atoi(q.Get("channels")); err == nil {
		p.format.Channels = v
	}
	return p
}

// ServeHTTP upgrades the connection, admits the session and runs it to the
// end.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := *h.cfg.Load()
	params := parseParams(r)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("relay: websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(cfg.ReadLimit)

	ctx := r.Context()
	sess, err := h.deps.Sessions.Admit(ctx, params.sessionID, params.token)
	if err != nil {
		h.reject(ctx, cfg, conn, params.sessionID, err)
		return
	}

	h.deps.Metrics.ActiveSessions.Add(ctx, 1)
	defer h.deps.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	h.run(ctx, cfg, conn, sess, params)
}

// reject reports an admission failure and closes with policy violation. No
// session exists at this point.
func (h *Handler) reject(ctx context.Context, cfg Config, conn *websocket.Conn, sessionID string, err error) {
	ce := fault.ToClient(err)
	slog.Info("relay: session rejected", "session_id", sessionID, "code", ce.Code, "err", err)

	wctx, cancel := context.WithTimeout(ctx, cfg.WriteTimeout)
	defer cancel()
	d := newDownstream(wctx, conn, sessionID, cfg.WriteTimeout)
	if werr := d.write(wctx, newErrorMessage(err)); werr != nil {
		slog.Debug("relay: write rejection", "session_id", sessionID, "err", werr)
	}
	conn.Close(websocket.StatusPolicyViolation, ce.Message)
}

// pipeline is the per-session wiring.
type pipeline struct {
	capture *capture.Transport
	bridge  *bridge.Bridge
	player  *playback.Scheduler
	orch    *orchestrator.Orchestrator
	down    *downstream
}

func (p *pipeline) close() {
	if p.capture != nil {
		_ = p.capture.Close()
	}
	if p.bridge != nil {
		_ = p.bridge.Close()
	}
	if p.player != nil {
		_ = p.player.Close()
	}
}

func (h *Handler) build(ctx context.Context, cfg Config, conn *websocket.Conn, sess *lifecycle.Session, params connParams) (*pipeline, error) {
	p := &pipeline{down: newDownstream(ctx, conn, sess.ID, cfg.WriteTimeout)}

	tr, err := capture.New(capture.Config{
		Format:     params.format,
		Mode:       params.mode,
		MaxSegment: cfg.MaxSegment,
		VAD:        cfg.VAD,
	}, h.deps.VAD)
	if err != nil {
		return nil, fault.New(fault.KindConfig, "capture", err)
	}
	p.capture = tr

	var bopts []bridge.Option
	if h.deps.Breaker != nil {
		bopts = append(bopts, bridge.WithBreaker(h.deps.Breaker))
	}
	if h.deps.Uploader != nil {
		bopts = append(bopts, bridge.WithUploader(h.deps.Uploader))
	}
	p.bridge = bridge.New(h.deps.STT, bridge.Config{
		SessionID: sess.ID,
		Stream: stt.StreamConfig{
			SampleRate: audio.CaptureFormat.SampleRate,
			Channels:   audio.CaptureFormat.Channels,
			Language:   sess.Language,
		},
		RingSize:          cfg.RingSize,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
	}, bopts...)

	p.player = playback.New(p.down, playback.WithLead(cfg.PlaybackLead))

	oopts := []orchestrator.Option{
		orchestrator.WithTurnLog(sess),
		orchestrator.WithMetrics(h.deps.Metrics),
	}
	if h.deps.Resolver != nil {
		oopts = append(oopts, orchestrator.WithResolver(h.deps.Resolver))
	}
	p.orch = orchestrator.New(h.deps.Generation, p.bridge.Events(), p.player, p.down, orchestrator.Config{
		SessionID:         sess.ID,
		Profile:           docctx.Profile{Language: sess.Language, AgeGroup: sess.AgeGroup},
		Voice:             sess.Voice,
		DocumentIDs:       sess.ContextDocumentIDs,
		KeepAliveInterval: cfg.KeepAliveInterval,
	}, oopts...)

	tr.OnVAD(p.orch.HandleVAD)
	tr.OnFrame(func(f audio.AudioFrame) {
		p.orch.NoteAudio()
		p.bridge.Send(f)
	})
	tr.OnSegment(func(seg capture.Segment) {
		p.orch.NoteAudio()
		if err := p.bridge.SubmitSegment(seg); err != nil {
			p.down.send(newErrorMessage(fault.New(fault.KindProvider, "submit segment", err)))
		}
	})
	return p, nil
}

// run drives an admitted session until it ends and then tears it down.
func (h *Handler) run(reqCtx context.Context, cfg Config, conn *websocket.Conn, sess *lifecycle.Session, params connParams) {
	reqCtx = observe.WithSession(reqCtx, sess.ID)
	log := observe.Logger(reqCtx)

	ctx, cancel := context.WithCancel(context.WithoutCancel(reqCtx))
	defer cancel()

	var (
		endOnce sync.Once
		reason  string
		endErr  error
	)
	end := func(r string, err error) {
		endOnce.Do(func() { reason, endErr = r, err })
		cancel()
	}

	p, err := h.build(ctx, cfg, conn, sess, params)
	if err != nil {
		h.finish(cfg, conn, sess, nil, ReasonError, err, log)
		return
	}

	if p.capture.Mode() == capture.ModeStream {
		p.bridge.Start(ctx)
	}

	p.down.send(readyMessage{
		Type:       msgReady,
		SessionID:  sess.ID,
		Mode:       p.capture.Mode().String(),
		Voice:      sess.Voice,
		SampleRate: audio.PlaybackFormat.SampleRate,
	})
	if p.capture.FellBack() {
		p.down.send(statusMessage{Type: msgStatus, State: statusFallback, Reason: p.capture.Fallback()})
	}

	// Cancelling a read context closes a coder/websocket connection, so the
	// reader outlives the session context and is stopped by conn.Close.
	readCtx, stopRead := context.WithCancel(context.WithoutCancel(reqCtx))
	defer stopRead()
	readDone := make(chan error, 1)
	go func() { readDone <- h.readLoop(readCtx, conn, p, end) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := p.orch.Run(gctx)
		if err != nil {
			end(ReasonError, nil)
			return err
		}
		end(ReasonStopped, nil)
		return nil
	})
	g.Go(func() error {
		err := p.down.run(gctx)
		if err != nil && gctx.Err() == nil {
			end(ReasonClientClosed, nil)
			return fault.New(fault.KindTransport, "write", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-h.baseCtx.Done():
			end(ReasonShutdown, nil)
		case <-sess.Done():
			end(ReasonShutdown, nil)
		}
		return nil
	})

	cause := g.Wait()
	if errors.Is(cause, context.Canceled) {
		cause = nil
	}
	// A client that went away is not a session failure.
	if reason == ReasonClientClosed {
		cause = nil
	}
	if cause == nil {
		cause = endErr
	}
	if reason == "" {
		reason = ReasonStopped
	}

	metricsCtx := context.WithoutCancel(reqCtx)
	h.deps.Metrics.RecordDroppedFrames(metricsCtx, "capture", p.capture.Dropped())
	h.deps.Metrics.RecordDroppedFrames(metricsCtx, "stt_ring", p.bridge.Dropped())
	h.finish(cfg, conn, sess, p, reason, cause, log)

	select {
	case err := <-readDone:
		if err != nil {
			log.Debug("relay: read loop", "err", err)
		}
	case <-time.After(closeGrace):
		stopRead()
		<-readDone
	}
}

// readLoop consumes upstream frames until the connection closes. It returns
// nil when the client closes normally. A frame over the read limit or a
// broken connection ends the session with a transport error.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, p *pipeline, end func(string, error)) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
				end(ReasonClientClosed, nil)
				return nil
			case -1: // no close frame: read limit exceeded or connection lost
				ferr := fault.New(fault.KindTransport, "read", err)
				end(ReasonError, ferr)
				return ferr
			}
			end(ReasonClientClosed, nil)
			return fault.New(fault.KindTransport, "read", err)
		}

		if typ == websocket.MessageBinary {
			_ = p.capture.Write(data)
			continue
		}

		msg, err := decodeClientMessage(data)
		if err != nil {
			p.down.send(newErrorMessage(err))
			continue
		}
		switch msg.Type {
		case msgStop:
			p.capture.Flush()
			p.orch.Stop()
		case msgFlush:
			p.capture.Flush()
		case msgText:
			if err := p.orch.SubmitText(msg.Text); err != nil {
				slog.Debug("relay: text after session end", "session_id", p.down.sessionID, "err", err)
			}
		}
	}
}

// finish tears the session down exactly once and tells the client how it
// ended.
func (h *Handler) finish(cfg Config, conn *websocket.Conn, sess *lifecycle.Session, p *pipeline, reason string, cause error, log *slog.Logger) {
	if p != nil {
		p.close()
	}
	sum := sess.Teardown(reason, cause)

	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()

	h.deps.Metrics.SessionMinutes.Add(ctx, int64(sum.MinutesUsed))

	d := newDownstream(ctx, conn, sess.ID, cfg.WriteTimeout)
	if p != nil {
		p.down.flush(ctx)
	}
	if cause != nil {
		_ = d.write(ctx, newErrorMessage(cause))
	}
	_ = d.write(ctx, closedMessage{Type: msgClosed, Reason: sum.Reason, MinutesUsed: sum.MinutesUsed})

	status := websocket.StatusNormalClosure
	switch {
	case cause == nil:
	case fault.Retryable(cause):
		status = websocket.StatusTryAgainLater
	default:
		status = websocket.StatusInternalError
	}
	conn.Close(status, sum.Reason)

	log.Info("relay: session closed", "reason", sum.Reason, "minutes_used", sum.MinutesUsed, "status", string(sum.Status))
}
