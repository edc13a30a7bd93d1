// Package assemblyai provides an AssemblyAI-backed STT provider. Streaming
// sessions use the v3 Universal Streaming WebSocket API authenticated with a
// short-lived token; whole recorded segments go through the v2 upload and
// transcript endpoints.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/tutorvox/pkg/provider/stt"
)

const (
	defaultStreamingURL = "wss://streaming.assemblyai.com/v3/ws"
	defaultTokenURL     = "https://streaming.assemblyai.com/v3/token"
	defaultAPIBaseURL   = "https://api.assemblyai.com"
	defaultSampleRate   = 16000

	// minChunkBytes is 100 ms of 16 kHz mono PCM. The streaming API rejects
	// chunks shorter than 50 ms, so 20 ms capture frames are coalesced.
	minChunkBytes = 3200
)

// Option is a functional option for configuring the AssemblyAI Provider.
type Option func(*Provider)

// WithStreamingURL overrides the WebSocket endpoint. Used by tests.
func WithStreamingURL(u string) Option {
	return func(p *Provider) { p.streamingURL = u }
}

// WithTokenURL overrides the temporary-token endpoint. Used by tests.
func WithTokenURL(u string) Option {
	return func(p *Provider) { p.tokenURL = u }
}

// WithAPIBaseURL overrides the REST base URL for upload transcription.
func WithAPIBaseURL(u string) Option {
	return func(p *Provider) { p.apiBaseURL = u }
}

// WithHTTPClient sets the HTTP client used for token and upload requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithClock injects the clock used for token expiry and poll pacing.
func WithClock(c clockwork.Clock) Option {
	return func(p *Provider) { p.clock = c }
}

// WithPolling sets the upload poll interval and attempt ceiling.
func WithPolling(interval time.Duration, maxAttempts int) Option {
	return func(p *Provider) {
		if interval > 0 {
			p.pollInterval = interval
		}
		if maxAttempts > 0 {
			p.pollAttempts = maxAttempts
		}
	}
}

// WithFormatTurns controls whether the provider is asked to punctuate and
// case finished turns. When enabled only the formatted end-of-turn message is
// treated as final.
func WithFormatTurns(v bool) Option {
	return func(p *Provider) { p.formatTurns = v }
}

// WithTokenRetry sets the backoff base and retry ceiling for token fetches.
func WithTokenRetry(base time.Duration, maxRetries uint64) Option {
	return func(p *Provider) {
		p.retryBase = base
		p.retryMax = maxRetries
	}
}

// Provider implements stt.Provider and stt.Uploader backed by AssemblyAI.
type Provider struct {
	apiKey       string
	streamingURL string
	tokenURL     string
	apiBaseURL   string
	httpClient   *http.Client
	clock        clockwork.Clock
	formatTurns  bool
	pollInterval time.Duration
	pollAttempts int
	retryBase    time.Duration
	retryMax     uint64

	tokens *TokenSource
}

var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Uploader = (*Provider)(nil)
)

// New creates a new AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		streamingURL: defaultStreamingURL,
		tokenURL:     defaultTokenURL,
		apiBaseURL:   defaultAPIBaseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		clock:        clockwork.NewRealClock(),
		formatTurns:  true,
		pollInterval: 500 * time.Millisecond,
		pollAttempts: 60,
		retryBase:    200 * time.Millisecond,
		retryMax:     3,
	}
	for _, o := range opts {
		o(p)
	}
	p.tokens = NewTokenSource(apiKey,
		TokenURL(p.tokenURL),
		TokenHTTPClient(p.httpClient),
		TokenClock(p.clock),
		TokenRetry(p.retryBase, p.retryMax),
	)
	return p, nil
}

// Tokens returns the provider's shared token cache.
func (p *Provider) Tokens() *TokenSource { return p.tokens }

// StartStream fetches (or reuses) a temporary token, dials the streaming
// endpoint and waits for the Begin message. ctx bounds the whole handshake.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	wsURL, err := p.buildURL(cfg, token)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: build URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}

	begin, err := awaitBegin(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, err
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:        conn,
		formatTurns: p.formatTurns,
		events:      make(chan stt.TranscriptEvent, 64),
		audio:       make(chan []byte, 256),
		done:        make(chan struct{}),
		writeDone:   make(chan struct{}),
		readDone:    make(chan struct{}),
		cancel:      cancel,
	}
	sess.events <- stt.TranscriptEvent{Kind: stt.KindBegin, ProviderSessionID: begin.ID}

	go sess.readLoop(sctx)
	go sess.writeLoop(sctx)
	return sess, nil
}

// buildURL constructs the streaming endpoint URL for cfg.
func (p *Provider) buildURL(cfg stt.StreamConfig, token string) (string, error) {
	u, err := url.Parse(p.streamingURL)
	if err != nil {
		return "", err
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", strconv.FormatBool(p.formatTurns))
	q.Set("token", token)
	if cfg.Language != "" && !isEnglish(cfg.Language) {
		q.Set("speech_model", "universal-streaming-multilingual")
	}
	for _, kw := range cfg.Keywords {
		q.Add("keyterms_prompt", kw.Keyword)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isEnglish(lang string) bool {
	return lang == "en" || (len(lang) > 3 && lang[:3] == "en-")
}

// ---- wire messages ----

// message is the union of every server message on the v3 streaming socket.
type message struct {
	Type string `json:"type"`

	// Begin
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`

	// Turn
	TurnOrder           int     `json:"turn_order"`
	Transcript          string  `json:"transcript"`
	EndOfTurn           bool    `json:"end_of_turn"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	TurnIsFormatted     bool    `json:"turn_is_formatted"`
	Words               []word  `json:"words"`

	// Termination
	AudioDurationSeconds float64 `json:"audio_duration_seconds"`

	// Error
	Error string `json:"error"`
}

type word struct {
	Text        string  `json:"text"`
	Start       int64   `json:"start"`
	End         int64   `json:"end"`
	Confidence  float64 `json:"confidence"`
	WordIsFinal bool    `json:"word_is_final"`
}

// errMalformed marks a message that could not be decoded.
var errMalformed = errors.New("assemblyai: malformed message")

// parseMessage decodes a raw server message.
func parseMessage(data []byte) (message, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return message{}, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if m.Type == "" {
		return message{}, fmt.Errorf("%w: missing type", errMalformed)
	}
	return m, nil
}

// toEvent converts a Turn message into a normalised transcript event.
func toEvent(m message, formatTurns bool) stt.TranscriptEvent {
	final := m.EndOfTurn && (m.TurnIsFormatted || !formatTurns)
	kind := stt.KindPartial
	if final {
		kind = stt.KindFinal
	}

	words := make([]stt.WordDetail, 0, len(m.Words))
	var sum float64
	for _, w := range m.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Text,
			Start:      time.Duration(w.Start) * time.Millisecond,
			End:        time.Duration(w.End) * time.Millisecond,
			Confidence: w.Confidence,
		})
		sum += w.Confidence
	}
	confidence := m.EndOfTurnConfidence
	if len(m.Words) > 0 {
		confidence = sum / float64(len(m.Words))
	}

	return stt.TranscriptEvent{
		Kind:      kind,
		TurnOrder: m.TurnOrder,
		Transcript: stt.Transcript{
			Text:       m.Transcript,
			IsFinal:    final,
			Confidence: confidence,
			Words:      words,
		},
	}
}

// awaitBegin reads until the Begin message arrives. Anything else before it
// is a protocol error.
func awaitBegin(ctx context.Context, conn *websocket.Conn) (message, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return message{}, fmt.Errorf("assemblyai: await begin: %w", err)
	}
	m, err := parseMessage(data)
	if err != nil {
		return message{}, err
	}
	switch m.Type {
	case "Begin":
		return m, nil
	case "Error":
		return message{}, fmt.Errorf("assemblyai: handshake rejected: %s", m.Error)
	default:
		return message{}, fmt.Errorf("assemblyai: expected Begin, got %q", m.Type)
	}
}

// ---- session ----

// session is a live AssemblyAI streaming session. It implements stt.SessionHandle.
type session struct {
	conn        *websocket.Conn
	formatTurns bool
	events      chan stt.TranscriptEvent
	audio       chan []byte

	done      chan struct{}
	writeDone chan struct{}
	readDone  chan struct{}
	once      sync.Once
	cancel    context.CancelFunc
}

// SendAudio queues a PCM chunk for the write loop. It fails rather than
// blocks when the queue is full.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	default:
		return errors.New("assemblyai: send queue full")
	}
}

// Events returns the ordered transcript event stream.
func (s *session) Events() <-chan stt.TranscriptEvent { return s.events }

// closeTimeout bounds how long Close waits for the server's Termination.
const closeTimeout = 3 * time.Second

// Close asks the server to terminate the session, waits briefly for it to
// acknowledge, then tears down the connection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		<-s.writeDone
		t := time.NewTimer(closeTimeout)
		select {
		case <-s.readDone:
		case <-t.C:
		}
		t.Stop()
		s.cancel()
		<-s.readDone
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop coalesces queued frames into chunks of at least minChunkBytes and
// sends them as binary messages.
func (s *session) writeLoop(ctx context.Context) {
	defer close(s.writeDone)
	buf := make([]byte, 0, minChunkBytes*2)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		err := s.conn.Write(ctx, websocket.MessageBinary, buf)
		buf = make([]byte, 0, minChunkBytes*2)
		return err
	}
	for {
		select {
		case chunk := <-s.audio:
			buf = append(buf, chunk...)
			if len(buf) >= minChunkBytes {
				if err := flush(); err != nil {
					return
				}
			}
		case <-s.done:
		drain:
			for {
				select {
				case chunk := <-s.audio:
					buf = append(buf, chunk...)
				default:
					break drain
				}
			}
			_ = flush()
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_ = s.conn.Write(wctx, websocket.MessageText, []byte(`{"type":"Terminate"}`))
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives server messages and forwards them as events. The events
// channel is closed when the connection ends.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if !isNormalClose(err) && ctx.Err() == nil {
				s.emit(stt.TranscriptEvent{Kind: stt.KindError, Err: fmt.Errorf("assemblyai: read: %w", err)})
			}
			return
		}

		m, err := parseMessage(data)
		if err != nil {
			slog.Warn("assemblyai: dropping message", "err", err)
			continue
		}

		switch m.Type {
		case "Turn":
			s.emit(toEvent(m, s.formatTurns))
		case "Termination":
			slog.Debug("assemblyai: session terminated", "audio_seconds", m.AudioDurationSeconds)
			return
		case "Error":
			s.emit(stt.TranscriptEvent{Kind: stt.KindError, Err: fmt.Errorf("assemblyai: server error: %s", m.Error)})
		case "Begin":
			// Already consumed during the handshake.
		default:
			slog.Debug("assemblyai: ignoring message", "type", m.Type)
		}
	}
}

// emit delivers ev unless the session is being torn down.
func (s *session) emit(ev stt.TranscriptEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func isNormalClose(err error) bool {
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
