// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider and stt.KeepAliver
// interfaces.
package deepgram

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

	"github.com/MrWong99/tutorvox/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint. Used by tests.
func WithEndpoint(u string) Option {
	return func(p *Provider) {
		p.endpoint = u
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	endpoint   string
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		endpoint:   deepgramEndpoint,
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

var _ stt.Provider = (*Provider)(nil)

// StartStream opens a streaming transcription session with Deepgram.
// It respects cfg.SampleRate, cfg.Language, and cfg.Keywords. Deepgram has no
// explicit ready message, so a successful upgrade completes the handshake.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	// Build the WebSocket URL with query parameters.
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:      conn,
		events:    make(chan stt.TranscriptEvent, 64),
		audio:     make(chan []byte, 256),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
		readDone:  make(chan struct{}),
		cancel:    cancel,
	}
	sess.events <- stt.TranscriptEvent{Kind: stt.KindBegin}

	go sess.readLoop(sctx)
	go sess.writeLoop(sctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "subjuntivo:5")
		val := fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost)
		q.Add("keywords", val)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements
// stt.SessionHandle and stt.KeepAliver.
type session struct {
	conn   *websocket.Conn
	events chan stt.TranscriptEvent
	audio  chan []byte

	done      chan struct{}
	writeDone chan struct{}
	readDone  chan struct{}
	once      sync.Once
	cancel    context.CancelFunc

	writeMu   sync.Mutex
	turnOrder int // read loop only
}

var (
	_ stt.SessionHandle = (*session)(nil)
	_ stt.KeepAliver    = (*session)(nil)
)

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
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
		return errors.New("deepgram: send queue full")
	}
}

// Events returns the ordered transcript event stream.
func (s *session) Events() <-chan stt.TranscriptEvent { return s.events }

// KeepAlive sends Deepgram's KeepAlive control message, which resets the
// server's ten-second idle timer without sending audio.
func (s *session) KeepAlive() error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	return s.writeText(context.Background(), `{"type":"KeepAlive"}`)
}

// closeTimeout bounds how long Close waits for Deepgram to flush.
const closeTimeout = 3 * time.Second

// Close sends CloseStream, waits briefly for the flush, and tears down the
// connection.
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

func (s *session) writeText(ctx context.Context, msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, []byte(msg))
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer close(s.writeDone)
	write := func(chunk []byte) error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return s.conn.Write(ctx, websocket.MessageBinary, chunk)
	}
	for {
		select {
		case chunk := <-s.audio:
			if err := write(chunk); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-s.done:
			// Drain the audio channel, then ask Deepgram to flush.
			for {
				select {
				case chunk := <-s.audio:
					_ = write(chunk)
				default:
					_ = s.writeText(ctx, `{"type":"CloseStream"}`)
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and forwards them as events.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && ctx.Err() == nil {
				select {
				case <-s.done:
				default:
					s.emit(stt.TranscriptEvent{Kind: stt.KindError, Err: fmt.Errorf("deepgram: read: %w", err)})
				}
			}
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		if t.Text == "" && !t.IsFinal {
			continue
		}

		ev := stt.TranscriptEvent{Kind: stt.KindPartial, Transcript: t, TurnOrder: s.turnOrder}
		if t.IsFinal {
			ev.Kind = stt.KindFinal
			s.turnOrder++
		}
		s.emit(ev)

		// CloseStream is answered with a final Metadata message and then a
		// normal close, so the loop ends on the next read.
	}
}

func (s *session) emit(ev stt.TranscriptEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message into a Transcript.
// Returns (Transcript, true) on success, or (zero, false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (stt.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		slog.Warn("deepgram: dropping malformed message", "err", err)
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" {
		return stt.Transcript{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
	}, true
}
