// Package genai provides a turn-based generation provider backed by the
// google.golang.org/genai SDK.
//
// Unlike Gemini Live, the SDK is stateless: every turn sends the full
// conversation. Replies are produced as a sentence cascade. A text model
// streams the reply, complete sentences are cut from the stream as they
// arrive, and each sentence is voiced by a speech model with the AUDIO
// response modality. Audio therefore starts after the first sentence rather
// than after the whole reply.
package genai

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	genaisdk "google.golang.org/genai"

	"github.com/MrWong99/tutorvox/pkg/audio"
	"github.com/MrWong99/tutorvox/pkg/provider/generation"
)

const (
	defaultTextModel   = "gemini-2.5-flash"
	defaultSpeechModel = "gemini-2.5-flash-preview-tts"
	defaultVoice       = "Kore"

	// defaultSampleRate applies when the audio MIME type carries no rate.
	defaultSampleRate = 24000
)

// models is the subset of *genaisdk.Models used by the provider.
type models interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genaisdk.Content, config *genaisdk.GenerateContentConfig) iter.Seq2[*genaisdk.GenerateContentResponse, error]
	GenerateContent(ctx context.Context, model string, contents []*genaisdk.Content, config *genaisdk.GenerateContentConfig) (*genaisdk.GenerateContentResponse, error)
}

var _ generation.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*Provider)

// WithTextModel sets the model that writes the reply text.
func WithTextModel(model string) Option {
	return func(p *Provider) { p.textModel = model }
}

// WithSpeechModel sets the model that voices each sentence.
func WithSpeechModel(model string) Option {
	return func(p *Provider) { p.speechModel = model }
}

// WithBaseURL overrides the Gemini API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// Provider implements generation.Provider on top of the genai SDK.
type Provider struct {
	models      models
	textModel   string
	speechModel string
	baseURL     string
}

// New creates a Provider using the Gemini API backend.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("genai: apiKey must not be empty")
	}
	p := newProvider(nil, opts...)

	cc := &genaisdk.ClientConfig{
		APIKey:  apiKey,
		Backend: genaisdk.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genaisdk.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genaisdk.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	p.models = client.Models
	return p, nil
}

func newProvider(m models, opts ...Option) *Provider {
	p := &Provider{
		models:      m,
		textModel:   defaultTextModel,
		speechModel: defaultSpeechModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "genai".
func (p *Provider) Name() string { return "genai" }

// Connect returns a session immediately. There is no server-side handshake.
func (p *Provider) Connect(_ context.Context, cfg generation.SessionConfig) (generation.SessionHandle, error) {
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		p:      p,
		cfg:    cfg,
		chunks: make(chan generation.Chunk, 64),
		turns:  make(chan []generation.Message, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	p      *Provider
	cfg    generation.SessionConfig
	chunks chan generation.Chunk
	turns  chan []generation.Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	turnCancel context.CancelFunc
	errVal     error
}

var _ generation.SessionHandle = (*session)(nil)

// run serves turns one at a time and owns the chunks channel.
func (s *session) run() {
	defer close(s.done)
	defer close(s.chunks)
	for {
		select {
		case <-s.ctx.Done():
			return
		case history := <-s.turns:
			s.runTurn(history)
		}
	}
}

func (s *session) runTurn(history []generation.Message) {
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	err := s.generate(turnCtx, history)
	switch {
	case s.ctx.Err() != nil:
		return
	case turnCtx.Err() != nil:
		s.emit(s.ctx, generation.Chunk{Kind: generation.ChunkInterrupted})
	case err != nil:
		s.fail(err)
	default:
		s.emit(s.ctx, generation.Chunk{Kind: generation.ChunkTurnComplete})
	}
}

// generate streams the reply text and voices it sentence by sentence.
func (s *session) generate(ctx context.Context, history []generation.Message) error {
	config := &genaisdk.GenerateContentConfig{}
	if s.cfg.Instructions != "" {
		config.SystemInstruction = genaisdk.NewContentFromText(s.cfg.Instructions, genaisdk.RoleUser)
	}

	var buf strings.Builder
	for resp, err := range s.p.models.GenerateContentStream(ctx, s.p.textModel, toContents(history), config) {
		if err != nil {
			return fmt.Errorf("genai: stream: %w", err)
		}
		text := responseText(resp)
		if text == "" {
			continue
		}
		if !s.emit(ctx, generation.Chunk{Kind: generation.ChunkText, Text: text}) {
			return ctx.Err()
		}
		buf.WriteString(text)

		for {
			idx := firstSentenceBoundary(buf.String())
			if idx < 0 {
				break
			}
			sentence := buf.String()[:idx+1]
			rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
			buf.Reset()
			buf.WriteString(rest)
			if err := s.speak(ctx, sentence); err != nil {
				return err
			}
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if rest := strings.TrimSpace(buf.String()); rest != "" {
		return s.speak(ctx, rest)
	}
	return nil
}

// speak voices one sentence and emits its audio.
func (s *session) speak(ctx context.Context, sentence string) error {
	config := &genaisdk.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genaisdk.SpeechConfig{
			VoiceConfig: &genaisdk.VoiceConfig{
				PrebuiltVoiceConfig: &genaisdk.PrebuiltVoiceConfig{VoiceName: s.cfg.Voice},
			},
			LanguageCode: s.cfg.Language,
		},
	}
	contents := []*genaisdk.Content{genaisdk.NewContentFromText(sentence, genaisdk.RoleUser)}
	resp, err := s.p.models.GenerateContent(ctx, s.p.speechModel, contents, config)
	if err != nil {
		return fmt.Errorf("genai: speak: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		frame := audio.AudioFrame{
			Data:       part.InlineData.Data,
			SampleRate: sampleRateFromMIME(part.InlineData.MIMEType),
			Channels:   1,
		}
		if !s.emit(ctx, generation.Chunk{Kind: generation.ChunkAudio, Audio: frame}) {
			return ctx.Err()
		}
	}
	return nil
}

func (s *session) emit(ctx context.Context, c generation.Chunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *session) fail(err error) {
	slog.Warn("genai: turn failed", "err", err)
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.cancel()
}

// SendTurn queues the conversation for the next reply.
func (s *session) SendTurn(ctx context.Context, history []generation.Message) error {
	if len(history) == 0 {
		return errors.New("genai: empty history")
	}
	h := make([]generation.Message, len(history))
	copy(h, history)
	select {
	case <-s.ctx.Done():
		return generation.ErrSessionClosed
	default:
	}
	select {
	case s.turns <- h:
		return nil
	case <-s.ctx.Done():
		return generation.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) Chunks() <-chan generation.Chunk { return s.chunks }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Interrupt cancels the reply in progress. The turn ends with a
// ChunkInterrupted chunk.
func (s *session) Interrupt() error {
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// KeepAlive is a no-op; there is no connection to keep open.
func (s *session) KeepAlive(context.Context) error { return nil }

// Close cancels any turn in progress and waits for the worker to exit.
func (s *session) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// ── helpers ────────────────────────────────────────────────────────────────────

func toContents(history []generation.Message) []*genaisdk.Content {
	out := make([]*genaisdk.Content, 0, len(history))
	for _, m := range history {
		if m.Text == "" {
			continue
		}
		role := genaisdk.Role(genaisdk.RoleUser)
		if m.Role == generation.RoleAssistant {
			role = genaisdk.RoleModel
		}
		out = append(out, genaisdk.NewContentFromText(m.Text, role))
	}
	return out
}

func responseText(resp *genaisdk.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

// sampleRateFromMIME reads the rate parameter of e.g.
// "audio/L16;codec=pcm;rate=24000".
func sampleRateFromMIME(mime string) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && k == "rate" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return defaultSampleRate
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// followed by whitespace, or -1.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
