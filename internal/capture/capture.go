// Package capture turns the client's raw microphone bytes into pipeline input.
//
// A [Transport] runs in one of two modes. In stream mode, audio is converted
// to 16 kHz mono, cut into fixed 20 ms frames and every frame is both scored
// by VAD and delivered to OnFrame for the streaming STT session. In segment
// mode, audio is buffered and delivered to OnSegment as one recording when
// the client flushes, when VAD reports the end of speech, or when the buffer
// fills up. Stream mode falls back to segment mode when the declared client
// format cannot be converted.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/tutorvox/pkg/audio"
	"github.com/MrWong99/tutorvox/pkg/provider/vad"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("capture: transport closed")

// ErrBacklog is returned by Write when the processing queue is full. The
// chunk is dropped.
var ErrBacklog = errors.New("capture: backlog full, chunk dropped")

const (
	// DefaultMaxSegment bounds a buffered segment.
	DefaultMaxSegment = 30 * time.Second

	queueSize = 256
)

// Mode selects the capture strategy.
type Mode int

const (
	ModeStream Mode = iota
	ModeSegment
)

// String returns "stream" or "segment".
func (m Mode) String() string {
	if m == ModeSegment {
		return "segment"
	}
	return "stream"
}

// ParseMode maps "segment" to ModeSegment and anything else to ModeStream.
func ParseMode(s string) Mode {
	if s == "segment" {
		return ModeSegment
	}
	return ModeStream
}

// FlushReason records why a segment was emitted.
type FlushReason string

const (
	ReasonFlush     FlushReason = "flush"
	ReasonStop      FlushReason = "stop"
	ReasonSpeechEnd FlushReason = "speech_end"
	ReasonFull      FlushReason = "full"
)

// Segment is one buffered recording.
type Segment struct {
	PCM    []byte
	Format audio.Format
	Reason FlushReason
}

// Duration returns the playback length of the segment.
func (s Segment) Duration() time.Duration {
	return audio.AudioFrame{Data: s.PCM, SampleRate: s.Format.SampleRate, Channels: s.Format.Channels}.Duration()
}

// Config describes the client's audio and the requested strategy.
type Config struct {
	// Format is the hardware format the client declared.
	Format audio.Format

	// Mode is the mode the client asked for.
	Mode Mode

	// FrameDuration is the stream-mode frame length. Default 20 ms.
	FrameDuration time.Duration

	// MaxSegment bounds the segment buffer. Default 30 s.
	MaxSegment time.Duration

	// VAD configures the detector. SampleRate and FrameSizeMs are filled in.
	VAD vad.Config
}

type itemKind int

const (
	itemAudio itemKind = iota
	itemFlush
	itemClose
)

type item struct {
	kind itemKind
	data []byte
	ack  chan struct{}
}

// Transport is safe for concurrent use. Callbacks run on a single internal
// goroutine in input order.
type Transport struct {
	mode     Mode
	fallback string
	src      audio.Format
	format   audio.Format // format of frames and segments handed downstream
	convert  bool

	conv   *audio.FormatConverter
	framer *audio.Framer
	vad    vad.SessionHandle

	segBuf []byte
	segMax int
	rem    []byte

	cbMu      sync.Mutex
	onFrame   func(audio.AudioFrame)
	onSegment func(Segment)
	onVAD     func(vad.VADEvent)

	queue     chan item
	done      chan struct{}
	closeOnce sync.Once
	dropped   int
	dropMu    sync.Mutex
}

// New selects the capture mode and starts the processing goroutine. engine
// may be nil, in which case no VAD events are produced.
func New(cfg Config, engine vad.Engine) (*Transport, error) {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = audio.DefaultFrameDuration
	}
	if cfg.MaxSegment <= 0 {
		cfg.MaxSegment = DefaultMaxSegment
	}

	t := &Transport{
		mode:  cfg.Mode,
		src:   cfg.Format,
		queue: make(chan item, queueSize),
		done:  make(chan struct{}),
	}

	supported := cfg.Format.Supported()
	switch {
	case !supported && cfg.Mode == ModeStream:
		t.mode = ModeSegment
		t.fallback = fmt.Sprintf("unsupported capture format %s", cfg.Format)
		slog.Warn("capture: falling back to segment mode", "format", cfg.Format.String())
	case cfg.Mode == ModeSegment:
		t.fallback = "requested by client"
	}

	t.convert = supported
	if supported {
		t.conv = &audio.FormatConverter{Target: audio.CaptureFormat}
		t.format = audio.CaptureFormat
		t.framer = audio.NewFramer(audio.CaptureFormat, cfg.FrameDuration)
		if engine != nil {
			vcfg := cfg.VAD
			vcfg.SampleRate = audio.CaptureFormat.SampleRate
			vcfg.FrameSizeMs = int(cfg.FrameDuration / time.Millisecond)
			sess, err := engine.NewSession(vcfg)
			if err != nil {
				return nil, fmt.Errorf("capture: vad session: %w", err)
			}
			t.vad = sess
		}
	} else {
		// Unconvertible audio is kept as declared and only ever uploaded.
		t.format = cfg.Format
	}

	bps := t.format.BytesPerSecond()
	if bps <= 0 {
		bps = audio.CaptureFormat.BytesPerSecond()
	}
	t.segMax = int(int64(bps) * int64(cfg.MaxSegment) / int64(time.Second))

	go t.run()
	return t, nil
}

// Mode returns the active mode.
func (t *Transport) Mode() Mode { return t.mode }

// Fallback returns why segment mode is in use, or "" in stream mode.
func (t *Transport) Fallback() string { return t.fallback }

// FellBack reports whether stream mode was requested but segment mode chosen.
func (t *Transport) FellBack() bool {
	return t.mode == ModeSegment && t.fallback != "" && t.fallback != "requested by client"
}

// Format returns the format of frames and segments produced downstream.
func (t *Transport) Format() audio.Format { return t.format }

// OnFrame registers the stream-mode frame callback.
func (t *Transport) OnFrame(fn func(audio.AudioFrame)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onFrame = fn
}

// OnSegment registers the segment-mode callback.
func (t *Transport) OnSegment(fn func(Segment)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onSegment = fn
}

// OnVAD registers the callback for speech start and end events.
func (t *Transport) OnVAD(fn func(vad.VADEvent)) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.onVAD = fn
}

// Write queues a chunk of client audio. It never blocks: when the queue is
// full the chunk is dropped and ErrBacklog returned.
func (t *Transport) Write(chunk []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	select {
	case t.queue <- item{kind: itemAudio, data: cp}:
		return nil
	case <-t.done:
		return ErrClosed
	default:
		t.dropMu.Lock()
		t.dropped++
		n := t.dropped
		t.dropMu.Unlock()
		if n == 1 || n%100 == 0 {
			slog.Warn("capture: dropping audio, processing backlog full", "dropped", n)
		}
		return ErrBacklog
	}
}

// Dropped returns how many chunks Write has discarded.
func (t *Transport) Dropped() int {
	t.dropMu.Lock()
	defer t.dropMu.Unlock()
	return t.dropped
}

// Flush emits buffered audio after everything written before it: the padded
// tail frame in stream mode, the pending segment in segment mode.
func (t *Transport) Flush() {
	ack := make(chan struct{})
	select {
	case t.queue <- item{kind: itemFlush, ack: ack}:
	case <-t.done:
		return
	}
	select {
	case <-ack:
	case <-t.done:
	}
}

// Close flushes pending audio with reason stop, stops the goroutine and
// releases the VAD session. Idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		ack := make(chan struct{})
		t.queue <- item{kind: itemClose, ack: ack}
		<-ack
	})
	return nil
}

func (t *Transport) run() {
	for it := range t.queue {
		switch it.kind {
		case itemAudio:
			t.process(it.data)
		case itemFlush:
			t.flush(ReasonFlush)
			close(it.ack)
		case itemClose:
			t.flush(ReasonStop)
			if t.vad != nil {
				_ = t.vad.Close()
			}
			close(t.done)
			close(it.ack)
			return
		}
	}
}

func (t *Transport) process(chunk []byte) {
	if !t.convert {
		t.appendSegment(chunk)
		return
	}

	// Keep partial samples for the next chunk.
	stride := audio.BytesPerSample * t.src.Channels
	data := chunk
	if len(t.rem) > 0 {
		data = append(t.rem, chunk...)
		t.rem = nil
	}
	whole := len(data) - len(data)%stride
	if whole < len(data) {
		t.rem = append([]byte(nil), data[whole:]...)
		data = data[:whole]
	}
	if len(data) == 0 {
		return
	}

	converted, err := t.conv.Convert(audio.AudioFrame{Data: data, SampleRate: t.src.SampleRate, Channels: t.src.Channels})
	if err != nil {
		slog.Warn("capture: dropping unconvertible chunk", "err", err)
		return
	}

	if t.mode == ModeSegment {
		t.appendSegment(converted.Data)
	}
	t.framer.Push(converted.Data, t.handleFrame)
}

func (t *Transport) handleFrame(f audio.AudioFrame) {
	if t.vad != nil {
		ev, err := t.vad.ProcessFrame(f.Data)
		if err != nil {
			slog.Warn("capture: vad failed", "err", err)
		} else if ev.Type == vad.VADSpeechStart || ev.Type == vad.VADSpeechEnd {
			t.cbMu.Lock()
			onVAD := t.onVAD
			t.cbMu.Unlock()
			if onVAD != nil {
				onVAD(ev)
			}
			if ev.Type == vad.VADSpeechEnd && t.mode == ModeSegment {
				t.emitSegment(ReasonSpeechEnd)
			}
		}
	}

	if t.mode != ModeStream {
		return
	}
	t.cbMu.Lock()
	onFrame := t.onFrame
	t.cbMu.Unlock()
	if onFrame != nil {
		onFrame(f)
	}
}

func (t *Transport) appendSegment(pcm []byte) {
	for len(pcm) > 0 {
		room := t.segMax - len(t.segBuf)
		n := min(room, len(pcm))
		t.segBuf = append(t.segBuf, pcm[:n]...)
		pcm = pcm[n:]
		if len(t.segBuf) >= t.segMax {
			t.emitSegment(ReasonFull)
		}
	}
}

func (t *Transport) flush(reason FlushReason) {
	if t.mode == ModeStream {
		t.framer.Flush(t.handleFrame)
		return
	}
	t.emitSegment(reason)
}

func (t *Transport) emitSegment(reason FlushReason) {
	if len(t.segBuf) == 0 {
		return
	}
	seg := Segment{PCM: t.segBuf, Format: t.format, Reason: reason}
	t.segBuf = nil

	t.cbMu.Lock()
	onSegment := t.onSegment
	t.cbMu.Unlock()
	if onSegment != nil {
		onSegment(seg)
	}
}
