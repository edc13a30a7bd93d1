// Package energy implements a pure-Go VAD engine that classifies frames by
// RMS energy and peak amplitude with frame-count hysteresis.
//
// A frame is speech when its RMS exceeds the RMS threshold or its peak exceeds
// the peak threshold. Speech start is reported once MinSpeechFrames
// consecutive speech frames have been seen; speech end once SilenceFrames
// consecutive silent frames have followed. Single-frame spikes and dropouts
// therefore never toggle the speech-active state.
package energy

import (
	"errors"
	"fmt"

	"github.com/MrWong99/tutorvox/pkg/audio"
	"github.com/MrWong99/tutorvox/pkg/provider/vad"
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("energy: session closed")

// Engine creates energy-based VAD sessions.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg (after applying defaults) and returns a Detector.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return NewDetector(cfg)
}

// Detector is a single-stream hysteresis detector. It is not safe for
// concurrent use.
type Detector struct {
	cfg        vad.Config
	frameBytes int

	speechRun    int
	silenceRun   int
	speechActive bool
	closed       bool
}

var _ vad.SessionHandle = (*Detector)(nil)

// NewDetector returns a Detector for cfg. Zero fields take their defaults.
func NewDetector(cfg vad.Config) (*Detector, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Detector{cfg: cfg}
	if cfg.FrameSizeMs > 0 {
		d.frameBytes = cfg.SampleRate * cfg.FrameSizeMs / 1000 * audio.BytesPerSample
	}
	return d, nil
}

// ProcessFrame classifies frame and advances the hysteresis state.
func (d *Detector) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if d.closed {
		return vad.VADEvent{}, ErrClosed
	}
	if d.frameBytes > 0 && len(frame) != d.frameBytes {
		return vad.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), d.frameBytes)
	}

	rms, peak := audio.Levels(frame)
	ev := vad.VADEvent{Level: rms, Peak: peak}

	if rms > d.cfg.RMSThreshold || peak > d.cfg.PeakThreshold {
		d.speechRun++
		d.silenceRun = 0
		switch {
		case d.speechActive:
			ev.Type = vad.VADSpeechContinue
		case d.speechRun >= d.cfg.MinSpeechFrames:
			d.speechActive = true
			ev.Type = vad.VADSpeechStart
		default:
			ev.Type = vad.VADSilence
		}
		return ev, nil
	}

	d.silenceRun++
	d.speechRun = 0
	switch {
	case !d.speechActive:
		ev.Type = vad.VADSilence
	case d.silenceRun >= d.cfg.SilenceFrames:
		d.speechActive = false
		ev.Type = vad.VADSpeechEnd
	default:
		// Hangover: short gaps inside an utterance keep speech active.
		ev.Type = vad.VADSpeechContinue
	}
	return ev, nil
}

// SpeechActive reports whether the detector currently considers speech active.
func (d *Detector) SpeechActive() bool { return d.speechActive }

// Reset clears run counters and the speech-active flag.
func (d *Detector) Reset() {
	d.speechRun = 0
	d.silenceRun = 0
	d.speechActive = false
}

// Close marks the detector closed. It is idempotent.
func (d *Detector) Close() error {
	d.closed = true
	return nil
}
