// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech classifier and surfaces it as a
// stateful, per-stream session. Each session keeps its own hysteresis state so
// that concurrent capture streams are processed independently.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection result.
// Its events only gate local decisions such as barge-in. Frames are never
// suppressed on the way to speech-to-text.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
)

// Default hysteresis parameters.
const (
	DefaultRMSThreshold    = 0.015
	DefaultPeakThreshold   = 0.12
	DefaultMinSpeechFrames = 2
	DefaultSilenceFrames   = 10
)

// Config holds the parameters for a VAD session. Thresholds are fixed for the
// lifetime of a session and are never derived from the audio itself.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match.
	// Zero disables the size check.
	FrameSizeMs int

	// RMSThreshold is the normalised RMS energy above which a frame counts as
	// speech. Range: (0.0, 1.0].
	RMSThreshold float64

	// PeakThreshold is the normalised peak amplitude above which a frame counts
	// as speech even when its RMS is low. It catches short plosives.
	// Range: (0.0, 1.0].
	PeakThreshold float64

	// MinSpeechFrames is the number of consecutive speech frames needed before
	// a speech start is reported.
	MinSpeechFrames int

	// SilenceFrames is the number of consecutive silent frames needed before a
	// speech end is reported.
	SilenceFrames int
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.RMSThreshold == 0 {
		c.RMSThreshold = DefaultRMSThreshold
	}
	if c.PeakThreshold == 0 {
		c.PeakThreshold = DefaultPeakThreshold
	}
	if c.MinSpeechFrames == 0 {
		c.MinSpeechFrames = DefaultMinSpeechFrames
	}
	if c.SilenceFrames == 0 {
		c.SilenceFrames = DefaultSilenceFrames
	}
	return c
}

// Validate reports every out-of-range field.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameSizeMs < 0 {
		errs = append(errs, fmt.Errorf("vad: frame size must not be negative, got %d", c.FrameSizeMs))
	}
	if c.RMSThreshold <= 0 || c.RMSThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: rms threshold %.3f outside (0, 1]", c.RMSThreshold))
	}
	if c.PeakThreshold <= 0 || c.PeakThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: peak threshold %.3f outside (0, 1]", c.PeakThreshold))
	}
	if c.MinSpeechFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: min speech frames must be at least 1, got %d", c.MinSpeechFrames))
	}
	if c.SilenceFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: silence frames must be at least 1, got %d", c.SilenceFrames))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Reset clears detection state without closing the session.
type SessionHandle interface {
	// ProcessFrame classifies a single audio frame and returns the detection
	// result. The frame must be raw little-endian PCM at the configured
	// SampleRate. It must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears accumulated run counters and the speech-active flag.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame returns an error. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. Implementations must be safe for
// concurrent use.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	NewSession(cfg Config) (SessionHandle, error)
}
