// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (AssemblyAI,
// Deepgram) and exposes a uniform streaming interface. The central abstraction
// is SessionHandle: once opened, a session accepts raw PCM frames and emits a
// single ordered stream of normalised TranscriptEvent values.
//
// Providers that also offer asynchronous batch transcription implement
// Uploader, which the bridge uses when the client can only deliver whole
// recorded segments.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/tutorvox/pkg/audio"
)

var (
	// ErrNotSupported is returned when a provider lacks an optional capability.
	ErrNotSupported = errors.New("stt: not supported")

	// ErrSessionClosed is returned by SendAudio after the session has ended.
	ErrSessionClosed = errors.New("stt: session closed")

	// ErrPollTimeout is returned by Uploader.Transcribe when the transcription
	// job did not reach a terminal state within the poll budget.
	ErrPollTimeout = errors.New("stt: transcription poll timed out")

	// ErrTranscriptionFailed is returned when the provider reports a terminal
	// error state for a batch transcription job.
	ErrTranscriptionFailed = errors.New("stt: transcription failed")
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The pipeline always sends
	// 16000.
	SampleRate int

	// Channels is the number of audio channels. Always 1 in this pipeline.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "es", "fr-FR").
	// An empty string lets the provider pick its default.
	Language string

	// Keywords is a list of vocabulary hints. Providers that do not support
	// boosting ignore it.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without a live provider.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio to the provider. It must not
	// block on the network. Calling SendAudio after Close returns
	// [ErrSessionClosed].
	SendAudio(chunk []byte) error

	// Events returns the ordered stream of normalised transcript events. The
	// channel is closed when the provider connection ends for any reason.
	// A provider-reported failure is delivered as a KindError event before
	// the channel closes.
	Events() <-chan TranscriptEvent

	// Close terminates the session, asks the provider to flush, and releases
	// all resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// KeepAliver is implemented by sessions whose provider offers an explicit
// keepalive message. Sessions without it are kept alive with silent frames.
type KeepAliver interface {
	KeepAlive() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session. It blocks until
	// the provider handshake has completed, ctx is cancelled, or the handshake
	// fails. The caller owns the returned SessionHandle.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// Segment is a whole recorded utterance delivered in one piece.
type Segment struct {
	// Audio is a WAV file or a browser-recorded container blob.
	Audio []byte

	// Format is the PCM format of Audio when it is WAV. Zero when unknown.
	Format audio.Format

	// Language is the recognition language hint.
	Language string
}

// Uploader is implemented by providers that can transcribe a whole recorded
// segment asynchronously.
type Uploader interface {
	// Transcribe uploads seg, starts a transcription job and waits for it to
	// reach a terminal state. It returns [ErrTranscriptionFailed] when the
	// provider reports an error and [ErrPollTimeout] when the job does not
	// finish within the poll budget.
	Transcribe(ctx context.Context, seg Segment) (Transcript, error)
}
