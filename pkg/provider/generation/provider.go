// Package generation defines the Provider interface for spoken-reply
// generation backends.
//
// A generation provider takes the running conversation and produces the
// tutor's next turn as interleaved text and synthesised audio. Two styles of
// backend are supported behind one interface:
//
//   - Stateful live sessions (Gemini Live) that keep the conversation on the
//     server. SendTurn only forwards the newest user message.
//   - Stateless turn-based models (the genai SDK) that need the whole turn log
//     on every request.
//
// All output of a session arrives on a single ordered Chunks channel so that
// audio is always delivered in generation order.
package generation

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by optional operations a provider cannot honour,
// such as Interrupt on a protocol without client-side cancellation.
var ErrNotSupported = errors.New("generation: not supported")

// ErrSessionClosed is returned by SessionHandle methods after Close.
var ErrSessionClosed = errors.New("generation: session closed")

// SessionConfig is the initial configuration for a new generation session.
type SessionConfig struct {
	// Instructions is the system instruction. It embeds the target language,
	// the learner's age group and any resolved document context.
	Instructions string

	// Voice is the provider voice name used for synthesis (e.g., "Kore").
	Voice string

	// Language is the BCP-47 tag of the language being practised.
	Language string
}

// SessionHandle represents an open generation session. All methods must be
// safe for concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendTurn asks the model for its next reply. history is the full turn log
	// ending with the newest user message. Stateful providers send only that
	// last message.
	SendTurn(ctx context.Context, history []Message) error

	// Chunks returns the ordered stream of generated output. Each reply ends
	// with a ChunkTurnComplete or ChunkInterrupted chunk. The channel is closed
	// when the session ends; call Err afterwards to learn why.
	Chunks() <-chan Chunk

	// Err returns the error that ended the session, or nil after a clean Close.
	Err() error

	// Interrupt abandons the reply currently being generated. Providers that
	// cannot cancel server-side return [ErrNotSupported]; callers then discard
	// the remaining chunks of the turn themselves.
	Interrupt() error

	// KeepAlive sends a lightweight signal that stops the provider from closing
	// an idle connection. Stateless providers return nil.
	KeepAlive(ctx context.Context) error

	// Close terminates the session and closes the Chunks channel. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any generation backend.
type Provider interface {
	// Connect opens a new session. It blocks until the provider has accepted
	// the configuration or ctx is done.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Name identifies the provider in logs and metrics.
	Name() string
}
