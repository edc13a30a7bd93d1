// Package fault is the error taxonomy shared by the session pipeline.
//
// Internal code wraps failures in an [*Error] carrying a [Kind]. The relay
// turns any error chain into the [ClientError] triple {code, message,
// retryable} with [ToClient]; nothing else about an internal error ever
// reaches the browser.
package fault

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/tutorvox/pkg/provider/stt"
)

// Kind classifies an error by how the pipeline reacts to it.
type Kind int

const (
	// KindUnknown is the zero value.
	KindUnknown Kind = iota

	// KindConfig is a configuration problem found before any provider call.
	KindConfig

	// KindAuth is a rejected session token or account check.
	KindAuth

	// KindTransport is a failure of the client audio transport. It triggers
	// the capture fallback rather than ending the session.
	KindTransport

	// KindProvider is a failure talking to an STT or generation provider.
	KindProvider

	// KindProviderClosed is an unexpected provider hang-up.
	KindProviderClosed

	// KindMalformed is a message that could not be decoded. Malformed provider
	// messages are logged and dropped; malformed client messages are reported.
	KindMalformed
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindTransport:
		return "transport"
	case KindProvider:
		return "provider"
	case KindProviderClosed:
		return "provider_closed"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

var (
	// ErrAuth is returned for a missing, invalid, expired or replayed token.
	ErrAuth = errors.New("session token rejected")

	// ErrSessionActive is returned when the account already has a live session.
	ErrSessionActive = errors.New("account already has an active session")

	// ErrHandshakeTimeout is returned when a provider did not finish its
	// handshake in time.
	ErrHandshakeTimeout = errors.New("provider handshake timed out")

	// ErrPollTimeout is returned when a batch transcription never finished.
	ErrPollTimeout = stt.ErrPollTimeout

	// ErrMissingCredentials is returned when a configured provider has no key.
	ErrMissingCredentials = errors.New("missing provider credentials")
)

// Error attaches a Kind and the failing operation to an underlying error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with kind and op. It returns nil when err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the outermost *Error in err's chain. Known
// sentinels are classified even when unwrapped.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrAuth), errors.Is(err, ErrSessionActive):
		return KindAuth
	case errors.Is(err, ErrMissingCredentials):
		return KindConfig
	case errors.Is(err, ErrHandshakeTimeout), errors.Is(err, ErrPollTimeout):
		return KindProvider
	}
	return KindUnknown
}

// ClientError is the only error shape the client ever sees.
type ClientError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Error implements error so a ClientError can travel through error returns.
func (c ClientError) Error() string { return c.Code + ": " + c.Message }

// ToClient maps err to its client-facing form. Sentinels take precedence over
// kinds so that, for example, a handshake timeout wrapped as a provider error
// still reports its own code.
func ToClient(err error) ClientError {
	switch {
	case err == nil:
		return ClientError{}
	case errors.Is(err, ErrAuth):
		return ClientError{Code: "auth_failed", Message: "The session link is invalid or has expired.", Retryable: false}
	case errors.Is(err, ErrSessionActive):
		return ClientError{Code: "session_active", Message: "Another tutoring session is already running on this account.", Retryable: false}
	case errors.Is(err, ErrHandshakeTimeout):
		return ClientError{Code: "handshake_timeout", Message: "The speech service took too long to respond.", Retryable: true}
	case errors.Is(err, ErrPollTimeout):
		return ClientError{Code: "transcription_timeout", Message: "Transcription took too long.", Retryable: true}
	case errors.Is(err, ErrMissingCredentials):
		return ClientError{Code: "config_error", Message: "The tutor is not configured correctly.", Retryable: false}
	case errors.Is(err, context.DeadlineExceeded):
		return ClientError{Code: "timeout", Message: "The request timed out.", Retryable: true}
	}

	switch KindOf(err) {
	case KindConfig:
		return ClientError{Code: "config_error", Message: "The tutor is not configured correctly.", Retryable: false}
	case KindAuth:
		return ClientError{Code: "auth_failed", Message: "The session could not be authorised.", Retryable: false}
	case KindTransport:
		return ClientError{Code: "transport_error", Message: "The audio connection failed.", Retryable: true}
	case KindProvider:
		return ClientError{Code: "provider_error", Message: "A speech service failed.", Retryable: true}
	case KindProviderClosed:
		return ClientError{Code: "provider_closed", Message: "A speech service closed the connection.", Retryable: true}
	case KindMalformed:
		return ClientError{Code: "malformed", Message: "A message could not be understood.", Retryable: false}
	}
	return ClientError{Code: "internal", Message: "Something went wrong.", Retryable: false}
}

// Retryable reports whether the client may retry after err.
func Retryable(err error) bool { return ToClient(err).Retryable }
