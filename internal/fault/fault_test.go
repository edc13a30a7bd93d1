package fault_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/tutorvox/internal/fault"
	"github.com/MrWong99/tutorvox/pkg/provider/stt"
)

func TestToClient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCode  string
		retryable bool
	}{
		{"auth", fmt.Errorf("admit: %w", fault.ErrAuth), "auth_failed", false},
		{"active", fault.ErrSessionActive, "session_active", false},
		{"handshake wins over kind", fault.New(fault.KindProvider, "start stt", fault.ErrHandshakeTimeout), "handshake_timeout", true},
		{"poll timeout from stt", fmt.Errorf("upload: %w", stt.ErrPollTimeout), "transcription_timeout", true},
		{"missing credentials", fault.New(fault.KindConfig, "providers", fault.ErrMissingCredentials), "config_error", false},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), "timeout", true},
		{"transport", fault.New(fault.KindTransport, "read", errors.New("reset")), "transport_error", true},
		{"provider closed", fault.New(fault.KindProviderClosed, "stt", errors.New("eof")), "provider_closed", true},
		{"malformed", fault.New(fault.KindMalformed, "decode", errors.New("bad json")), "malformed", false},
		{"unknown", errors.New("boom"), "internal", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := fault.ToClient(tc.err)
			if got.Code != tc.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tc.wantCode)
			}
			if got.Retryable != tc.retryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tc.retryable)
			}
			if got.Message == "" {
				t.Error("empty Message")
			}
			if fault.Retryable(tc.err) != tc.retryable {
				t.Error("Retryable disagrees with ToClient")
			}
		})
	}
}

func TestToClient_Nil(t *testing.T) {
	t.Parallel()
	if got := fault.ToClient(nil); got != (fault.ClientError{}) {
		t.Fatalf("ToClient(nil) = %+v", got)
	}
}

func TestNew_NilAndUnwrap(t *testing.T) {
	t.Parallel()
	if fault.New(fault.KindProvider, "op", nil) != nil {
		t.Fatal("New(nil) != nil")
	}
	inner := errors.New("inner")
	err := fault.New(fault.KindProvider, "connect", inner)
	if !errors.Is(err, inner) {
		t.Fatal("errors.Is failed through *Error")
	}
	if err.Error() != "provider: connect: inner" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	if k := fault.KindOf(fmt.Errorf("x: %w", fault.ErrSessionActive)); k != fault.KindAuth {
		t.Errorf("KindOf(ErrSessionActive) = %v", k)
	}
	if k := fault.KindOf(fault.ErrHandshakeTimeout); k != fault.KindProvider {
		t.Errorf("KindOf(ErrHandshakeTimeout) = %v", k)
	}
	wrapped := fmt.Errorf("outer: %w", fault.New(fault.KindTransport, "", errors.New("x")))
	if k := fault.KindOf(wrapped); k != fault.KindTransport {
		t.Errorf("KindOf(wrapped) = %v", k)
	}
	if fault.KindTransport.String() != "transport" || fault.Kind(42).String() != "unknown" {
		t.Error("unexpected Kind strings")
	}
}
