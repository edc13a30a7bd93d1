package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/tutorvox/pkg/provider/generation"
	genmock "github.com/MrWong99/tutorvox/pkg/provider/generation/mock"
)

func TestGenerationFallback_Connect(t *testing.T) {
	t.Parallel()

	live := &genmock.Provider{ProviderName: "gemini-live", ConnectErr: errors.New("setup rejected")}
	sess := genmock.NewSession()
	turnBased := &genmock.Provider{ProviderName: "genai", Session: sess}

	fb := NewGenerationFallback(live, nil)
	fb.AddFallback(turnBased)

	if fb.Name() != "gemini-live|genai" {
		t.Errorf("Name = %q", fb.Name())
	}

	cfg := generation.SessionConfig{Voice: "Kore", Language: "es-ES"}
	h, err := fb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()
	if h != sess {
		t.Fatal("expected the genai session")
	}
	if calls := live.Calls(); len(calls) != 1 || calls[0].Voice != "Kore" {
		t.Errorf("live calls = %+v", calls)
	}
}

func TestGenerationFallback_AllFail(t *testing.T) {
	t.Parallel()
	fb := NewGenerationFallback(&genmock.Provider{ConnectErr: errors.New("down")}, nil)
	if _, err := fb.Connect(context.Background(), generation.SessionConfig{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
