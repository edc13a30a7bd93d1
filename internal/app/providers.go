package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/tutorvox/internal/config"
	"github.com/MrWong99/tutorvox/internal/resilience"
	"github.com/MrWong99/tutorvox/pkg/provider/generation"
	"github.com/MrWong99/tutorvox/pkg/provider/stt"
	"github.com/MrWong99/tutorvox/pkg/provider/vad"
)

// Providers holds the provider values the relay uses. Optional fields may be
// nil.
type Providers struct {
	STT        stt.Provider
	Generation generation.Provider

	// Uploader transcribes segments; nil disables segment mode uploads.
	Uploader stt.Uploader

	// VAD is nil when no detector is configured.
	VAD vad.Engine

	// STTBreaker guards a single STT provider's handshakes. It is nil when
	// STT is a fallback chain, which carries its own breakers.
	STTBreaker *resilience.CircuitBreaker

	STTBreakers        *resilience.BreakerSet
	GenerationBreakers *resilience.BreakerSet
}

// BuildProviders instantiates every provider named in cfg through reg. A
// provider with fallbacks is wrapped in a failover chain whose breakers are
// shared with the readiness probe.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	bcfg := resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Sessions.Breaker.MaxFailures,
		ResetTimeout: cfg.Sessions.Breaker.ResetTimeout,
	}
	ps := &Providers{
		STTBreakers:        resilience.NewBreakerSet(bcfg),
		GenerationBreakers: resilience.NewBreakerSet(bcfg),
	}

	primarySTT, err := reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)
	ps.Uploader, _ = primarySTT.(stt.Uploader)

	if len(cfg.Providers.STTFallbacks) == 0 {
		ps.STT = primarySTT
		ps.STTBreaker = ps.STTBreakers.Get(cfg.Providers.STT.Name)
	} else {
		chain := resilience.NewSTTFallback(primarySTT, cfg.Providers.STT.Name, ps.STTBreakers)
		for _, e := range cfg.Providers.STTFallbacks {
			p, err := reg.CreateSTT(e)
			if err != nil {
				return nil, fmt.Errorf("create stt fallback %q: %w", e.Name, err)
			}
			chain.AddFallback(e.Name, p)
			if ps.Uploader == nil {
				ps.Uploader, _ = p.(stt.Uploader)
			}
			slog.Info("provider created", "kind", "stt", "name", e.Name, "fallback", true)
		}
		ps.STT = chain
	}
	if ps.Uploader == nil {
		slog.Warn("no configured STT provider supports uploads; segment mode cannot transcribe")
	}

	primaryGen, err := reg.CreateGeneration(cfg.Providers.Generation)
	if err != nil {
		return nil, fmt.Errorf("create generation provider %q: %w", cfg.Providers.Generation.Name, err)
	}
	slog.Info("provider created", "kind", "generation", "name", primaryGen.Name())
	if len(cfg.Providers.GenerationFallbacks) == 0 {
		ps.Generation = primaryGen
	} else {
		chain := resilience.NewGenerationFallback(primaryGen, ps.GenerationBreakers)
		for _, e := range cfg.Providers.GenerationFallbacks {
			p, err := reg.CreateGeneration(e)
			if err != nil {
				return nil, fmt.Errorf("create generation fallback %q: %w", e.Name, err)
			}
			chain.AddFallback(p)
			slog.Info("provider created", "kind", "generation", "name", p.Name(), "fallback", true)
		}
		ps.Generation = chain
	}

	if name := cfg.Providers.VAD.Name; name != "" {
		engine, err := reg.CreateVAD(cfg.Providers.VAD)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("vad provider not registered; barge-in disabled", "name", name)
		case err != nil:
			return nil, fmt.Errorf("create vad %q: %w", name, err)
		default:
			ps.VAD = engine
			slog.Info("provider created", "kind", "vad", "name", name)
		}
	}
	return ps, nil
}
