// Command tutorvox is the entry point for the tutorvox voice tutoring relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/tutorvox/internal/app"
	"github.com/MrWong99/tutorvox/internal/config"
	"github.com/MrWong99/tutorvox/internal/observe"
	"github.com/MrWong99/tutorvox/pkg/provider/generation"
	"github.com/MrWong99/tutorvox/pkg/provider/generation/gemini"
	"github.com/MrWong99/tutorvox/pkg/provider/generation/genai"
	"github.com/MrWong99/tutorvox/pkg/provider/stt"
	"github.com/MrWong99/tutorvox/pkg/provider/stt/assemblyai"
	"github.com/MrWong99/tutorvox/pkg/provider/stt/deepgram"
	"github.com/MrWong99/tutorvox/pkg/provider/vad"
	"github.com/MrWong99/tutorvox/pkg/provider/vad/energy"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	watch := flag.Bool("watch", true, "reload the config file when it changes")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "tutorvox: load %s: %v\n", *envFile, err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "tutorvox: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "tutorvox: %v\n", err)
		}
		return 1
	}

	var level slog.LevelVar
	level.Set(app.ParseLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, &level))

	slog.Info("tutorvox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"stt", cfg.Providers.STT.Name,
		"generation", cfg.Providers.Generation.Name,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "tutorvox",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to init telemetry", "err", err)
		return 1
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg, app.WithLevelVar(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("shutdown signal received, draining sessions", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	otelCtx, otelCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer otelCancel()
	if err := otelShutdown(otelCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// registerBuiltinProviders wires the provider implementations that ship with
// tutorvox into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("assemblyai", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []assemblyai.Option
		if e.BaseURL != "" {
			opts = append(opts, assemblyai.WithStreamingURL(e.BaseURL))
		}
		if u := config.OptString(e.Options, "api_base_url"); u != "" {
			opts = append(opts, assemblyai.WithAPIBaseURL(u))
		}
		if v, ok := config.OptBool(e.Options, "format_turns"); ok {
			opts = append(opts, assemblyai.WithFormatTurns(v))
		}
		return assemblyai.New(e.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		if lang := config.OptString(e.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if rate := config.OptInt(e.Options, "sample_rate"); rate > 0 {
			opts = append(opts, deepgram.WithSampleRate(rate))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterGeneration("gemini-live", func(e config.ProviderEntry) (generation.Provider, error) {
		var opts []gemini.Option
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(e.APIKey, opts...), nil
	})

	reg.RegisterGeneration("genai", func(e config.ProviderEntry) (generation.Provider, error) {
		var opts []genai.Option
		if e.Model != "" {
			opts = append(opts, genai.WithTextModel(e.Model))
		}
		if m := config.OptString(e.Options, "speech_model"); m != "" {
			opts = append(opts, genai.WithSpeechModel(m))
		}
		if e.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(e.BaseURL))
		}
		return genai.New(context.Background(), e.APIKey, opts...)
	})

	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
