// Package app wires all tutorvox subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects storage and builds the
// HTTP surface, Run serves until the context is cancelled, and Shutdown
// drains live sessions and tears everything down in order.
//
// For testing, inject providers and stores via functional options
// (WithProviders, WithStores). When an option is not provided, New builds
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/tutorvox/internal/config"
	"github.com/MrWong99/tutorvox/internal/docctx"
	"github.com/MrWong99/tutorvox/internal/health"
	"github.com/MrWong99/tutorvox/internal/lifecycle"
	"github.com/MrWong99/tutorvox/internal/observe"
	"github.com/MrWong99/tutorvox/internal/relay"
	"github.com/MrWong99/tutorvox/internal/store"
	"github.com/MrWong99/tutorvox/internal/store/postgres"
	"github.com/MrWong99/tutorvox/internal/store/redisslot"
	"github.com/MrWong99/tutorvox/pkg/provider/vad"
)

// drainPoll is how often Shutdown checks for remaining sessions.
const drainPoll = 50 * time.Millisecond

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	level     *slog.LevelVar

	pending  store.PendingStore
	recorder store.Recorder
	slots    store.SlotRegistry
	resolver docctx.Resolver
	checkers []health.Checker

	metrics  *observe.Metrics
	sessions *lifecycle.Manager
	relay    *relay.Handler
	health   *health.Handler
	handler  http.Handler
	server   *http.Server

	// baseCtx is handed to the relay; cancelling it ends every session.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProviders injects providers instead of building them from config.
func WithProviders(p *Providers) Option {
	return func(a *App) { a.providers = p }
}

// WithStores injects persistence instead of connecting to Postgres and
// Redis.
func WithStores(pending store.PendingStore, recorder store.Recorder, slots store.SlotRegistry) Option {
	return func(a *App) {
		a.pending = pending
		a.recorder = recorder
		a.slots = slots
	}
}

// WithResolver injects the document context resolver.
func WithResolver(r docctx.Resolver) Option {
	return func(a *App) { a.resolver = r }
}

// WithLevelVar lets a config reload change the log level of the logger
// built in main.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App. Registry is used to build providers unless
// WithProviders is given.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	a.baseCtx, a.cancelBase = context.WithCancel(context.WithoutCancel(ctx))

	if a.providers == nil {
		p, err := BuildProviders(cfg, reg)
		if err != nil {
			return nil, fmt.Errorf("app: build providers: %w", err)
		}
		a.providers = p
	}

	if err := a.initStorage(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	a.metrics = observe.DefaultMetrics()

	var lopts []lifecycle.Option
	if cfg.Sessions.TokenTTL > 0 {
		lopts = append(lopts, lifecycle.WithTokenTTL(cfg.Sessions.TokenTTL))
	}
	if rs, ok := a.slots.(*redisslot.Registry); ok {
		lopts = append(lopts, lifecycle.WithSlotRefresh(rs.TTL()/3))
	}
	a.sessions = lifecycle.NewManager(a.pending, a.recorder, a.slots, lopts...)

	a.relay = relay.NewHandler(a.baseCtx, RelayConfig(cfg), relay.Deps{
		Sessions:   a.sessions,
		STT:        a.providers.STT,
		Generation: a.providers.Generation,
		Uploader:   a.providers.Uploader,
		VAD:        a.providers.VAD,
		Breaker:    a.providers.STTBreaker,
		Resolver:   a.resolver,
		Metrics:    a.metrics,
	})

	checkers := append([]health.Checker(nil), a.checkers...)
	if a.providers.STTBreakers != nil {
		checkers = append(checkers, health.Breakers("stt", a.providers.STTBreakers))
	}
	if a.providers.GenerationBreakers != nil {
		checkers = append(checkers, health.Breakers("generation", a.providers.GenerationBreakers))
	}
	a.health = health.New(checkers...)

	mux := http.NewServeMux()
	a.relay.Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Server.AdminKey != "" {
		relay.NewIssueHandler(a.sessions, cfg.Server.AdminKey).Register(mux)
		slog.Warn("development session issuing endpoint enabled", "path", relay.IssuePath)
	}
	a.handler = observe.Middleware(a.metrics)(mux)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// initStorage connects Postgres and Redis, or falls back to memory.
func (a *App) initStorage(ctx context.Context) error {
	if a.pending == nil || a.recorder == nil {
		if dsn := a.cfg.Storage.PostgresDSN; dsn != "" {
			pg, err := postgres.Open(ctx, dsn)
			if err != nil {
				return err
			}
			a.closers = append(a.closers, func() error { pg.Close(); return nil })
			a.pending, a.recorder = pg, pg
			a.checkers = append(a.checkers, health.Postgres(pg.Pool()))
			if a.resolver == nil {
				a.resolver = docctx.NewPostgres(pg.Pool(), a.cfg.Storage.DocumentChunkLimit)
			}
			slog.Info("storage: postgres connected")
		} else {
			mem := store.NewMemStore()
			a.pending, a.recorder = mem, mem
			slog.Info("storage: using in-memory session store")
		}
	}

	if a.slots == nil {
		if u := a.cfg.Storage.RedisURL; u != "" {
			opts, err := redis.ParseURL(u)
			if err != nil {
				return fmt.Errorf("parse redis url: %w", err)
			}
			client := redis.NewClient(opts)
			if err := client.Ping(ctx).Err(); err != nil {
				_ = client.Close()
				return fmt.Errorf("redis ping: %w", err)
			}
			a.closers = append(a.closers, client.Close)
			a.slots = redisslot.New(client, a.cfg.Sessions.SlotTTL)
			a.checkers = append(a.checkers, health.Redis(client))
			slog.Info("storage: redis slot registry connected")
		} else {
			a.slots = store.NewMemSlots()
		}
	}
	return nil
}

// RelayConfig maps the pipeline section onto relay tuning.
func RelayConfig(cfg *config.Config) relay.Config {
	p := cfg.Pipeline
	return relay.Config{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		HandshakeTimeout:  p.HandshakeTimeout,
		KeepAliveInterval: p.KeepAliveInterval,
		RingSize:          p.RingSize,
		PlaybackLead:      p.PlaybackLead,
		MaxSegment:        p.MaxSegment,
		ReadLimit:         p.ReadLimit,
		VAD: vad.Config{
			RMSThreshold:    p.VAD.RMSThreshold,
			PeakThreshold:   p.VAD.PeakThreshold,
			MinSpeechFrames: p.VAD.MinSpeechFrames,
			SilenceFrames:   p.VAD.SilenceFrames,
		},
	}
}

// Handler returns the root HTTP handler including middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session lifecycle manager.
func (a *App) Sessions() *lifecycle.Manager { return a.sessions }

// ApplyConfig applies the hot-reloadable parts of a changed config.
func (a *App) ApplyConfig(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PipelineChanged {
		rc := RelayConfig(updated)
		// Origins are fixed at startup.
		rc.AllowedOrigins = a.cfg.Server.AllowedOrigins
		a.relay.Reconfigure(rc)
		slog.Info("pipeline tuning reloaded; applies to new sessions")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ParseLevel maps a config level to slog. Unknown levels map to info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Run serves HTTP until ctx is cancelled. It returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		errCh <- err
	}()

	slog.Info("http server listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown marks the server as draining, ends every live session with
// reason shutdown, waits for their records to be written and then closes
// the HTTP server and storage. If ctx expires first, remaining sessions are
// torn down directly and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.health.SetDraining(true)
		live := len(a.sessions.Active())
		slog.Info("shutting down", "live_sessions", live, "closers", len(a.closers))

		a.cancelBase()
		if err := a.drain(ctx); err != nil {
			n := a.sessions.TeardownAll(relay.ReasonShutdown)
			slog.Warn("shutdown deadline exceeded; sessions torn down", "sessions", n)
			shutdownErr = err
		}

		if err := a.server.Shutdown(ctx); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
		a.close()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for len(a.sessions.Active()) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (a *App) close() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
