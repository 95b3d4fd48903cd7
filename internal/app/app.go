// Package app wires all Lumen subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the conversation session loop plus the HTTP
// endpoint, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithTurnStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lumen-voice/lumen/internal/config"
	"github.com/lumen-voice/lumen/internal/convo"
	"github.com/lumen-voice/lumen/internal/health"
	"github.com/lumen-voice/lumen/internal/observe"
	"github.com/lumen-voice/lumen/internal/session"
	"github.com/lumen-voice/lumen/internal/store"
	"github.com/lumen-voice/lumen/internal/store/postgres"
	"github.com/lumen-voice/lumen/pkg/capture"
	"github.com/lumen-voice/lumen/pkg/realtime"
	"github.com/lumen-voice/lumen/pkg/realtime/openai"
	"github.com/lumen-voice/lumen/pkg/vad"
)

// Devices holds the capture and playback devices the conversation runs on.
// The microphone and speaker are required; the camera is optional. Devices
// must tolerate repeated Start/Stop cycles because a channel reconnect tears
// the session down and builds a fresh one on the same hardware.
type Devices struct {
	Microphone capture.Microphone
	Camera     capture.Camera
	Speaker    capture.Speaker
}

// App owns all subsystem lifetimes and runs the conversation session loop.
type App struct {
	cfg     *config.Config
	devices Devices

	dialer   realtime.Dialer
	turns    store.TurnStore
	pg       *postgres.Store
	metrics  *observe.Metrics
	observer convo.Observer
	recon    *session.Reconnector

	// Session-loop plumbing. The reconnector delivers fresh connections and
	// exhaustion through these channels.
	reconnected chan realtime.Conn
	exhausted   chan error

	// closers are called in order during Shutdown.
	closers []func() error

	// mu guards the hot-reloadable config sections.
	mu       sync.Mutex
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer injects a channel dialer instead of building one from config.
func WithDialer(d realtime.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithTurnStore injects a turn store instead of creating one from config.
func WithTurnStore(s store.TurnStore) Option {
	return func(a *App) { a.turns = s }
}

// WithObserver forwards conversation text and notices to obs.
func WithObserver(obs convo.Observer) Option {
	return func(a *App) { a.observer = obs }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The devices come from
// main (platform-specific); everything else is built from cfg unless injected
// via an Option.
func New(ctx context.Context, cfg *config.Config, devices Devices, opts ...Option) (*App, error) {
	if devices.Microphone == nil || devices.Speaker == nil {
		return nil, fmt.Errorf("app: microphone and speaker devices are required")
	}

	a := &App{
		cfg:         cfg,
		devices:     devices,
		reconnected: make(chan realtime.Conn, 1),
		exhausted:   make(chan error, 1),
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initDialer(); err != nil {
		return nil, fmt.Errorf("app: init channel dialer: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init turn store: %w", err)
	}
	a.initReconnector()

	return a, nil
}

// initDialer builds the realtime dialer from config unless one was injected.
func (a *App) initDialer() error {
	if a.dialer != nil {
		return nil
	}

	apiKey := os.Getenv(a.cfg.Realtime.APIKeyEnv)
	if apiKey == "" {
		return fmt.Errorf("environment variable %s is empty", a.cfg.Realtime.APIKeyEnv)
	}

	var dialOpts []openai.Option
	if a.cfg.Realtime.Model != "" {
		dialOpts = append(dialOpts, openai.WithModel(a.cfg.Realtime.Model))
	}
	if a.cfg.Realtime.BaseURL != "" {
		dialOpts = append(dialOpts, openai.WithBaseURL(a.cfg.Realtime.BaseURL))
	}
	a.dialer = openai.New(apiKey, dialOpts...)
	return nil
}

// initStore selects Postgres when a DSN is configured and the in-memory store
// otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.turns != nil {
		return nil
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.turns = store.NewMemoryStore()
		return nil
	}

	pg, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.pg = pg
	// A dead database must not stall turn handling; the breaker sheds writes
	// while Postgres is down and tries it again after a cooldown.
	a.turns = store.NewGuardedStore(pg)
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	slog.Info("turn store connected", "backend", "postgres")
	return nil
}

// initReconnector wires the reconnection policy around the dialer.
func (a *App) initReconnector() {
	a.recon = session.New(session.Config{
		Dialer:      a.dialer,
		Session:     a.sessionConfig(),
		MaxAttempts: a.cfg.Reconnect.MaxAttempts,
		Delay:       a.cfg.Reconnect.Delay,
		OnReconnect: func(conn realtime.Conn) {
			a.metrics.RecordReconnect(context.Background(), "ok")
			select {
			case a.reconnected <- conn:
			default:
			}
		},
		OnExhausted: func(err error) {
			a.metrics.RecordReconnect(context.Background(), "exhausted")
			select {
			case a.exhausted <- err:
			default:
			}
		},
	})
}

func (a *App) sessionConfig() realtime.SessionConfig {
	return realtime.SessionConfig{
		Voice:        a.cfg.Realtime.Voice,
		Instructions: a.cfg.Realtime.Instructions,
	}
}

// connDialer hands an already-established connection to the orchestrator, so
// the reconnector stays the single place that actually dials.
type connDialer struct {
	conn realtime.Conn
}

func (d connDialer) Connect(context.Context, realtime.SessionConfig) (realtime.Conn, error) {
	return d.conn, nil
}

// Run blocks until ctx is cancelled or the channel is lost beyond recovery.
// It starts the HTTP endpoint (when configured) and the conversation session
// loop.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Server.ListenAddr != "" {
		srv := a.httpServer()
		g.Go(func() error {
			slog.Info("http endpoint listening", "addr", a.cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return a.sessionLoop(ctx)
	})

	return g.Wait()
}

// httpServer builds the health + metrics endpoint.
func (a *App) httpServer() *http.Server {
	h := health.New(
		health.ChannelChecker(func() realtime.Conn { return a.recon.Connection() }),
		a.storeChecker(),
	)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *App) storeChecker() health.Checker {
	if a.pg != nil {
		return health.StoreChecker(a.pg.Ping)
	}
	// In-memory store has nothing to probe.
	return health.StoreChecker(func(context.Context) error { return nil })
}

// sessionLoop runs conversation sessions back to back. Each session lives as
// long as its connection; a drop triggers the reconnector, and a successful
// reconnect starts a fresh session on the same devices. The remote
// conversation context does not survive the reconnect.
func (a *App) sessionLoop(ctx context.Context) error {
	conn, err := a.recon.Connect(ctx)
	if err != nil {
		return fmt.Errorf("app: open channel: %w", err)
	}
	a.recon.Monitor(ctx)

	for {
		orch := a.buildOrchestrator(conn)
		if err := orch.Start(ctx); err != nil {
			return fmt.Errorf("app: start session: %w", err)
		}

		select {
		case <-ctx.Done():
			orch.Stop()
			return ctx.Err()

		case conn = <-a.reconnected:
			slog.Info("channel restored, starting fresh conversation session")
			orch.Stop()

		case err := <-a.exhausted:
			orch.Stop()
			return fmt.Errorf("app: channel lost: %w", err)
		}
	}
}

// buildOrchestrator assembles a conversation session around conn.
func (a *App) buildOrchestrator(conn realtime.Conn) *convo.Orchestrator {
	a.mu.Lock()
	vadCfg := a.cfg.VAD
	capCfg := a.cfg.Capture
	a.mu.Unlock()

	opts := []convo.Option{
		convo.WithTurnStore(a.turns),
		convo.WithMetrics(a.metrics),
		convo.WithDetector(vad.Config{
			EnergyThreshold:     vadCfg.EnergyThreshold,
			StartChunks:         vadCfg.StartChunks,
			EndChunks:           vadCfg.EndChunks,
			InterruptMultiplier: vadCfg.InterruptMultiplier,
		}),
		convo.WithAnchorGrace(capCfg.AnchorGrace),
		convo.WithSettleDelay(capCfg.SettleDelay),
		convo.WithAmbientInterval(capCfg.AmbientInterval),
		convo.WithResponseTimeout(capCfg.ResponseTimeout),
		convo.WithOnDisconnect(func(err error) {
			if err != nil {
				slog.Warn("channel connection lost", "err", err)
			}
			a.recon.NotifyDisconnect()
		}),
	}
	if a.devices.Camera != nil {
		opts = append(opts, convo.WithCamera(a.devices.Camera))
	}
	if a.observer != nil {
		opts = append(opts, convo.WithObserver(a.observer))
	}

	return convo.New(
		connDialer{conn: conn},
		a.sessionConfig(),
		a.devices.Microphone,
		a.devices.Speaker,
		opts...,
	)
}

// ApplyConfigDiff applies a hot-reloaded config change. Detection and cadence
// changes take effect on the next session; only the log level switches
// immediately.
func (a *App) ApplyConfigDiff(diff config.Diff, newCfg *config.Config) {
	if diff.LogLevelChanged {
		slog.Info("log level change requires handler swap in main", "new_level", diff.NewLogLevel)
	}
	if diff.VADChanged || diff.CaptureChanged {
		a.mu.Lock()
		a.cfg.VAD = newCfg.VAD
		a.cfg.Capture = newCfg.Capture
		a.mu.Unlock()
		slog.Info("detection tuning updated; applies to the next conversation session")
	}
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.recon.Stop(); err != nil {
			slog.Warn("channel close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
