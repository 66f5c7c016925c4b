// Package app wires all livecap subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the background loops and the HTTP endpoint,
// and Shutdown tears everything down in order.
//
// For testing, inject a fake clock or a pre-built bus via functional
// options. When an option is not provided, New creates real
// implementations from the config.
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
	"golang.org/x/sync/errgroup"

	"github.com/livecap/livecap/internal/boundary"
	"github.com/livecap/livecap/internal/clock"
	"github.com/livecap/livecap/internal/config"
	"github.com/livecap/livecap/internal/event"
	"github.com/livecap/livecap/internal/health"
	"github.com/livecap/livecap/internal/ident"
	"github.com/livecap/livecap/internal/observe"
	"github.com/livecap/livecap/internal/orphan"
	"github.com/livecap/livecap/internal/session"
	"github.com/livecap/livecap/internal/telemetry"
	"github.com/livecap/livecap/internal/transcript"
)

// App owns all subsystem lifetimes and orchestrates the coordination core.
type App struct {
	cfg *config.Config
	clk clock.Clock

	Bus        *event.Bus
	Generator  *ident.Generator
	Safeguards *ident.Safeguards
	FSM        *transcript.FSM
	Watchdog   *orphan.Worker
	Sessions   *session.Manager
	Detector   *boundary.Detector
	Telemetry  *telemetry.Telemetry

	metrics *observe.Metrics
	httpSrv *http.Server

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithClock injects a clock instead of the system clock. All subsystems
// share it, so a fake clock drives every sweep.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clk = c }
}

// WithBus injects a pre-built event bus, letting tests subscribe before
// any subsystem publishes.
func WithBus(b *event.Bus) Option {
	return func(a *App) { a.Bus = b }
}

// WithMetrics injects the OTel instruments. When absent, New falls back to
// [observe.DefaultMetrics], whose instruments are no-ops until a meter
// provider is installed globally.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together: identifier
// generation and safeguards, the utterance state machine, the orphan
// watchdog, the session manager, the boundary detector and the telemetry
// layer. Construction is synchronous and side-effect free apart from bus
// subscription; nothing runs until [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}

	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.clk == nil {
		a.clk = clock.NewSystem()
	}
	if a.Bus == nil {
		a.Bus = event.NewBus(cfg.Events.MaxSubscribers)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Safeguards registry ───────────────────────────────────────────
	a.Safeguards = ident.NewSafeguards(ident.SafeguardsConfig{
		ExpirationTime: cfg.Ident.ExpirationTime.Std(),
		MaxUsageCount:  cfg.Ident.MaxUsageCount,
		MaxOrphanAge:   cfg.Ident.MaxOrphanAge.Std(),
		SweepInterval:  cfg.Ident.SweepInterval.Std(),
		Bus:            a.Bus,
		Clock:          a.clk,
	})

	// ── 2. Generator, probing the registry for collisions ────────────────
	a.Generator = ident.NewGenerator(ident.GeneratorConfig{
		CollisionRetries: cfg.Ident.CollisionRetries,
		CacheSize:        cfg.Ident.CacheSize,
		CacheTTL:         cfg.Ident.CacheTTL.Std(),
		OfflinePoolSize:  cfg.Ident.OfflinePoolSize,
		SyncInterval:     cfg.Ident.SyncInterval.Std(),
		SyncBatchSize:    cfg.Ident.SyncBatchSize,
		CollisionProbe:   a.Safeguards.IsRegisteredActive,
		Clock:            a.clk,
	})

	// ── 3. Session manager ───────────────────────────────────────────────
	a.Sessions = session.NewManager(session.ManagerConfig{
		Generator:           a.Generator,
		Safeguards:          a.Safeguards,
		MaxConcurrentActive: cfg.Session.MaxConcurrentActive,
		CheckpointHistory:   cfg.Session.CheckpointHistory,
		CreateRetries:       cfg.Session.CreateRetries,
		CreateBackoff:       cfg.Session.CreateBackoff.Std(),
		Bus:                 a.Bus,
		Clock:               a.clk,
	})

	// ── 4. Utterance state machine, minting ids through the manager ──────
	a.FSM = transcript.NewFSM(transcript.FSMConfig{
		NewID:           a.Sessions.NewUtteranceID,
		RetentionWindow: cfg.Transcript.RetentionWindow.Std(),
		MaxUtterances:   cfg.Transcript.MaxUtterances,
		SweepInterval:   cfg.Transcript.SweepInterval.Std(),
		Bus:             a.Bus,
		Clock:           a.clk,
	})

	// ── 5. Orphan watchdog, arbitrating late partials for the FSM ────────
	a.Watchdog = orphan.NewWorker(orphan.WorkerConfig{
		FSM:                  a.FSM,
		ScanInterval:         cfg.Orphan.ScanInterval.Std(),
		AwaitingFinalTimeout: cfg.Orphan.AwaitingFinalTimeout.Std(),
		StaleTimeout:         cfg.Orphan.StaleTimeout.Std(),
		MaxRecoveryAttempts:  cfg.Orphan.MaxRecoveryAttempts,
		LatePartialGrace:     cfg.Transcript.LatePartialGrace.Std(),
		LatePartialMax:       cfg.Transcript.LatePartialMax,
		Clock:                a.clk,
	})
	a.FSM.SetLateArbiter(a.Watchdog)

	// ── 6. Boundary detector ─────────────────────────────────────────────
	a.Detector = boundary.NewDetector(boundary.DetectorConfig{
		Sessions:             a.Sessions,
		FSM:                  a.FSM,
		Generator:            a.Generator,
		SilenceThreshold:     cfg.Boundary.SilenceThreshold.Std(),
		StabilizationWindow:  cfg.Boundary.StabilizationWindow.Std(),
		MaxTransitionTime:    cfg.Boundary.MaxTransitionTime.Std(),
		ConfidenceThreshold:  cfg.Boundary.ConfidenceThreshold,
		ErrorRecoveryDelay:   cfg.Boundary.ErrorRecoveryDelay.Std(),
		SessionMaxAge:        cfg.Boundary.SessionMaxAge.Std(),
		SessionMaxIdle:       cfg.Boundary.SessionMaxIdle.Std(),
		TimeoutCheckInterval: cfg.Boundary.TimeoutCheckInterval.Std(),
		UserActions:          cfg.Boundary.UserActions,
		ConnectionEvents:     cfg.Boundary.ConnectionEvents,
		Bus:                  a.Bus,
		Clock:                a.clk,
	})

	// ── 7. Telemetry and recovery ────────────────────────────────────────
	a.Telemetry = telemetry.New(telemetry.Config{
		Sessions:         a.Sessions,
		Bus:              a.Bus,
		HealthInterval:   cfg.Telemetry.HealthInterval.Std(),
		HealthThreshold:  cfg.Telemetry.HealthThreshold,
		EventLogWindow:   cfg.Telemetry.EventLogWindow.Std(),
		EventLogMax:      cfg.Telemetry.EventLogMax,
		CheckpointMaxAge: cfg.Telemetry.CheckpointMaxAge.Std(),
		Metrics:          a.metrics,
		Clock:            a.clk,
	})

	// ── 8. HTTP endpoint: metrics + health ───────────────────────────────
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		h := health.New(
			health.ScoreCheck(a.Telemetry.HealthScore, cfg.Telemetry.HealthThreshold),
			health.ActiveSessionCheck(a.Sessions.ActiveSessions),
		).WithStatus(func() any { return a.Telemetry.Snapshot() })
		h.Register(mux)
		a.httpSrv = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return a, nil
}

// Bootstrap creates and starts the first session and points the detector
// at it. Called once after New, before Run.
func (a *App) Bootstrap(ctx context.Context) (sessionID string, err error) {
	id, err := a.Sessions.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("app: bootstrap session: %w", err)
	}
	if err := a.Sessions.StartSession(id); err != nil {
		return "", fmt.Errorf("app: start bootstrap session: %w", err)
	}
	a.Detector.SetCurrentSession(id)
	slog.Info("bootstrap session started", "session_id", id)
	return id, nil
}

// Run executes every background loop until ctx is cancelled: the
// safeguards sweep, the generator sync loop, the retention sweep, the
// orphan scan, the timeout check, the telemetry cadence and the HTTP
// endpoint. It blocks until all of them have stopped.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { a.Safeguards.Run(ctx); return nil })
	g.Go(func() error { a.Generator.Run(ctx); return nil })
	g.Go(func() error { a.FSM.Run(ctx); return nil })
	g.Go(func() error { a.Watchdog.Run(ctx); return nil })
	g.Go(func() error { a.Detector.Run(ctx); return nil })
	g.Go(func() error {
		err := a.Telemetry.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if a.httpSrv != nil {
		g.Go(func() error {
			slog.Info("http endpoint listening", "addr", a.httpSrv.Addr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.httpSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Shutdown detaches subscribers and closes what Run didn't already stop.
// Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.Telemetry.Close()
		if a.httpSrv != nil {
			if e := a.httpSrv.Shutdown(ctx); e != nil && !errors.Is(e, http.ErrServerClosed) {
				err = e
			}
		}
	})
	return err
}
