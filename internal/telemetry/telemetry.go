// Package telemetry aggregates the event stream of the livecap core into
// live analytics, recomputes a process health score on a fixed cadence,
// and analyzes and executes recovery strategies for sessions that ended up
// in the ERROR state.
//
// The package is an event sink: it subscribes to the shared bus, keeps a
// bounded recent-event log, and counts everything worth counting. It never
// blocks a publisher.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/livecap/livecap/internal/clock"
	"github.com/livecap/livecap/internal/event"
	"github.com/livecap/livecap/internal/observe"
	"github.com/livecap/livecap/internal/resilience"
	"github.com/livecap/livecap/internal/session"
)

// LogEntry is one retained event from the bus.
type LogEntry struct {
	Name string
	At   time.Time
	Ev   event.Event
}

// Analytics is a snapshot of the aggregated counters. All counts are
// process-lifetime totals; HealthScore reflects the most recent
// recomputation over the retained event window.
type Analytics struct {
	Transitions          int
	TransitionRejections int
	LatePartialsIgnored  int

	IDCollisions int
	IDReuses     int
	IDMismatches int
	IDExpired    int

	OrphansDetected int
	OrphansCleaned  int

	SessionsCreated int
	SessionsStopped int
	SessionErrors   int

	BoundariesDetected  int
	BoundariesConfirmed int
	BoundariesRejected  int

	TransitionsCompleted int
	TransitionsFailed    int
	InflightProcessed    int
	InflightExpired      int

	RecoveriesExecuted int
	RecoveriesFailed   int

	HealthScore float64
}

// Config holds tuning and dependencies for [Telemetry].
type Config struct {
	// Sessions is consulted for checkpoints during recovery analysis and
	// drives recovery execution. Required for recovery; analytics work
	// without it.
	Sessions *session.Manager

	// Bus is the event source. Required.
	Bus *event.Bus

	// HealthInterval is the cadence of health recomputation and the
	// auto-recovery sweep. Default: 30s.
	HealthInterval time.Duration

	// HealthThreshold emits a degraded-health event when the score drops
	// below it. Default: 0.5.
	HealthThreshold float64

	// EventLogWindow bounds the retained event log by age. Default: 15m.
	EventLogWindow time.Duration

	// EventLogMax bounds the retained event log by count. Default: 5000.
	EventLogMax int

	// CheckpointMaxAge is the oldest a checkpoint may be and still make
	// its session worth resuming. Default: 5m.
	CheckpointMaxAge time.Duration

	// Metrics mirrors the counters into OTel instruments. May be nil.
	Metrics *observe.Metrics

	// Clock supplies time. Default: the system clock.
	Clock clock.Clock
}

// Telemetry is the recovery and analytics layer.
// All methods are safe for concurrent use.
type Telemetry struct {
	mu sync.Mutex

	cfg Config
	clk clock.Clock
	log *slog.Logger

	entries []LogEntry
	stats   Analytics
	health  float64

	// failed holds sessions seen entering ERROR and not yet recovered.
	failed map[string]time.Time

	// breaker trips when recovery execution keeps failing, so a broken
	// session manager is not hammered on every sweep.
	breaker *resilience.CircuitBreaker

	unsubscribe func()
}

// New creates the telemetry layer and subscribes it to the bus.
// Zero-value config fields are replaced with defaults.
func New(cfg Config) *Telemetry {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.HealthThreshold <= 0 {
		cfg.HealthThreshold = 0.5
	}
	if cfg.EventLogWindow <= 0 {
		cfg.EventLogWindow = 15 * time.Minute
	}
	if cfg.EventLogMax <= 0 {
		cfg.EventLogMax = 5000
	}
	if cfg.CheckpointMaxAge <= 0 {
		cfg.CheckpointMaxAge = 5 * time.Minute
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}

	t := &Telemetry{
		cfg:    cfg,
		clk:    clk,
		log:    slog.Default().With("component", "telemetry"),
		health: 1.0,
		failed: make(map[string]time.Time),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "recovery",
			MaxFailures:  3,
			ResetTimeout: 2 * cfg.HealthInterval,
			Clock:        clk,
		}),
	}
	t.stats.HealthScore = 1.0
	if cfg.Bus != nil {
		t.unsubscribe = cfg.Bus.Subscribe(t.observe)
	}
	return t
}

// Close detaches the telemetry layer from the bus.
func (t *Telemetry) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

// observe is the bus handler. It runs on the publisher's goroutine and
// must stay cheap: count, append, return.
func (t *Telemetry) observe(e event.Event) {
	now := t.clk.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev := e.(type) {
	case event.TranscriptTransition:
		t.stats.Transitions++
	case event.TranscriptTransitionRejected:
		t.stats.TransitionRejections++
	case event.TranscriptLatePartialIgnored:
		t.stats.LatePartialsIgnored++

	case event.IDCollision:
		t.stats.IDCollisions++
	case event.IDReuse:
		t.stats.IDReuses++
	case event.IDMismatch:
		t.stats.IDMismatches++
	case event.IDExpired:
		t.stats.IDExpired++

	case event.OrphanDetected:
		t.stats.OrphansDetected++
	case event.OrphanCleaned:
		t.stats.OrphansCleaned++

	case event.SessionCreated:
		t.stats.SessionsCreated++
	case event.SessionStopped:
		t.stats.SessionsStopped++
	case event.SessionError:
		t.stats.SessionErrors++
		t.failed[ev.SessionID] = now
	case event.SessionResumed:
		// A restored session is no longer pending recovery.
		delete(t.failed, ev.SessionID)

	case event.BoundaryDetected:
		t.stats.BoundariesDetected++
	case event.BoundaryConfirmed:
		t.stats.BoundariesConfirmed++
	case event.BoundaryRejected:
		t.stats.BoundariesRejected++

	case event.TransitionCompleted:
		t.stats.TransitionsCompleted++
	case event.TransitionFailed:
		t.stats.TransitionsFailed++
	case event.InflightProcessed:
		t.stats.InflightProcessed++
	case event.InflightExpired:
		t.stats.InflightExpired++

	case event.RecoveryExecuted:
		if ev.Success {
			t.stats.RecoveriesExecuted++
		} else {
			t.stats.RecoveriesFailed++
		}
	}

	t.entries = append(t.entries, LogEntry{Name: e.Name(), At: now, Ev: e})
	t.pruneLocked(now)

	if t.cfg.Metrics != nil {
		// Mirroring happens under the lock; OTel instrument adds are
		// cheap and never re-enter the bus.
		t.mirror(e)
	}
}

// mirror records the event into the OTel instruments.
func (t *Telemetry) mirror(e event.Event) {
	m := t.cfg.Metrics
	ctx := context.Background()

	switch ev := e.(type) {
	case event.TranscriptTransition:
		m.Transitions.Add(ctx, 1, metric.WithAttributes(
			observe.Attr("from", ev.From),
			observe.Attr("to", ev.To),
		))
	case event.TranscriptTransitionRejected:
		m.TransitionRejections.Add(ctx, 1, metric.WithAttributes(
			observe.Attr("reason", ev.Reason),
		))
	case event.IDCollision:
		m.IDAnomalies.Add(ctx, 1, metric.WithAttributes(observe.Attr("kind", "collision")))
	case event.IDReuse:
		m.IDAnomalies.Add(ctx, 1, metric.WithAttributes(observe.Attr("kind", "reuse")))
	case event.IDMismatch:
		m.IDAnomalies.Add(ctx, 1, metric.WithAttributes(observe.Attr("kind", "mismatch")))
	case event.IDExpired:
		m.IDAnomalies.Add(ctx, 1, metric.WithAttributes(observe.Attr("kind", "expired")))
	case event.OrphanDetected:
		m.Orphans.Add(ctx, 1, metric.WithAttributes(observe.Attr("reason", ev.Reason)))
	case event.BoundaryConfirmed:
		m.RecordBoundary(ctx, ev.Trigger, "confirmed")
	case event.BoundaryRejected:
		m.RecordBoundary(ctx, ev.Trigger, ev.Reason)
	case event.TransitionCompleted:
		m.TransitionDuration.Record(ctx, ev.Duration.Seconds())
	}
}

// pruneLocked drops log entries past the age window or over the count cap.
// Must be called with t.mu held.
func (t *Telemetry) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.cfg.EventLogWindow)
	i := 0
	for i < len(t.entries) && t.entries[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.entries = append(t.entries[:0], t.entries[i:]...)
	}
	if over := len(t.entries) - t.cfg.EventLogMax; over > 0 {
		t.entries = append(t.entries[:0], t.entries[over:]...)
	}
}

// Snapshot returns a copy of the aggregated analytics.
func (t *Telemetry) Snapshot() Analytics {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.stats
	out.HealthScore = t.health
	return out
}

// RecentEvents returns a copy of the retained event log, oldest first.
func (t *Telemetry) RecentEvents() []LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]LogEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// healthWeights maps failure classes to score penalties. Each class
// saturates: once its recent count reaches the norm, the full weight is
// deducted regardless of how much worse it gets.
var healthWeights = []struct {
	name   string
	weight float64
	norm   int
}{
	{"transition:failed", 0.30, 3},
	{"session:error", 0.25, 3},
	{"id:collision", 0.10, 5},
	{"id:mismatch", 0.10, 5},
	{"orphan:detected", 0.10, 10},
	{"inflight:expired", 0.10, 10},
	{"fsm.transition.rejected", 0.05, 20},
}

// ComputeHealth recomputes the 0–1 health score from the retained event
// window, records it, and returns it. A score of 1 means no failure-class
// events in the window.
func (t *Telemetry) ComputeHealth() float64 {
	t.mu.Lock()
	now := t.clk.Now()
	t.pruneLocked(now)

	counts := make(map[string]int)
	for _, e := range t.entries {
		counts[e.Name]++
	}

	score := 1.0
	for _, w := range healthWeights {
		n := counts[w.name]
		if n <= 0 {
			continue
		}
		frac := float64(n) / float64(w.norm)
		if frac > 1 {
			frac = 1
		}
		score -= w.weight * frac
	}
	if score < 0 {
		score = 0
	}
	t.health = score
	t.stats.HealthScore = score
	t.mu.Unlock()

	if t.cfg.Metrics != nil {
		t.cfg.Metrics.HealthScore.Record(context.Background(), score)
	}
	return score
}

// HealthScore returns the most recently computed score without
// recomputing.
func (t *Telemetry) HealthScore() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.health
}

// Run recomputes health and sweeps failed sessions for recovery on the
// configured cadence until ctx is cancelled.
func (t *Telemetry) Run(ctx context.Context) error {
	ticker := t.clk.NewTicker(t.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			t.Tick(ctx)
		}
	}
}

// Tick performs one health recomputation plus one recovery sweep. Exposed
// so tests can drive the loop without a goroutine.
func (t *Telemetry) Tick(ctx context.Context) {
	score := t.ComputeHealth()
	if score < t.cfg.HealthThreshold {
		t.log.Warn("health degraded", "score", score, "threshold", t.cfg.HealthThreshold)
		t.publish(event.HealthDegraded{
			Score:     score,
			Threshold: t.cfg.HealthThreshold,
			At:        t.clk.Now(),
		})
	}
	t.RecoverFailedSessions(ctx)
}

func (t *Telemetry) publish(e event.Event) {
	if t.cfg.Bus != nil {
		t.cfg.Bus.Publish(e)
	}
}
