// Package orphan implements the watchdog that detects utterances stuck in
// non-terminal states because an end-of-speech or final event was missed,
// and forces them through recovery. It also arbitrates late partials that
// arrive after an utterance was already finalized.
package orphan

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/livecap/livecap/internal/clock"
	"github.com/livecap/livecap/internal/transcript"
)

// WorkerConfig holds tuning and dependencies for a [Worker].
type WorkerConfig struct {
	// FSM is the transcript state machine the worker watches over.
	FSM *transcript.FSM

	// ScanInterval is the cadence of [Worker.Run]. Default: 5s.
	ScanInterval time.Duration

	// AwaitingFinalTimeout force-finalizes utterances stuck in
	// AWAITING_FINAL. Default: 10s.
	AwaitingFinalTimeout time.Duration

	// StaleTimeout recovers utterances with no activity regardless of
	// state. Default: 30s.
	StaleTimeout time.Duration

	// MaxRecoveryAttempts caps automatic recovery per utterance; beyond
	// it the utterance is only surfaced through counters. Default: 3.
	MaxRecoveryAttempts int

	// LatePartialGrace is the window after finalization during which a
	// late partial may still update the final text. Default: 2s.
	LatePartialGrace time.Duration

	// LatePartialMax caps accepted late partials per utterance.
	// Default: 3.
	LatePartialMax int

	// Clock supplies time. Default: the system clock.
	Clock clock.Clock
}

// Stats reports watchdog counters for telemetry.
type Stats struct {
	OrphansDetected   uint64
	ForcedFinals      uint64
	ForcedEndOfSpeech uint64
	Aborted           uint64
	AttemptsExceeded  uint64
}

// Worker periodically scans tracked utterances for orphans and forces
// recovery. All methods are safe for concurrent use.
//
// Worker implements [transcript.LateArbiter].
type Worker struct {
	mu sync.Mutex

	cfg WorkerConfig
	clk clock.Clock

	attempts map[string]int
	stats    Stats
}

// NewWorker creates the watchdog. Zero-value config fields are replaced
// with defaults.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.AwaitingFinalTimeout <= 0 {
		cfg.AwaitingFinalTimeout = 10 * time.Second
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 30 * time.Second
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = 3
	}
	if cfg.LatePartialGrace <= 0 {
		cfg.LatePartialGrace = 2 * time.Second
	}
	if cfg.LatePartialMax <= 0 {
		cfg.LatePartialMax = 3
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Worker{
		cfg:      cfg,
		clk:      clk,
		attempts: make(map[string]int),
	}
}

// Run executes the periodic scan until ctx is done. Scans tolerate being
// delayed or skipped; nothing depends on exact cadence.
func (w *Worker) Run(ctx context.Context) {
	t := w.clk.NewTicker(w.cfg.ScanInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			w.Scan()
		}
	}
}

// Scan examines every tracked utterance once and recovers those that are
// stuck. It returns the number of recovery actions taken.
func (w *Worker) Scan() int {
	now := w.clk.Now()
	recovered := 0

	for _, u := range w.cfg.FSM.Snapshot() {
		if u.State.Terminal() {
			continue
		}

		stuckAwaiting := u.State == transcript.StateAwaitingFinal &&
			now.Sub(u.StateTimes[transcript.StateAwaitingFinal]) >= w.cfg.AwaitingFinalTimeout
		stale := now.Sub(u.UpdatedAt) >= w.cfg.StaleTimeout

		if !stuckAwaiting && !stale {
			continue
		}

		if !w.allowAttempt(u.ID) {
			continue
		}
		w.recover(u)
		recovered++
	}

	w.releaseSettledAttempts()
	return recovered
}

// releaseSettledAttempts drops attempt counters for utterances that are
// terminal or no longer tracked, so the map stays bounded by the live
// utterance population.
func (w *Worker) releaseSettledAttempts() {
	live := make(map[string]struct{})
	for _, u := range w.cfg.FSM.Snapshot() {
		if !u.State.Terminal() {
			live[u.ID] = struct{}{}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.attempts {
		if _, ok := live[id]; !ok {
			delete(w.attempts, id)
		}
	}
}

// ArbitrateLatePartial implements [transcript.LateArbiter]: a late partial
// is accepted only within the grace window after finalization and only up
// to the per-utterance count budget.
func (w *Worker) ArbitrateLatePartial(u transcript.Utterance, _ string, _ float64) (bool, string) {
	now := w.clk.Now()
	if u.FinalizedAt.IsZero() || now.Sub(u.FinalizedAt) > w.cfg.LatePartialGrace {
		return false, "grace-expired"
	}
	if u.LatePartials >= w.cfg.LatePartialMax {
		return false, "count-exceeded"
	}
	return true, ""
}

// Stats returns a snapshot of the watchdog counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// ── internals ────────────────────────────────────────────────────────────────

// allowAttempt bumps the per-utterance attempt counter and reports whether
// the cap still permits automatic recovery.
func (w *Worker) allowAttempt(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.attempts[id] >= w.cfg.MaxRecoveryAttempts {
		w.stats.AttemptsExceeded++
		return false
	}
	w.attempts[id]++
	w.stats.OrphansDetected++
	return true
}

// recover applies the per-state recovery action.
func (w *Worker) recover(u transcript.Utterance) {
	switch u.State {
	case transcript.StateAwaitingFinal:
		// The final never arrived; promote the last draft to final text.
		if w.cfg.FSM.RecoverUtterance(u.ID, u.TextDraft, u.Confidence) {
			w.cfg.FSM.ApplyFinal(u.ID, u.TextDraft, u.Confidence)
			w.count(func(s *Stats) { s.ForcedFinals++ })
			slog.Info("orphan: force-finalized stuck utterance",
				"utterance_id", u.ID,
				"session_id", u.SessionID,
			)
		}
	case transcript.StateStreamingActive:
		// Stream went quiet mid-utterance; force end-of-speech so the
		// awaiting-final path (and its timeout) takes over.
		if w.cfg.FSM.MarkEndOfSpeech(u.ID) {
			w.count(func(s *Stats) { s.ForcedEndOfSpeech++ })
			slog.Info("orphan: forced end-of-speech on stale utterance",
				"utterance_id", u.ID,
				"session_id", u.SessionID,
			)
		}
	default:
		// Nothing worth salvaging (e.g. PENDING_PARTIAL with no text).
		w.cfg.FSM.AbortUtterance(u.ID, "orphaned")
		w.cfg.FSM.Untrack(u.ID)
		w.forget(u.ID)
		w.count(func(s *Stats) { s.Aborted++ })
		slog.Info("orphan: aborted unrecoverable utterance",
			"utterance_id", u.ID,
			"session_id", u.SessionID,
			"state", u.State,
		)
	}
}

func (w *Worker) count(fn func(*Stats)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(&w.stats)
}

func (w *Worker) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, id)
}
