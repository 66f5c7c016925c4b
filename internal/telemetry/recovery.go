package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/livecap/livecap/internal/event"
)

// Strategy is a recovery plan for a failed session.
type Strategy string

const (
	// StrategyResumeExisting restores the failed session to ACTIVE. Chosen
	// when its latest checkpoint is fresh and shows clean in-progress work.
	StrategyResumeExisting Strategy = "resume-existing"

	// StrategyCreateNew abandons the failed session and starts a fresh
	// one. Chosen when the checkpoint is stale or shows no work worth
	// resuming.
	StrategyCreateNew Strategy = "create-new"

	// StrategySelectiveRecovery restores the session but flags that some
	// member utterances were orphaned and need the watchdog's attention.
	StrategySelectiveRecovery Strategy = "selective-recovery"

	// StrategyMergeSessions replaces several concurrently failed sessions
	// with a single fresh one.
	StrategyMergeSessions Strategy = "merge-sessions"

	// StrategyCompleteRestart is the fallback when no checkpoint exists:
	// nothing is known about the failed session, start over.
	StrategyCompleteRestart Strategy = "complete-restart"
)

// Analyze picks a recovery strategy for the failed session from its latest
// checkpoint. The decision is deterministic:
//
//   - no checkpoint                         → complete-restart
//   - several failed sessions outstanding   → merge-sessions
//   - checkpoint older than CheckpointMaxAge → create-new
//   - fresh checkpoint, orphaned members     → selective-recovery
//   - fresh checkpoint, active members       → resume-existing
//   - fresh checkpoint, nothing in progress  → create-new
func (t *Telemetry) Analyze(sessionID string) Strategy {
	t.mu.Lock()
	pendingFailed := len(t.failed)
	t.mu.Unlock()

	cp, ok := t.cfg.Sessions.LatestCheckpoint(sessionID)
	if !ok {
		return StrategyCompleteRestart
	}
	if pendingFailed > 1 {
		return StrategyMergeSessions
	}
	if t.clk.Now().Sub(cp.At) > t.cfg.CheckpointMaxAge {
		return StrategyCreateNew
	}
	if cp.OrphanedTranscripts > 0 {
		return StrategySelectiveRecovery
	}
	if cp.ActiveTranscripts > 0 {
		return StrategyResumeExisting
	}
	return StrategyCreateNew
}

// Execute runs the given strategy for the failed session. It returns the
// replacement session id when the strategy produced one, and publishes a
// recovery event either way.
func (t *Telemetry) Execute(ctx context.Context, sessionID string, strategy Strategy) (newSessionID string, err error) {
	err = t.breaker.Execute(func() error {
		switch strategy {
		case StrategyResumeExisting, StrategySelectiveRecovery:
			return t.cfg.Sessions.RestoreSession(sessionID)

		case StrategyCreateNew, StrategyMergeSessions, StrategyCompleteRestart:
			var rerr error
			newSessionID, rerr = t.replaceSession(ctx, sessionID)
			return rerr

		default:
			return fmt.Errorf("telemetry: unknown recovery strategy %q", strategy)
		}
	})

	t.mu.Lock()
	if err == nil {
		delete(t.failed, sessionID)
	}
	t.mu.Unlock()

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	t.publish(event.RecoveryExecuted{
		SessionID:    sessionID,
		Strategy:     string(strategy),
		Success:      err == nil,
		Err:          errMsg,
		NewSessionID: newSessionID,
	})
	if t.cfg.Metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		t.cfg.Metrics.RecordRecovery(ctx, string(strategy), status)
	}

	if err != nil {
		t.log.Error("recovery failed",
			"session_id", sessionID,
			"strategy", strategy,
			"err", err,
		)
		return "", err
	}
	t.log.Info("recovery executed",
		"session_id", sessionID,
		"strategy", strategy,
		"new_session_id", newSessionID,
	)
	return newSessionID, nil
}

// RecoverFailedSessions analyzes and executes recovery for every session
// seen entering ERROR since the last sweep. Sessions whose recovery fails
// stay in the failed set and are retried on the next sweep.
func (t *Telemetry) RecoverFailedSessions(ctx context.Context) {
	if t.cfg.Sessions == nil {
		return
	}

	t.mu.Lock()
	ids := make([]string, 0, len(t.failed))
	for id := range t.failed {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		strategy := t.Analyze(id)
		if _, err := t.Execute(ctx, id, strategy); err != nil {
			continue
		}
		// merge-sessions consumes the whole failed set: one replacement
		// covers all of them.
		if strategy == StrategyMergeSessions {
			t.mu.Lock()
			t.failed = make(map[string]time.Time)
			t.mu.Unlock()
			return
		}
	}
}

// replaceSession creates and starts a fresh session to stand in for the
// failed one.
func (t *Telemetry) replaceSession(ctx context.Context, failedID string) (string, error) {
	id, err := t.cfg.Sessions.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("telemetry: replace session %s: %w", failedID, err)
	}
	if err := t.cfg.Sessions.StartSession(id); err != nil {
		return "", fmt.Errorf("telemetry: start replacement for %s: %w", failedID, err)
	}
	return id, nil
}

// FailedSessions returns the ids currently awaiting recovery. Intended for
// diagnostics and tests.
func (t *Telemetry) FailedSessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.failed))
	for id := range t.failed {
		out = append(out, id)
	}
	return out
}
