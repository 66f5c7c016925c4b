package event

import "time"

// HealthDegraded is emitted when the periodically recomputed health score
// drops below the degradation threshold.
type HealthDegraded struct {
	Score     float64
	Threshold float64
	At        time.Time
}

func (HealthDegraded) Name() string { return "telemetry:health_degraded" }

// RecoveryExecuted is emitted after a recovery strategy ran for a failed
// session, whether or not it succeeded.
type RecoveryExecuted struct {
	SessionID string

	// Strategy is the executed plan: "resume-existing", "create-new",
	// "selective-recovery", "merge-sessions" or "complete-restart".
	Strategy string
	Success  bool
	Err      string

	// NewSessionID is set when the strategy produced a replacement session.
	NewSessionID string
}

func (RecoveryExecuted) Name() string { return "telemetry:recovery_executed" }
