package event

import "time"

// BoundaryDetected is emitted when a trigger fires and a candidate session
// boundary enters its stabilization window.
type BoundaryDetected struct {
	BoundaryID string
	SessionID  string
	Trigger    string
	Confidence float64
	At         time.Time
}

func (BoundaryDetected) Name() string { return "boundary:detected" }

// BoundaryConfirmed is emitted when a detected boundary survives the
// stabilization window and re-validation, immediately before the
// transition starts.
type BoundaryConfirmed struct {
	BoundaryID    string
	SessionID     string
	NextSessionID string
	Trigger       string
	Confidence    float64
}

func (BoundaryConfirmed) Name() string { return "boundary:confirmed" }

// BoundaryRejected is emitted when a detected boundary fails confirmation;
// the detector returns to idle without transitioning.
type BoundaryRejected struct {
	BoundaryID string
	SessionID  string
	Trigger    string

	// Reason is "low-confidence", "session-not-active",
	// "critical-inflight", "superseded" or "detector-busy".
	Reason string
}

func (BoundaryRejected) Name() string { return "boundary:rejected" }

// TransitionStarted is emitted when a confirmed boundary begins draining
// and handing off.
type TransitionStarted struct {
	BoundaryID    string
	FromSessionID string
	ToSessionID   string
}

func (TransitionStarted) Name() string { return "transition:started" }

// TransitionCompleted is emitted after the drain finished, the old session
// stopped and the successor (if any) started.
type TransitionCompleted struct {
	BoundaryID    string
	FromSessionID string
	ToSessionID   string
	Duration      time.Duration
	Processed     int
	Expired       int
}

func (TransitionCompleted) Name() string { return "transition:completed" }

// TransitionFailed is emitted when any step of the transition sequence
// fails; the detector parks in its error state and auto-recovers.
type TransitionFailed struct {
	BoundaryID    string
	FromSessionID string
	Err           string
}

func (TransitionFailed) Name() string { return "transition:failed" }

// InflightDetected is emitted for each in-flight data item captured at the
// moment a boundary is detected.
type InflightDetected struct {
	ItemID    string
	ItemType  string
	SessionID string
	Priority  string
}

func (InflightDetected) Name() string { return "inflight:detected" }

// InflightProcessed is emitted when a captured item is successfully
// drained by its type handler.
type InflightProcessed struct {
	ItemID   string
	ItemType string

	// Outcome describes what the drain handler did, e.g. "finalized",
	// "flushed", "transferred", "acknowledged".
	Outcome string
}

func (InflightProcessed) Name() string { return "inflight:processed" }

// InflightExpired is emitted when a captured item passed its deadline and
// was marked expired instead of processed. No item is ever silently
// dropped: every captured item ends in exactly one of processed/expired.
type InflightExpired struct {
	ItemID   string
	ItemType string
}

func (InflightExpired) Name() string { return "inflight:expired" }
