package event

import "time"

// SessionCreated is emitted when a new session record is registered in the
// INACTIVE state.
type SessionCreated struct {
	SessionID string
	At        time.Time
}

func (SessionCreated) Name() string { return "session:created" }

// SessionStarted is emitted on INACTIVE/STARTING → ACTIVE.
type SessionStarted struct {
	SessionID string
	At        time.Time
}

func (SessionStarted) Name() string { return "session:started" }

// SessionPaused is emitted on ACTIVE → PAUSED.
type SessionPaused struct {
	SessionID string
	At        time.Time
}

func (SessionPaused) Name() string { return "session:paused" }

// SessionResumed is emitted on PAUSED → ACTIVE.
type SessionResumed struct {
	SessionID string
	At        time.Time
}

func (SessionResumed) Name() string { return "session:resumed" }

// SessionStopped is emitted on → STOPPED, after remaining members have
// been accounted for.
type SessionStopped struct {
	SessionID string

	// OrphanedTranscripts is the number of member utterances that were
	// still unfinished when the session stopped.
	OrphanedTranscripts int
	At                  time.Time
}

func (SessionStopped) Name() string { return "session:stopped" }

// SessionError is emitted when a session enters the ERROR state.
type SessionError struct {
	SessionID string
	Err       string
	At        time.Time
}

func (SessionError) Name() string { return "session:error" }

// SessionBoundary is emitted when a boundary transition hands off from one
// session to its successor.
type SessionBoundary struct {
	FromSessionID string
	ToSessionID   string
	Trigger       string
	At            time.Time
}

func (SessionBoundary) Name() string { return "session:boundary" }

// SessionTranscriptAdded is emitted when an utterance joins a session's
// membership set.
type SessionTranscriptAdded struct {
	SessionID   string
	UtteranceID string
}

func (SessionTranscriptAdded) Name() string { return "session:transcript_added" }

// SessionTranscriptCompleted is emitted when a member utterance finishes
// and leaves the active set.
type SessionTranscriptCompleted struct {
	SessionID   string
	UtteranceID string
}

func (SessionTranscriptCompleted) Name() string { return "session:transcript_completed" }

// SessionTranscriptOrphaned is emitted once per member utterance that was
// still unfinished when its session stopped or disappeared.
type SessionTranscriptOrphaned struct {
	SessionID   string
	UtteranceID string
	Reason      string
}

func (SessionTranscriptOrphaned) Name() string { return "session:transcript_orphaned" }
