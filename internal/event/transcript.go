package event

import "time"

// TranscriptTransition is emitted after every successful utterance state
// change, including the idempotent STREAMING_ACTIVE self-transition.
type TranscriptTransition struct {
	UtteranceID string
	SessionID   string
	From        string
	To          string
	Sequence    uint64
	At          time.Time
}

func (TranscriptTransition) Name() string { return "fsm.transition" }

// TranscriptTransitionRejected is emitted when an attempted transition is
// not present in the allowed-transition table. The utterance state is
// unchanged when this event fires.
type TranscriptTransitionRejected struct {
	UtteranceID string
	SessionID   string
	From        string
	To          string

	// Reason is one of "same-state-noop", "finalized-immutable",
	// "invalid-transition" or "unknown-utterance".
	Reason string
}

func (TranscriptTransitionRejected) Name() string { return "fsm.transition.rejected" }

// TranscriptPartialAppended is emitted when a partial result replaces the
// draft text of a live utterance.
type TranscriptPartialAppended struct {
	UtteranceID string
	SessionID   string
	Text        string
	Confidence  float64
	Sequence    uint64
}

func (TranscriptPartialAppended) Name() string { return "fsm.partial.append" }

// TranscriptLatePartialIgnored is emitted when a partial arrives for an
// utterance that is already terminal and falls outside the late-partial
// grace window or count budget.
type TranscriptLatePartialIgnored struct {
	UtteranceID string
	SessionID   string
	Text        string

	// Reason is "grace-expired", "count-exceeded" or "terminal".
	Reason string
}

func (TranscriptLatePartialIgnored) Name() string { return "fsm.partial.late_ignored" }

// TranscriptError is emitted for internal FSM faults that are surfaced to
// the caller, such as failing to mint an utterance identifier.
type TranscriptError struct {
	UtteranceID string
	SessionID   string
	Err         string
}

func (TranscriptError) Name() string { return "fsm.error" }
