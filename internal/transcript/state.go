// Package transcript implements the per-utterance finite state machine
// that turns a stream of partial and final transcription results into
// deterministic utterance lifecycles.
//
// Every attempted transition is validated against an explicit allowed
// table before any mutation. Invalid attempts never raise and never
// partially mutate — they are recorded and emitted as rejection events,
// which is also how late partials arriving after finalization are
// detected.
package transcript

// State is the lifecycle state of one utterance.
type State string

const (
	// StatePendingPartial is the initial state before any partial arrives.
	StatePendingPartial State = "PENDING_PARTIAL"

	// StateStreamingActive means partial results are flowing.
	StateStreamingActive State = "STREAMING_ACTIVE"

	// StateAwaitingFinal means end-of-speech was observed and the final
	// result is pending.
	StateAwaitingFinal State = "AWAITING_FINAL"

	// StateRecovered means the orphan watchdog intervened; the utterance
	// still finalizes normally from here.
	StateRecovered State = "RECOVERED"

	// StateFinalized is terminal: the final text is set and immutable.
	StateFinalized State = "FINALIZED"

	// StateAborted is terminal: the utterance was abandoned.
	StateAborted State = "ABORTED"
)

// Terminal reports whether s accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateAborted
}

// transition is one (from, to) pair in the allowed-transition table.
type transition struct {
	from State
	to   State
}

// allowedTransitions is the complete transition table. The
// STREAMING_ACTIVE self-loop is the only permitted same-state transition
// (idempotent partial growth). PENDING_PARTIAL → FINALIZED is a deliberate
// entry: providers occasionally emit only a final result for very short
// utterances, and rejecting it would orphan real speech.
var allowedTransitions = map[transition]bool{
	{StatePendingPartial, StateStreamingActive}: true,
	{StatePendingPartial, StateFinalized}:       true,
	{StatePendingPartial, StateAborted}:         true,

	{StateStreamingActive, StateStreamingActive}: true,
	{StateStreamingActive, StateAwaitingFinal}:   true,
	{StateStreamingActive, StateFinalized}:       true,
	{StateStreamingActive, StateRecovered}:       true,
	{StateStreamingActive, StateAborted}:         true,

	{StateAwaitingFinal, StateFinalized}: true,
	{StateAwaitingFinal, StateRecovered}: true,
	{StateAwaitingFinal, StateAborted}:   true,

	{StateRecovered, StateFinalized}: true,
	{StateRecovered, StateAborted}:   true,
}

// CanTransition reports whether from → to is in the allowed table.
func CanTransition(from, to State) bool {
	return allowedTransitions[transition{from, to}]
}

// RejectReason classifies why an attempted transition was refused.
type RejectReason string

const (
	// RejectSameStateNoop is a same-state attempt other than the
	// STREAMING_ACTIVE self-loop.
	RejectSameStateNoop RejectReason = "same-state-noop"

	// RejectFinalizedImmutable is any attempt to move out of a terminal
	// state.
	RejectFinalizedImmutable RejectReason = "finalized-immutable"

	// RejectInvalidTransition is a (from, to) pair absent from the table.
	RejectInvalidTransition RejectReason = "invalid-transition"

	// RejectUnknownUtterance is an operation on an untracked id.
	RejectUnknownUtterance RejectReason = "unknown-utterance"
)

// classifyRejection picks the reason reported for a refused from → to
// attempt.
func classifyRejection(from, to State) RejectReason {
	switch {
	case from.Terminal():
		return RejectFinalizedImmutable
	case from == to:
		return RejectSameStateNoop
	default:
		return RejectInvalidTransition
	}
}
