package transcript

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livecap/livecap/internal/clock"
	"github.com/livecap/livecap/internal/event"
)

// Utterance is one continuous span of transcribed speech tracked through
// partial → final states. The FSM owns utterances exclusively; other
// components reference them by id and receive copies.
type Utterance struct {
	ID        string
	SessionID string
	State     State

	// TextDraft holds the latest cumulative partial text. Providers send
	// the whole utterance so far, not deltas.
	TextDraft string

	// FinalText is set on finalization and immutable afterwards, except
	// for arbitrated late partials within the grace window.
	FinalText  string
	Confidence float64

	// Sequence counts applied partials, monotonically increasing.
	Sequence uint64

	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinalizedAt  time.Time
	LatePartials int

	// StateTimes records when each state was entered.
	StateTimes map[State]time.Time
}

// LateArbiter decides whether a partial arriving after finalization may
// still update the final text. The orphan watchdog implements this; when
// no arbiter is wired, every late partial is ignored.
type LateArbiter interface {
	// ArbitrateLatePartial returns (true, "") to accept, or (false,
	// reason) to reject with a reason for the ignore event.
	ArbitrateLatePartial(u Utterance, text string, confidence float64) (bool, string)
}

// FSMConfig holds tuning and dependencies for the [FSM].
type FSMConfig struct {
	// NewID mints an utterance identifier under the given session. It is
	// typically wired to the session manager, which consults the
	// generator and safeguards.
	NewID func(sessionID string) (string, error)

	// RetentionWindow is how long terminal utterances are retained before
	// the sweep prunes them. Default: 10m.
	RetentionWindow time.Duration

	// MaxUtterances caps tracked utterances; the oldest are trimmed
	// beyond it. Default: 2000.
	MaxUtterances int

	// SweepInterval is the cadence of [FSM.Run]. Default: 1m.
	SweepInterval time.Duration

	// Bus receives fsm.* events. May be nil.
	Bus *event.Bus

	// Clock supplies time. Default: the system clock.
	Clock clock.Clock
}

// FSM tracks every live utterance and applies the transition table.
// All methods are safe for concurrent use.
type FSM struct {
	mu sync.Mutex

	cfg FSMConfig
	clk clock.Clock

	utterances map[string]*Utterance
	order      []string

	arbiter LateArbiter
}

// NewFSM creates the utterance state machine. Zero-value config fields are
// replaced with defaults.
func NewFSM(cfg FSMConfig) *FSM {
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 10 * time.Minute
	}
	if cfg.MaxUtterances <= 0 {
		cfg.MaxUtterances = 2000
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &FSM{
		cfg:        cfg,
		clk:        clk,
		utterances: make(map[string]*Utterance),
	}
}

// SetLateArbiter wires the late-partial arbiter. Called once during
// process wiring, before events flow.
func (f *FSM) SetLateArbiter(a LateArbiter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arbiter = a
}

// CreateUtterance tracks a new utterance under sessionID, optionally
// applying a first partial in the same call. It returns the new id.
func (f *FSM) CreateUtterance(sessionID, firstPartial string) (string, error) {
	if f.cfg.NewID == nil {
		return "", fmt.Errorf("transcript: no id source configured")
	}
	id, err := f.cfg.NewID(sessionID)
	if err != nil {
		f.publish(event.TranscriptError{SessionID: sessionID, Err: err.Error()})
		return "", fmt.Errorf("transcript: mint utterance id: %w", err)
	}

	f.mu.Lock()
	now := f.clk.Now()
	u := &Utterance{
		ID:         id,
		SessionID:  sessionID,
		State:      StatePendingPartial,
		CreatedAt:  now,
		UpdatedAt:  now,
		StateTimes: map[State]time.Time{StatePendingPartial: now},
	}
	f.utterances[id] = u
	f.order = append(f.order, id)
	f.mu.Unlock()

	if firstPartial != "" {
		f.ApplyPartial(id, firstPartial, 0)
	}
	return id, nil
}

// ApplyPartial applies a cumulative partial result to the utterance. The
// first partial promotes PENDING_PARTIAL → STREAMING_ACTIVE; subsequent
// partials replace the draft through the idempotent self-transition and
// bump the sequence counter.
//
// Partials for terminal utterances are never applied directly: they are
// handed to the late arbiter, and ignored (with an event) when no arbiter
// accepts them. ApplyPartial never raises.
func (f *FSM) ApplyPartial(id, text string, confidence float64) {
	f.mu.Lock()
	u, ok := f.utterances[id]
	if !ok {
		f.mu.Unlock()
		f.publish(event.TranscriptTransitionRejected{
			UtteranceID: id,
			To:          string(StateStreamingActive),
			Reason:      string(RejectUnknownUtterance),
		})
		return
	}

	if u.State.Terminal() {
		snapshot := *u
		arbiter := f.arbiter
		f.mu.Unlock()
		f.handleLatePartial(snapshot, arbiter, text, confidence)
		return
	}

	target := StateStreamingActive
	if !CanTransition(u.State, target) {
		from := u.State
		f.mu.Unlock()
		f.rejected(u.ID, u.SessionID, from, target)
		return
	}

	now := f.clk.Now()
	u.State = target
	u.StateTimes[target] = now
	u.TextDraft = text
	if confidence > 0 {
		u.Confidence = confidence
	}
	u.Sequence++
	u.UpdatedAt = now
	appended := event.TranscriptPartialAppended{
		UtteranceID: u.ID,
		SessionID:   u.SessionID,
		Text:        text,
		Confidence:  confidence,
		Sequence:    u.Sequence,
	}
	f.mu.Unlock()

	f.publish(appended)
}

// MarkEndOfSpeech transitions STREAMING_ACTIVE → AWAITING_FINAL. Any other
// current state is rejected with an event. It reports whether the
// transition applied.
func (f *FSM) MarkEndOfSpeech(id string) bool {
	return f.transition(id, StateAwaitingFinal, func(u *Utterance, now time.Time) {})
}

// ApplyFinal finalizes the utterance with the definitive text. Calling it
// on an already FINALIZED utterance is an idempotent success that leaves
// the original final text untouched.
func (f *FSM) ApplyFinal(id, text string, confidence float64) bool {
	f.mu.Lock()
	u, ok := f.utterances[id]
	if ok && u.State == StateFinalized {
		f.mu.Unlock()
		return true
	}
	f.mu.Unlock()

	return f.transition(id, StateFinalized, func(u *Utterance, now time.Time) {
		u.FinalText = text
		if confidence > 0 {
			u.Confidence = confidence
		}
		u.FinalizedAt = now
	})
}

// AbortUtterance moves any non-terminal utterance to ABORTED. Aborting an
// already terminal utterance is an idempotent success.
func (f *FSM) AbortUtterance(id, cause string) bool {
	f.mu.Lock()
	u, ok := f.utterances[id]
	if ok && u.State.Terminal() {
		f.mu.Unlock()
		return true
	}
	f.mu.Unlock()

	ok = f.transition(id, StateAborted, func(u *Utterance, now time.Time) {
		u.FinalizedAt = now
	})
	if ok {
		slog.Debug("transcript: utterance aborted", "utterance_id", id, "cause", cause)
	}
	return ok
}

// RecoverUtterance is the orphan watchdog's intervention: it moves a stuck
// STREAMING_ACTIVE or AWAITING_FINAL utterance to RECOVERED and installs
// text (usually the last draft) as the working draft.
func (f *FSM) RecoverUtterance(id, text string, confidence float64) bool {
	return f.transition(id, StateRecovered, func(u *Utterance, now time.Time) {
		if text != "" {
			u.TextDraft = text
		}
		if confidence > 0 {
			u.Confidence = confidence
		}
	})
}

// Get returns a copy of the utterance.
func (f *FSM) Get(id string) (Utterance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.utterances[id]
	if !ok {
		return Utterance{}, false
	}
	return copyUtterance(u), true
}

// Snapshot returns copies of all tracked utterances, in creation order.
func (f *FSM) Snapshot() []Utterance {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Utterance, 0, len(f.utterances))
	for _, id := range f.order {
		if u, ok := f.utterances[id]; ok {
			out = append(out, copyUtterance(u))
		}
	}
	return out
}

// Count reports the number of tracked utterances. Cheap enough for a
// metrics gauge callback.
func (f *FSM) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.utterances)
}

// Untrack removes an utterance from the FSM entirely. Used by the orphan
// watchdog after aborting an unrecoverable utterance.
func (f *FSM) Untrack(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.utterances, id)
}

// Run executes the retention sweep until ctx is done.
func (f *FSM) Run(ctx context.Context) {
	t := f.clk.NewTicker(f.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			f.Sweep()
		}
	}
}

// Sweep prunes terminal utterances older than the retention window and
// trims the oldest entries when the tracked count exceeds the cap. It
// returns the number of pruned utterances.
func (f *FSM) Sweep() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := f.clk.Now().Add(-f.cfg.RetentionWindow)
	pruned := 0
	for id, u := range f.utterances {
		if u.State.Terminal() && !u.FinalizedAt.IsZero() && u.FinalizedAt.Before(cutoff) {
			delete(f.utterances, id)
			pruned++
		}
	}

	// Compact the order slice, dropping ids already pruned.
	live := f.order[:0]
	for _, id := range f.order {
		if _, ok := f.utterances[id]; ok {
			live = append(live, id)
		}
	}
	f.order = live

	// Trim oldest past the cap.
	for len(f.order) > f.cfg.MaxUtterances {
		oldest := f.order[0]
		f.order = f.order[1:]
		delete(f.utterances, oldest)
		pruned++
	}
	return pruned
}

// ── internals ────────────────────────────────────────────────────────────────

// transition validates and applies one state change atomically. mutate
// runs only after validation passed, with the lock held.
func (f *FSM) transition(id string, to State, mutate func(u *Utterance, now time.Time)) bool {
	f.mu.Lock()
	u, ok := f.utterances[id]
	if !ok {
		f.mu.Unlock()
		f.publish(event.TranscriptTransitionRejected{
			UtteranceID: id,
			To:          string(to),
			Reason:      string(RejectUnknownUtterance),
		})
		return false
	}

	from := u.State
	if !CanTransition(from, to) {
		f.mu.Unlock()
		f.rejected(id, u.SessionID, from, to)
		return false
	}

	now := f.clk.Now()
	u.State = to
	u.StateTimes[to] = now
	u.UpdatedAt = now
	mutate(u, now)
	applied := event.TranscriptTransition{
		UtteranceID: u.ID,
		SessionID:   u.SessionID,
		From:        string(from),
		To:          string(to),
		Sequence:    u.Sequence,
		At:          now,
	}
	f.mu.Unlock()

	f.publish(applied)
	return true
}

// handleLatePartial arbitrates a partial that arrived after the utterance
// reached a terminal state.
func (f *FSM) handleLatePartial(snapshot Utterance, arbiter LateArbiter, text string, confidence float64) {
	reason := "terminal"
	if arbiter != nil && snapshot.State == StateFinalized {
		ok, rejectReason := arbiter.ArbitrateLatePartial(snapshot, text, confidence)
		if ok {
			f.mu.Lock()
			u, present := f.utterances[snapshot.ID]
			if present && u.State == StateFinalized {
				u.FinalText = text
				u.LatePartials++
				u.UpdatedAt = f.clk.Now()
				u.Sequence++
				appended := event.TranscriptPartialAppended{
					UtteranceID: u.ID,
					SessionID:   u.SessionID,
					Text:        text,
					Confidence:  confidence,
					Sequence:    u.Sequence,
				}
				f.mu.Unlock()
				f.publish(appended)
				return
			}
			f.mu.Unlock()
			reason = "terminal"
		} else {
			reason = rejectReason
		}
	}

	slog.Debug("transcript: late partial ignored",
		"utterance_id", snapshot.ID,
		"state", snapshot.State,
		"reason", reason,
	)
	f.publish(event.TranscriptLatePartialIgnored{
		UtteranceID: snapshot.ID,
		SessionID:   snapshot.SessionID,
		Text:        text,
		Reason:      reason,
	})
}

// rejected emits a rejection event for a refused transition.
func (f *FSM) rejected(id, sessionID string, from, to State) {
	f.publish(event.TranscriptTransitionRejected{
		UtteranceID: id,
		SessionID:   sessionID,
		From:        string(from),
		To:          string(to),
		Reason:      string(classifyRejection(from, to)),
	})
}

func (f *FSM) publish(e event.Event) {
	if f.cfg.Bus != nil {
		f.cfg.Bus.Publish(e)
	}
}

func copyUtterance(u *Utterance) Utterance {
	out := *u
	out.StateTimes = make(map[State]time.Time, len(u.StateTimes))
	for k, v := range u.StateTimes {
		out.StateTimes[k] = v
	}
	return out
}
