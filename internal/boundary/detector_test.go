package boundary

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/livecap/livecap/internal/clock"
	"github.com/livecap/livecap/internal/event"
	"github.com/livecap/livecap/internal/ident"
	"github.com/livecap/livecap/internal/session"
	"github.com/livecap/livecap/internal/transcript"
)

// recorder collects bus events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) handle(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Name() == name {
			n++
		}
	}
	return n
}

func (r *recorder) lastRejected() (event.BoundaryRejected, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if rej, ok := r.events[i].(event.BoundaryRejected); ok {
			return rej, true
		}
	}
	return event.BoundaryRejected{}, false
}

func (r *recorder) completed() (event.TransitionCompleted, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if tc, ok := r.events[i].(event.TransitionCompleted); ok {
			return tc, true
		}
	}
	return event.TransitionCompleted{}, false
}

func (r *recorder) outcomes() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string)
	for _, e := range r.events {
		if p, ok := e.(event.InflightProcessed); ok {
			out[p.ItemID] = p.Outcome
		}
	}
	return out
}

// env wires a detector against real collaborators on a fake clock.
type env struct {
	d       *Detector
	mgr     *session.Manager
	fsm     *transcript.FSM
	clk     *clock.Fake
	rec     *recorder
	bus     *event.Bus
	current string

	mu    sync.Mutex
	block bool // when set, every generated id reads as a collision
}

func (e *env) blocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.block
}

func (e *env) setBlock(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.block = v
}

func newEnv(t *testing.T, mutate func(*DetectorConfig)) *env {
	t.Helper()

	e := &env{
		clk: clock.NewFake(time.Unix(1000, 0)),
		rec: &recorder{},
	}
	bus := event.NewBus(0)
	bus.Subscribe(e.rec.handle)
	e.bus = bus

	safeguards := ident.NewSafeguards(ident.SafeguardsConfig{Bus: bus, Clock: e.clk})
	generator := ident.NewGenerator(ident.GeneratorConfig{
		CollisionRetries: 1,
		CollisionProbe: func(id string) bool {
			if e.blocked() {
				return true
			}
			return safeguards.IsRegisteredActive(id)
		},
		Clock: e.clk,
	})
	e.mgr = session.NewManager(session.ManagerConfig{
		Generator:  generator,
		Safeguards: safeguards,
		Bus:        bus,
		Clock:      e.clk,
	})
	e.fsm = transcript.NewFSM(transcript.FSMConfig{
		NewID: e.mgr.NewUtteranceID,
		Bus:   bus,
		Clock: e.clk,
	})

	cfg := DetectorConfig{
		Sessions:            e.mgr,
		FSM:                 e.fsm,
		Generator:           generator,
		SilenceThreshold:    2 * time.Second,
		StabilizationWindow: 100 * time.Millisecond,
		ErrorRecoveryDelay:  time.Second,
		UserActions:         []string{"stop", "new_session"},
		ConnectionEvents:    []string{"disconnected"},
		Bus:                 bus,
		Clock:               e.clk,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e.d = NewDetector(cfg)

	id, err := e.mgr.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := e.mgr.StartSession(id); err != nil {
		t.Fatalf("start session: %v", err)
	}
	e.current = id
	e.d.SetCurrentSession(id)
	return e
}

// advanceUntil steps the fake clock until cond holds. The stabilization
// and recovery timers run on their own goroutines, so each step yields
// briefly to let them observe the fired waiter.
func (e *env) advanceUntil(t *testing.T, step time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		e.clk.Advance(step)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached while advancing the clock")
}

func TestDetector_SilenceBelowThresholdIgnored(t *testing.T) {
	e := newEnv(t, nil)

	e.d.OnAudioSilence(time.Second, 0.9)

	if got := e.d.CurrentState(); got != StateIdle {
		t.Errorf("state = %s, want IDLE", got)
	}
	if n := e.rec.count("boundary:detected"); n != 0 {
		t.Errorf("boundary:detected events = %d, want 0", n)
	}
}

func TestDetector_UnlistedSignalsIgnored(t *testing.T) {
	e := newEnv(t, nil)

	e.d.OnUserAction("mute", e.current)
	e.d.OnConnectionChange("jitter", e.current)

	if got := e.d.CurrentState(); got != StateIdle {
		t.Errorf("state = %s, want IDLE", got)
	}
}

func TestDetector_LowConfidenceRejected(t *testing.T) {
	e := newEnv(t, nil)

	e.d.OnAudioSilence(3*time.Second, 0.4)
	if got := e.d.CurrentState(); got != StateTransitionPending {
		t.Fatalf("state = %s, want TRANSITION_PENDING", got)
	}

	e.advanceUntil(t, 100*time.Millisecond, func() bool {
		return e.rec.count("boundary:rejected") > 0
	})

	rej, _ := e.rec.lastRejected()
	if rej.Reason != "low-confidence" {
		t.Errorf("reason = %q, want low-confidence", rej.Reason)
	}
	if got := e.d.CurrentState(); got != StateIdle {
		t.Errorf("state = %s, want IDLE after rejection", got)
	}
	if e.d.CurrentSession() != e.current {
		t.Error("rejected boundary must not change the guarded session")
	}
}

func TestDetector_SecondTriggerSuperseded(t *testing.T) {
	e := newEnv(t, nil)

	e.d.OnAudioSilence(3*time.Second, 0.9)
	e.d.OnAudioSilence(3*time.Second, 0.95)

	rej, ok := e.rec.lastRejected()
	if !ok {
		t.Fatal("no rejection for the competing trigger")
	}
	if rej.Reason != "superseded" {
		t.Errorf("reason = %q, want superseded", rej.Reason)
	}
	if n := e.rec.count("boundary:detected"); n != 1 {
		t.Errorf("boundary:detected events = %d, want 1", n)
	}
}

func TestDetector_SessionNotActiveRejected(t *testing.T) {
	e := newEnv(t, nil)

	e.mgr.PauseSession(e.current)
	e.d.ForceBoundary()

	e.advanceUntil(t, 100*time.Millisecond, func() bool {
		return e.rec.count("boundary:rejected") > 0
	})
	rej, _ := e.rec.lastRejected()
	if rej.Reason != "session-not-active" {
		t.Errorf("reason = %q, want session-not-active", rej.Reason)
	}
}

func TestDetector_CriticalInflightBlocks(t *testing.T) {
	e := newEnv(t, nil)

	e.d.RegisterInflightSource(func(sessionID string) []Item {
		return []Item{QueuedRequest{
			ItemMeta: ItemMeta{ID: "req-1", SessionID: sessionID, Priority: PriorityCritical},
			Payload:  "must not be lost",
		}}
	})

	e.d.OnAudioSilence(3*time.Second, 0.9)
	e.advanceUntil(t, 100*time.Millisecond, func() bool {
		return e.rec.count("boundary:rejected") > 0
	})

	rej, _ := e.rec.lastRejected()
	if rej.Reason != "critical-inflight" {
		t.Errorf("reason = %q, want critical-inflight", rej.Reason)
	}
	if got := e.d.CurrentState(); got != StateIdle {
		t.Errorf("state = %s, want IDLE", got)
	}
}

func TestDetector_ForcedTransitionDrainsEverything(t *testing.T) {
	e := newEnv(t, nil)

	// One live utterance whose final never arrived.
	uttID, err := e.fsm.CreateUtterance(e.current, "so anyway")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.mgr.AddTranscriptToSession(e.current, uttID); err != nil {
		t.Fatal(err)
	}

	var flushed, transferred, delivered []string
	var transferTarget string
	var hookMu sync.Mutex

	expired := e.clk.Now().Add(-time.Second)
	e.d.RegisterInflightSource(func(sessionID string) []Item {
		return []Item{
			PartialTranscript{
				ItemMeta:    ItemMeta{ID: "pt-1", SessionID: sessionID, Priority: PriorityNormal},
				UtteranceID: uttID,
				Text:        "so anyway, see you tomorrow",
				Confidence:  0.9,
			},
			AudioBuffer{
				ItemMeta: ItemMeta{ID: "ab-1", SessionID: sessionID, Priority: PriorityHigh},
				Samples:  1600,
			},
			PendingResponse{
				ItemMeta:  ItemMeta{ID: "pr-1", SessionID: sessionID, Priority: PriorityNormal, ExpiresAt: expired},
				RequestID: "req-42",
			},
			QueuedRequest{
				ItemMeta: ItemMeta{ID: "qr-1", SessionID: sessionID, Priority: PriorityCritical},
				Payload:  "finalize-all",
			},
			TransportMessage{
				ItemMeta: ItemMeta{ID: "tm-1", SessionID: sessionID, Priority: PriorityLow},
				Kind:     "caption",
			},
		}
	})

	old := e.current
	e.d.cfg.FlushAudio = func(a AudioBuffer) error {
		hookMu.Lock()
		defer hookMu.Unlock()
		flushed = append(flushed, a.ID)
		return nil
	}
	e.d.cfg.TransferRequest = func(q QueuedRequest, next string) error {
		hookMu.Lock()
		defer hookMu.Unlock()
		transferred = append(transferred, q.ID)
		transferTarget = next
		return nil
	}
	e.d.cfg.DeliverTransport = func(m TransportMessage) error {
		hookMu.Lock()
		defer hookMu.Unlock()
		delivered = append(delivered, m.ID)
		return nil
	}

	e.d.ForceBoundary()
	e.advanceUntil(t, 100*time.Millisecond, func() bool {
		_, done := e.rec.completed()
		return done
	})

	tc, _ := e.rec.completed()
	if tc.Processed != 4 {
		t.Errorf("Processed = %d, want 4", tc.Processed)
	}
	if tc.Expired != 1 {
		t.Errorf("Expired = %d, want 1", tc.Expired)
	}
	if tc.FromSessionID != old {
		t.Errorf("FromSessionID = %q, want %q", tc.FromSessionID, old)
	}
	if tc.ToSessionID == "" || tc.ToSessionID == old {
		t.Errorf("ToSessionID = %q, want a fresh successor", tc.ToSessionID)
	}

	// Detector hands off to the successor and returns to idle.
	if got := e.d.CurrentSession(); got != tc.ToSessionID {
		t.Errorf("CurrentSession() = %q, want successor %q", got, tc.ToSessionID)
	}
	if got := e.d.CurrentState(); got != StateIdle {
		t.Errorf("state = %s, want IDLE", got)
	}

	// Old session stopped, successor active.
	oldSnap, _ := e.mgr.GetSession(old)
	if oldSnap.State != session.StateStopped {
		t.Errorf("old session state = %s, want STOPPED", oldSnap.State)
	}
	nextSnap, _ := e.mgr.GetSession(tc.ToSessionID)
	if nextSnap.State != session.StateActive {
		t.Errorf("successor state = %s, want ACTIVE", nextSnap.State)
	}

	// The captured partial was promoted to the final text.
	u, _ := e.fsm.Get(uttID)
	if u.State != transcript.StateFinalized {
		t.Errorf("utterance state = %s, want FINALIZED", u.State)
	}
	if u.FinalText != "so anyway, see you tomorrow" {
		t.Errorf("FinalText = %q, want the captured partial", u.FinalText)
	}
	if oldSnap.CompletedTranscripts != 1 || oldSnap.OrphanedTranscripts != 0 {
		t.Errorf("completed/orphaned = %d/%d, want 1/0",
			oldSnap.CompletedTranscripts, oldSnap.OrphanedTranscripts)
	}

	// Every item ended processed or explicitly expired.
	want := map[string]string{
		"pt-1": "finalized",
		"ab-1": "flushed",
		"qr-1": "transferred",
		"tm-1": "handled",
	}
	got := e.rec.outcomes()
	for id, outcome := range want {
		if got[id] != outcome {
			t.Errorf("item %s outcome = %q, want %q", id, got[id], outcome)
		}
	}
	if n := e.rec.count("inflight:expired"); n != 1 {
		t.Errorf("inflight:expired events = %d, want 1", n)
	}
	if n := e.rec.count("inflight:detected"); n != 5 {
		t.Errorf("inflight:detected events = %d, want 5", n)
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	if len(flushed) != 1 || flushed[0] != "ab-1" {
		t.Errorf("flushed = %v, want [ab-1]", flushed)
	}
	if len(transferred) != 1 || transferTarget != tc.ToSessionID {
		t.Errorf("transferred = %v to %q, want [qr-1] to successor", transferred, transferTarget)
	}
	if len(delivered) != 1 || delivered[0] != "tm-1" {
		t.Errorf("delivered = %v, want [tm-1]", delivered)
	}
}

func TestDetector_TimeoutBoundaryEndsConversation(t *testing.T) {
	e := newEnv(t, func(cfg *DetectorConfig) {
		cfg.SessionMaxIdle = time.Minute
	})

	e.clk.Advance(2 * time.Minute)
	e.d.checkTimeouts()

	if got := e.d.CurrentState(); got != StateTransitionPending {
		t.Fatalf("state = %s, want TRANSITION_PENDING after timeout trigger", got)
	}

	e.advanceUntil(t, 100*time.Millisecond, func() bool {
		_, done := e.rec.completed()
		return done
	})

	tc, _ := e.rec.completed()
	if tc.ToSessionID != "" {
		t.Errorf("ToSessionID = %q, want none for a timeout boundary", tc.ToSessionID)
	}
	if got := e.d.CurrentSession(); got != "" {
		t.Errorf("CurrentSession() = %q, want empty after timeout", got)
	}

	snap, _ := e.mgr.GetSession(e.current)
	if snap.State != session.StateStopped {
		t.Errorf("session state = %s, want STOPPED", snap.State)
	}
}

func TestDetector_FailureParksInErrorThenRecovers(t *testing.T) {
	e := newEnv(t, nil)

	// Successor creation cannot mint an id while generation is blocked.
	e.setBlock(true)

	e.d.ForceBoundary()
	e.advanceUntil(t, 100*time.Millisecond, func() bool {
		return e.rec.count("transition:failed") > 0
	})

	if got := e.d.CurrentState(); got != StateError {
		t.Fatalf("state = %s, want ERROR", got)
	}
	snap, _ := e.mgr.GetSession(e.current)
	if snap.State != session.StateError {
		t.Errorf("session state = %s, want ERROR", snap.State)
	}

	// While parked in ERROR, triggers are rejected as busy.
	e.d.ForceBoundary()
	rej, _ := e.rec.lastRejected()
	if rej.Reason != "detector-busy" {
		t.Errorf("reason = %q, want detector-busy", rej.Reason)
	}

	// Auto-recovery returns the detector to IDLE.
	e.setBlock(false)
	e.advanceUntil(t, time.Second, func() bool {
		return e.d.CurrentState() == StateIdle
	})
}

func TestDetector_TranscriptionCompleteOnlyWhenDrained(t *testing.T) {
	e := newEnv(t, nil)

	uttID, _ := e.fsm.CreateUtterance(e.current, "hello")
	e.mgr.AddTranscriptToSession(e.current, uttID)

	// An active utterance remains: no boundary.
	e.d.OnTranscriptionComplete(e.current)
	if n := e.rec.count("boundary:detected"); n != 0 {
		t.Fatalf("boundary:detected = %d, want 0 while a transcript is active", n)
	}

	e.fsm.ApplyFinal(uttID, "hello.", 0.9)
	e.mgr.CompleteTranscriptInSession(e.current, uttID)

	e.d.OnTranscriptionComplete(e.current)
	if n := e.rec.count("boundary:detected"); n != 1 {
		t.Errorf("boundary:detected = %d, want 1 after the last transcript completed", n)
	}
}

func TestDetector_StabilizedDuringCompletionFanout(t *testing.T) {
	e := newEnv(t, nil)

	// Completion events publish synchronously, so a subscriber observes
	// the state the detector holds while they fan out.
	var mu sync.Mutex
	var seen State
	e.bus.Subscribe(func(ev event.Event) {
		if _, ok := ev.(event.TransitionCompleted); ok {
			mu.Lock()
			seen = e.d.CurrentState()
			mu.Unlock()
		}
	})

	e.d.ForceBoundary()
	e.advanceUntil(t, 50*time.Millisecond, func() bool {
		return e.d.CurrentState() == StateIdle && e.d.CurrentSession() != e.current
	})

	mu.Lock()
	got := seen
	mu.Unlock()
	if got != StateStabilized {
		t.Errorf("state during completion fan-out = %s, want %s", got, StateStabilized)
	}
}
