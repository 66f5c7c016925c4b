package app

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livecap/livecap/internal/boundary"
	"github.com/livecap/livecap/internal/clock"
	"github.com/livecap/livecap/internal/config"
	"github.com/livecap/livecap/internal/event"
	"github.com/livecap/livecap/internal/session"
	"github.com/livecap/livecap/internal/transcript"
)

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

// testConfig is the default config with the HTTP endpoint disabled and
// boundary windows shrunk so a fake clock can step through them quickly.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = ""
	cfg.Boundary.StabilizationWindow = config.Duration(50 * time.Millisecond)
	cfg.Boundary.ErrorRecoveryDelay = config.Duration(time.Second)
	return cfg
}

func newTestApp(t *testing.T) (*App, *clock.Fake, *recorder) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1000, 0))
	bus := event.NewBus(0)
	rec := &recorder{}
	bus.Subscribe(rec.handle)

	a, err := New(testConfig(), WithClock(clk), WithBus(bus))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a, clk, rec
}

// advanceUntil steps the fake clock until cond holds or a real deadline
// passes. Needed where a subsystem registers its timer on a goroutine.
func advanceUntil(t *testing.T, clk *clock.Fake, step time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		clk.Advance(step)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestNew_NilConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("nil config accepted")
	}
}

func TestApp_BootstrapWiresEverything(t *testing.T) {
	a, _, rec := newTestApp(t)

	id, err := a.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !strings.HasPrefix(id, "ses-") {
		t.Errorf("session id = %q, want ses- prefix", id)
	}

	snap, ok := a.Sessions.GetSession(id)
	if !ok || snap.State != session.StateActive {
		t.Errorf("bootstrap session = (%v, %v), want ACTIVE", snap.State, ok)
	}
	if got := a.Detector.CurrentSession(); got != id {
		t.Errorf("Detector.CurrentSession() = %q, want %q", got, id)
	}
	if !a.Safeguards.IsValidID(id) {
		t.Error("bootstrap session id not registered with the safeguards")
	}
	if rec.count("session:created") != 1 || rec.count("session:started") != 1 {
		t.Errorf("created/started events = %d/%d, want 1/1",
			rec.count("session:created"), rec.count("session:started"))
	}
}

func TestApp_UtteranceFlow(t *testing.T) {
	a, _, _ := newTestApp(t)

	sid, err := a.Bootstrap(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// The FSM mints utterance ids through the session manager, so the id
	// comes back registered as a child of the session.
	uid, err := a.FSM.CreateUtterance(sid, "hel")
	if err != nil {
		t.Fatalf("CreateUtterance: %v", err)
	}
	if !strings.HasPrefix(uid, "utt-") {
		t.Errorf("utterance id = %q, want utt- prefix", uid)
	}
	if err := a.Sessions.AddTranscriptToSession(sid, uid); err != nil {
		t.Fatal(err)
	}

	a.FSM.ApplyPartial(uid, "hello", 0.7)
	a.FSM.MarkEndOfSpeech(uid)
	a.FSM.ApplyFinal(uid, "hello.", 0.95)
	if err := a.Sessions.CompleteTranscriptInSession(sid, uid); err != nil {
		t.Fatal(err)
	}

	u, ok := a.FSM.Get(uid)
	if !ok || u.State != transcript.StateFinalized {
		t.Fatalf("utterance = (%v, %v), want FINALIZED", u.State, ok)
	}
	if u.FinalText != "hello." {
		t.Errorf("FinalText = %q, want %q", u.FinalText, "hello.")
	}

	snap, _ := a.Sessions.GetSession(sid)
	if snap.CompletedTranscripts != 1 || snap.ActiveTranscripts != 0 {
		t.Errorf("completed/active = %d/%d, want 1/0",
			snap.CompletedTranscripts, snap.ActiveTranscripts)
	}

	// Telemetry saw the transitions on the shared bus.
	if got := a.Telemetry.Snapshot().Transitions; got == 0 {
		t.Error("telemetry recorded no transcript transitions")
	}
}

func TestApp_ForcedBoundaryHandsOff(t *testing.T) {
	a, clk, rec := newTestApp(t)

	first, err := a.Bootstrap(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	a.Detector.ForceBoundary()
	advanceUntil(t, clk, 25*time.Millisecond, func() bool {
		return a.Detector.CurrentState() == boundary.StateIdle &&
			a.Detector.CurrentSession() != first
	})

	next := a.Detector.CurrentSession()
	if next == "" || next == first {
		t.Fatalf("successor session = %q, want a fresh one", next)
	}
	nextSnap, _ := a.Sessions.GetSession(next)
	if nextSnap.State != session.StateActive {
		t.Errorf("successor state = %s, want ACTIVE", nextSnap.State)
	}
	firstSnap, _ := a.Sessions.GetSession(first)
	if firstSnap.State != session.StateStopped {
		t.Errorf("old session state = %s, want STOPPED", firstSnap.State)
	}
	if rec.count("transition:completed") != 1 {
		t.Errorf("transition:completed events = %d, want 1", rec.count("transition:completed"))
	}
	if rec.count("session:boundary") != 1 {
		t.Errorf("session:boundary events = %d, want 1", rec.count("session:boundary"))
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a, _, _ := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	a, _, _ := newTestApp(t)
	for i := 0; i < 2; i++ {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown #%d: %v", i+1, err)
		}
	}
}
