package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livecap/livecap/internal/clock"
	"github.com/livecap/livecap/internal/event"
	"github.com/livecap/livecap/internal/ident"
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

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *ident.Safeguards, *clock.Fake, *recorder) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1000, 0))
	bus := event.NewBus(0)
	rec := &recorder{}
	bus.Subscribe(rec.handle)

	safeguards := ident.NewSafeguards(ident.SafeguardsConfig{Bus: bus, Clock: clk})
	generator := ident.NewGenerator(ident.GeneratorConfig{
		CollisionProbe: safeguards.IsRegisteredActive,
		Clock:          clk,
	})

	cfg.Generator = generator
	cfg.Safeguards = safeguards
	cfg.Bus = bus
	cfg.Clock = clk
	return NewManager(cfg), safeguards, clk, rec
}

func TestManager_Lifecycle(t *testing.T) {
	m, safeguards, _, rec := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	id, err := m.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !strings.HasPrefix(id, "ses-") {
		t.Errorf("session id %q missing ses- prefix", id)
	}
	if !safeguards.IsValidID(id) {
		t.Error("session id not registered with safeguards")
	}

	snap, ok := m.GetSession(id)
	if !ok {
		t.Fatal("session not tracked")
	}
	if snap.State != StateInactive {
		t.Errorf("state after create = %s, want INACTIVE", snap.State)
	}

	if err := m.StartSession(id); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := m.PauseSession(id); err != nil {
		t.Fatalf("PauseSession: %v", err)
	}
	if err := m.ResumeSession(id); err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	if err := m.StopSession(id); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	snap, _ = m.GetSession(id)
	if snap.State != StateStopped {
		t.Errorf("state = %s, want STOPPED", snap.State)
	}

	for _, name := range []string{
		"session:created", "session:started", "session:paused",
		"session:resumed", "session:stopped",
	} {
		if n := rec.count(name); n != 1 {
			t.Errorf("%s events = %d, want 1", name, n)
		}
	}

	// Stopping completes the session id in the safeguards.
	r, _ := safeguards.GetRecord(id)
	if r.Status != ident.StatusCompleted {
		t.Errorf("safeguards status = %s, want completed", r.Status)
	}
}

func TestManager_WrongStateOps(t *testing.T) {
	m, _, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)

	// Pause before start.
	err := m.PauseSession(id)
	var opErr *OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("PauseSession on INACTIVE = %v, want *OpError", err)
	}
	if opErr.Op != "pause" || opErr.State != StateInactive {
		t.Errorf("OpError = %+v, want op=pause state=INACTIVE", opErr)
	}

	// Double start.
	if err := m.StartSession(id); err != nil {
		t.Fatal(err)
	}
	if err := m.StartSession(id); !errors.As(err, &opErr) {
		t.Errorf("second StartSession = %v, want *OpError", err)
	}

	// Unknown session.
	if err := m.StartSession("ses-nope"); !errors.As(err, &opErr) {
		t.Errorf("StartSession on unknown = %v, want *OpError", err)
	}
}

func TestManager_MaxConcurrentActive(t *testing.T) {
	m, _, _, _ := newTestManager(t, ManagerConfig{MaxConcurrentActive: 2})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.CreateSession(ctx)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	if err := m.StartSession(ids[0]); err != nil {
		t.Fatal(err)
	}
	if err := m.StartSession(ids[1]); err != nil {
		t.Fatal(err)
	}

	err := m.StartSession(ids[2])
	if err == nil {
		t.Fatal("third start succeeded past the concurrency limit")
	}
	if !strings.Contains(err.Error(), "limit") {
		t.Errorf("error %q does not mention the limit", err)
	}

	// Stopping one frees a slot.
	if err := m.StopSession(ids[0]); err != nil {
		t.Fatal(err)
	}
	if err := m.StartSession(ids[2]); err != nil {
		t.Errorf("start after freeing a slot = %v, want nil", err)
	}
}

func TestManager_StopOrphansRemainingMembers(t *testing.T) {
	m, _, _, rec := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)
	m.StartSession(id)

	u1, err := m.NewUtteranceID(id)
	if err != nil {
		t.Fatalf("NewUtteranceID: %v", err)
	}
	u2, _ := m.NewUtteranceID(id)
	u3, _ := m.NewUtteranceID(id)
	for _, u := range []string{u1, u2, u3} {
		if err := m.AddTranscriptToSession(id, u); err != nil {
			t.Fatal(err)
		}
	}
	// One finishes cleanly, two remain at stop time.
	if err := m.CompleteTranscriptInSession(id, u1); err != nil {
		t.Fatal(err)
	}

	if err := m.StopSession(id); err != nil {
		t.Fatal(err)
	}

	if n := rec.count("session:transcript_orphaned"); n != 2 {
		t.Errorf("transcript_orphaned events = %d, want 2", n)
	}

	snap, _ := m.GetSession(id)
	if snap.OrphanedTranscripts != 2 {
		t.Errorf("OrphanedTranscripts = %d, want 2", snap.OrphanedTranscripts)
	}
	if snap.CompletedTranscripts != 1 {
		t.Errorf("CompletedTranscripts = %d, want 1", snap.CompletedTranscripts)
	}
	if snap.ActiveTranscripts != 0 {
		t.Errorf("ActiveTranscripts = %d, want 0", snap.ActiveTranscripts)
	}
	if len(snap.TranscriptIDs) != 0 {
		t.Errorf("TranscriptIDs = %v, want empty after stop", snap.TranscriptIDs)
	}
}

func TestManager_DuplicateAddIsNoop(t *testing.T) {
	m, _, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)
	m.StartSession(id)
	u, _ := m.NewUtteranceID(id)

	if err := m.AddTranscriptToSession(id, u); err != nil {
		t.Fatal(err)
	}
	if err := m.AddTranscriptToSession(id, u); err != nil {
		t.Fatalf("duplicate add = %v, want nil no-op", err)
	}

	snap, _ := m.GetSession(id)
	if snap.TotalTranscripts != 1 {
		t.Errorf("TotalTranscripts = %d, want 1", snap.TotalTranscripts)
	}
}

func TestManager_CompleteUnknownTranscriptIsNoop(t *testing.T) {
	m, _, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)
	if err := m.CompleteTranscriptInSession(id, "utt-nope"); err != nil {
		t.Errorf("completing unknown member = %v, want nil no-op", err)
	}
}

func TestManager_FailAndRestore(t *testing.T) {
	m, _, _, rec := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)
	m.StartSession(id)

	if err := m.FailSession(id, errors.New("provider crashed")); err != nil {
		t.Fatalf("FailSession: %v", err)
	}
	snap, _ := m.GetSession(id)
	if snap.State != StateError {
		t.Fatalf("state = %s, want ERROR", snap.State)
	}
	if n := rec.count("session:error"); n != 1 {
		t.Errorf("session:error events = %d, want 1", n)
	}

	// Fail is not re-entrant on terminal sessions.
	if err := m.FailSession(id, nil); err == nil {
		t.Error("FailSession on ERROR session succeeded")
	}

	if err := m.RestoreSession(id); err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}
	snap, _ = m.GetSession(id)
	if snap.State != StateActive {
		t.Errorf("state after restore = %s, want ACTIVE", snap.State)
	}
	if n := rec.count("session:resumed"); n != 1 {
		t.Errorf("session:resumed events = %d, want 1", n)
	}
}

func TestManager_CheckpointHistory(t *testing.T) {
	m, _, clk, _ := newTestManager(t, ManagerConfig{CheckpointHistory: 3})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)
	m.StartSession(id)
	for i := 0; i < 4; i++ {
		clk.Advance(time.Second)
		m.PauseSession(id)
		clk.Advance(time.Second)
		m.ResumeSession(id)
	}

	snap, _ := m.GetSession(id)
	if len(snap.Checkpoints) != 3 {
		t.Fatalf("checkpoint count = %d, want bound of 3", len(snap.Checkpoints))
	}

	cp, ok := m.LatestCheckpoint(id)
	if !ok {
		t.Fatal("no latest checkpoint")
	}
	if cp.State != StateActive {
		t.Errorf("latest checkpoint state = %s, want ACTIVE", cp.State)
	}
	if last := snap.Checkpoints[len(snap.Checkpoints)-1]; !cp.At.Equal(last.At) {
		t.Errorf("LatestCheckpoint.At = %v, want %v", cp.At, last.At)
	}
}

func TestManager_CheckpointCountsMembers(t *testing.T) {
	m, _, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)
	m.StartSession(id)
	u, _ := m.NewUtteranceID(id)
	m.AddTranscriptToSession(id, u)
	m.FailSession(id, errors.New("boom"))

	cp, ok := m.LatestCheckpoint(id)
	if !ok {
		t.Fatal("no checkpoint after fail")
	}
	if cp.State != StateError {
		t.Errorf("checkpoint state = %s, want ERROR", cp.State)
	}
	if cp.ActiveTranscripts != 1 {
		t.Errorf("checkpoint ActiveTranscripts = %d, want 1", cp.ActiveTranscripts)
	}
}

func TestManager_NewUtteranceID(t *testing.T) {
	m, safeguards, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)
	u, err := m.NewUtteranceID(id)
	if err != nil {
		t.Fatalf("NewUtteranceID: %v", err)
	}
	if !strings.HasPrefix(u, "utt-") {
		t.Errorf("utterance id %q missing utt- prefix", u)
	}

	r, ok := safeguards.GetRecord(u)
	if !ok {
		t.Fatal("utterance id not registered")
	}
	if r.SessionID != id {
		t.Errorf("registered SessionID = %q, want %q", r.SessionID, id)
	}
	if r.ParentID != id {
		t.Errorf("registered ParentID = %q, want %q", r.ParentID, id)
	}
}

func TestManager_ActiveSessions(t *testing.T) {
	m, _, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	a, _ := m.CreateSession(ctx)
	b, _ := m.CreateSession(ctx)
	m.StartSession(a)
	m.StartSession(b)
	m.PauseSession(b)

	active := m.ActiveSessions()
	if len(active) != 1 || active[0] != a {
		t.Errorf("ActiveSessions() = %v, want [%s]", active, a)
	}
}

func TestManager_TouchSessionRefreshesActivity(t *testing.T) {
	m, _, clk, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	id, _ := m.CreateSession(ctx)
	m.StartSession(id)

	before, _ := m.GetSession(id)
	clk.Advance(time.Minute)
	m.TouchSession(id)
	after, _ := m.GetSession(id)

	if !after.LastActivity.After(before.LastActivity) {
		t.Error("TouchSession did not refresh LastActivity")
	}
}

// staticGenerator always mints the same identifier, forcing registration
// collisions on every attempt after the first.
type staticGenerator struct{ id string }

func (g staticGenerator) Generate(ident.GenerateOptions) (string, error) { return g.id, nil }

func TestCreateSession_RetryBackoffUsesInjectedClock(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	bus := event.NewBus(0)
	safeguards := ident.NewSafeguards(ident.SafeguardsConfig{Bus: bus, Clock: clk})

	m := NewManager(ManagerConfig{
		Generator:     staticGenerator{id: "ses-fixedfixedfixed1"},
		Safeguards:    safeguards,
		CreateRetries: 3,
		CreateBackoff: time.Hour,
		Bus:           bus,
		Clock:         clk,
	})

	if _, err := m.CreateSession(context.Background()); err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}

	// Every retry mints the colliding id again and must wait out an
	// hour-long backoff in between. The call can only return within the
	// real-time deadline if that wait runs on the injected clock.
	done := make(chan error, 1)
	go func() {
		_, err := m.CreateSession(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		select {
		case err := <-done:
			if err == nil {
				t.Fatal("CreateSession succeeded despite a permanent collision")
			}
			if !strings.Contains(err.Error(), "create failed after 3 attempts") {
				t.Errorf("err = %v, want retry exhaustion", err)
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("CreateSession still blocked; backoff is not on the injected clock")
		}
		clk.Advance(2 * time.Hour)
		time.Sleep(2 * time.Millisecond)
	}
}
