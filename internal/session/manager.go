// Package session owns the lifecycle of live-transcription sessions:
// creation with collision-safe identifiers, state transitions with
// explicit validation, per-session utterance membership and counters, and
// a bounded checkpoint history recorded at every lifecycle boundary.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/livecap/livecap/internal/clock"
	"github.com/livecap/livecap/internal/event"
	"github.com/livecap/livecap/internal/ident"
)

// State is the lifecycle state of a session.
type State string

const (
	StateInactive State = "INACTIVE"
	StateStarting State = "STARTING"
	StateActive   State = "ACTIVE"
	StatePausing  State = "PAUSING"
	StatePaused   State = "PAUSED"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateError    State = "ERROR"
)

// Terminal reports whether s accepts no further lifecycle operations.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// OpError is returned when a lifecycle operation is invoked on a session
// in the wrong state. Callers are expected to check state first or handle
// the rejection; nothing else in this package raises.
type OpError struct {
	SessionID string
	Op        string
	State     State
}

func (e *OpError) Error() string {
	return fmt.Sprintf("session %s: cannot %s while %s", e.SessionID, e.Op, e.State)
}

// Checkpoint is a snapshot of session state recorded at lifecycle
// boundaries, consumed by the recovery layer.
type Checkpoint struct {
	SessionID            string
	State                State
	At                   time.Time
	TotalTranscripts     int
	ActiveTranscripts    int
	CompletedTranscripts int
	OrphanedTranscripts  int
	LastActivity         time.Time
}

// Snapshot is a copy of a session's externally visible state.
type Snapshot struct {
	ID                   string
	State                State
	CreatedAt            time.Time
	StartedAt            time.Time
	LastActivity         time.Time
	TranscriptIDs        []string
	TotalTranscripts     int
	ActiveTranscripts    int
	CompletedTranscripts int
	OrphanedTranscripts  int
	Checkpoints          []Checkpoint
}

// record is the manager-owned session entry.
type record struct {
	id           string
	state        State
	createdAt    time.Time
	startedAt    time.Time
	lastActivity time.Time

	// members holds ids of utterances currently belonging to the
	// session. It only shrinks when an utterance finishes or is evicted
	// as orphaned.
	members map[string]struct{}

	total     int
	active    int
	completed int
	orphaned  int

	checkpoints []Checkpoint
}

// IDGenerator mints identifiers. Satisfied by [*ident.Generator]; tests
// substitute deterministic implementations.
type IDGenerator interface {
	Generate(opts ident.GenerateOptions) (string, error)
}

// ManagerConfig holds tuning and dependencies for a [Manager].
type ManagerConfig struct {
	// Generator mints identifiers.
	Generator IDGenerator

	// Safeguards validates and registers identifiers.
	Safeguards *ident.Safeguards

	// MaxConcurrentActive limits simultaneously active sessions, enforced
	// at start time rather than creation time. Default: 3.
	MaxConcurrentActive int

	// CheckpointHistory bounds the per-session checkpoint list.
	// Default: 10.
	CheckpointHistory int

	// CreateRetries bounds id-generation retries in CreateSession.
	// Default: 5.
	CreateRetries int

	// CreateBackoff is the base randomized backoff between creation
	// retries. Default: 50ms.
	CreateBackoff time.Duration

	// Bus receives session:* events. May be nil.
	Bus *event.Bus

	// Clock supplies time. Default: the system clock.
	Clock clock.Clock
}

// Manager owns all session records.
// All methods are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	cfg ManagerConfig
	clk clock.Clock

	sessions map[string]*record
}

// NewManager creates a session manager. Zero-value config fields are
// replaced with defaults.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxConcurrentActive <= 0 {
		cfg.MaxConcurrentActive = 3
	}
	if cfg.CheckpointHistory <= 0 {
		cfg.CheckpointHistory = 10
	}
	if cfg.CreateRetries <= 0 {
		cfg.CreateRetries = 5
	}
	if cfg.CreateBackoff <= 0 {
		cfg.CreateBackoff = 50 * time.Millisecond
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Manager{
		cfg:      cfg,
		clk:      clk,
		sessions: make(map[string]*record),
	}
}

// CreateSession mints a unique session id, registers it with the
// safeguards and records the session as INACTIVE. On collision it retries
// with a small randomized backoff up to the configured count.
func (m *Manager) CreateSession(ctx context.Context) (string, error) {
	var lastResult ident.Result

	for attempt := 0; attempt < m.cfg.CreateRetries; attempt++ {
		if attempt > 0 {
			// Randomized backoff spreads retries from concurrent creators.
			// Waits on the injected clock so tests advance virtual time
			// instead of sleeping.
			jitter := time.Duration(rand.Int63n(int64(m.cfg.CreateBackoff)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-m.clk.After(m.cfg.CreateBackoff + jitter):
			}
		}

		id, err := m.cfg.Generator.Generate(ident.GenerateOptions{
			Method:   ident.MethodHybrid,
			Prefix:   ident.TypeSession.Prefix(),
			Checksum: true,
		})
		if err != nil {
			return "", fmt.Errorf("session: generate id: %w", err)
		}

		lastResult = m.cfg.Safeguards.ValidateAndRegister(id, ident.TypeSession, id, "")
		if lastResult != ident.ResultValid {
			slog.Warn("session: id registration rejected, retrying",
				"result", lastResult,
				"attempt", attempt+1,
			)
			continue
		}

		now := m.clk.Now()
		m.mu.Lock()
		m.sessions[id] = &record{
			id:           id,
			state:        StateInactive,
			createdAt:    now,
			lastActivity: now,
			members:      make(map[string]struct{}),
		}
		m.mu.Unlock()

		m.publish(event.SessionCreated{SessionID: id, At: now})
		return id, nil
	}

	return "", fmt.Errorf("session: create failed after %d attempts (last result %s)",
		m.cfg.CreateRetries, lastResult)
}

// StartSession transitions INACTIVE → ACTIVE (through STARTING). The
// maximum-concurrent-active limit is enforced here, not at creation time.
func (m *Manager) StartSession(id string) error {
	m.mu.Lock()
	rec, err := m.lookupLocked(id, "start", StateInactive)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	active := 0
	for _, r := range m.sessions {
		if r.state == StateActive {
			active++
		}
	}
	if active >= m.cfg.MaxConcurrentActive {
		m.mu.Unlock()
		return fmt.Errorf("session %s: cannot start: %d sessions already active (limit %d)",
			id, active, m.cfg.MaxConcurrentActive)
	}

	// STARTING is transient: nothing can interleave under the lock, so
	// the session lands in ACTIVE within the same critical section.
	now := m.clk.Now()
	rec.state = StateActive
	rec.startedAt = now
	rec.lastActivity = now
	m.checkpointLocked(rec)
	m.mu.Unlock()

	m.publish(event.SessionStarted{SessionID: id, At: now})
	slog.Info("session started", "session_id", id)
	return nil
}

// PauseSession transitions ACTIVE → PAUSED (through PAUSING).
func (m *Manager) PauseSession(id string) error {
	m.mu.Lock()
	rec, err := m.lookupLocked(id, "pause", StateActive)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	now := m.clk.Now()
	rec.state = StatePaused
	rec.lastActivity = now
	m.checkpointLocked(rec)
	m.mu.Unlock()

	m.publish(event.SessionPaused{SessionID: id, At: now})
	return nil
}

// ResumeSession transitions PAUSED → ACTIVE.
func (m *Manager) ResumeSession(id string) error {
	m.mu.Lock()
	rec, err := m.lookupLocked(id, "resume", StatePaused)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	now := m.clk.Now()
	rec.state = StateActive
	rec.lastActivity = now
	m.checkpointLocked(rec)
	m.mu.Unlock()

	m.publish(event.SessionResumed{SessionID: id, At: now})
	return nil
}

// StopSession transitions ACTIVE or PAUSED → STOPPED (through STOPPING).
// Remaining member utterances are marked orphaned — one counter bump and
// one event each — rather than silently discarded; callers are expected to
// have drained them through the boundary detector first.
func (m *Manager) StopSession(id string) error {
	m.mu.Lock()
	rec, err := m.lookupLocked(id, "stop", StateActive, StatePaused)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	now := m.clk.Now()

	var orphanedIDs []string
	for uttID := range rec.members {
		orphanedIDs = append(orphanedIDs, uttID)
		delete(rec.members, uttID)
	}
	rec.orphaned += len(orphanedIDs)
	rec.active = 0

	rec.state = StateStopped
	rec.lastActivity = now
	m.checkpointLocked(rec)
	m.mu.Unlock()

	for _, uttID := range orphanedIDs {
		m.publish(event.SessionTranscriptOrphaned{
			SessionID:   id,
			UtteranceID: uttID,
			Reason:      "session_stopped",
		})
	}
	m.publish(event.SessionStopped{
		SessionID:           id,
		OrphanedTranscripts: len(orphanedIDs),
		At:                  now,
	})
	m.cfg.Safeguards.MarkCompleted(id)
	slog.Info("session stopped", "session_id", id, "orphaned", len(orphanedIDs))
	return nil
}

// FailSession moves any non-terminal session to ERROR. Used by the
// boundary detector and recovery layer when a transition or collaborator
// fails mid-session.
func (m *Manager) FailSession(id string, cause error) error {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return &OpError{SessionID: id, Op: "fail", State: ""}
	}
	if rec.state.Terminal() {
		m.mu.Unlock()
		return &OpError{SessionID: id, Op: "fail", State: rec.state}
	}

	now := m.clk.Now()
	rec.state = StateError
	rec.lastActivity = now
	m.checkpointLocked(rec)
	m.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	m.publish(event.SessionError{SessionID: id, Err: msg, At: now})
	slog.Error("session failed", "session_id", id, "err", cause)
	return nil
}

// RestoreSession is the recovery layer's path out of ERROR: it returns the
// session to ACTIVE so a resume-existing strategy can continue it.
func (m *Manager) RestoreSession(id string) error {
	m.mu.Lock()
	rec, err := m.lookupLocked(id, "restore", StateError)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	now := m.clk.Now()
	rec.state = StateActive
	rec.lastActivity = now
	m.checkpointLocked(rec)
	m.mu.Unlock()

	m.publish(event.SessionResumed{SessionID: id, At: now})
	slog.Info("session restored from error", "session_id", id)
	return nil
}

// NewUtteranceID mints and registers an utterance identifier owned by
// sessionID. Wired into the transcript FSM as its id source.
func (m *Manager) NewUtteranceID(sessionID string) (string, error) {
	id, err := m.cfg.Generator.Generate(ident.GenerateOptions{
		Method:   ident.MethodNanoid,
		Prefix:   ident.TypeUtterance.Prefix(),
		Checksum: true,
	})
	if err != nil {
		return "", fmt.Errorf("session: generate utterance id: %w", err)
	}
	if res := m.cfg.Safeguards.ValidateAndRegister(id, ident.TypeUtterance, sessionID, sessionID); res != ident.ResultValid {
		return "", fmt.Errorf("session: utterance id registration rejected: %s", res)
	}
	return id, nil
}

// AddTranscriptToSession records an utterance as a member of the session.
// Adding a duplicate id is a warning no-op.
func (m *Manager) AddTranscriptToSession(sessionID, utteranceID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return &OpError{SessionID: sessionID, Op: "add transcript", State: ""}
	}
	if _, dup := rec.members[utteranceID]; dup {
		m.mu.Unlock()
		slog.Warn("session: duplicate transcript add ignored",
			"session_id", sessionID,
			"utterance_id", utteranceID,
		)
		return nil
	}

	rec.members[utteranceID] = struct{}{}
	rec.total++
	rec.active++
	rec.lastActivity = m.clk.Now()
	m.mu.Unlock()

	m.publish(event.SessionTranscriptAdded{SessionID: sessionID, UtteranceID: utteranceID})
	return nil
}

// CompleteTranscriptInSession marks a member utterance as finished. The
// membership set shrinks here — the invariant is that it only shrinks on
// completion or orphan eviction.
func (m *Manager) CompleteTranscriptInSession(sessionID, utteranceID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return &OpError{SessionID: sessionID, Op: "complete transcript", State: ""}
	}
	if _, member := rec.members[utteranceID]; !member {
		m.mu.Unlock()
		slog.Warn("session: completing unknown transcript",
			"session_id", sessionID,
			"utterance_id", utteranceID,
		)
		return nil
	}

	delete(rec.members, utteranceID)
	rec.active--
	rec.completed++
	rec.lastActivity = m.clk.Now()
	m.mu.Unlock()

	m.cfg.Safeguards.MarkCompleted(utteranceID)
	m.publish(event.SessionTranscriptCompleted{SessionID: sessionID, UtteranceID: utteranceID})
	return nil
}

// TouchSession refreshes the session's last-activity timestamp. Called by
// the boundary detector when inbound activity is observed.
func (m *Manager) TouchSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[id]; ok {
		rec.lastActivity = m.clk.Now()
	}
}

// GetSession returns a copy of the session's visible state.
func (m *Manager) GetSession(id string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotLocked(rec), true
}

// ActiveSessions returns the ids of all currently ACTIVE sessions.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for id, rec := range m.sessions {
		if rec.state == StateActive {
			out = append(out, id)
		}
	}
	return out
}

// LatestCheckpoint returns the most recent checkpoint for the session.
func (m *Manager) LatestCheckpoint(id string) (Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[id]
	if !ok || len(rec.checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return rec.checkpoints[len(rec.checkpoints)-1], true
}

// ── internals ────────────────────────────────────────────────────────────────

// lookupLocked fetches a session and validates that its current state is
// one of the allowed from-states for op. Must be called with m.mu held.
func (m *Manager) lookupLocked(id, op string, allowed ...State) (*record, error) {
	rec, ok := m.sessions[id]
	if !ok {
		return nil, &OpError{SessionID: id, Op: op, State: ""}
	}
	for _, s := range allowed {
		if rec.state == s {
			return rec, nil
		}
	}
	return nil, &OpError{SessionID: id, Op: op, State: rec.state}
}

// checkpointLocked appends a checkpoint and prunes the oldest past the
// bound. Must be called with m.mu held.
func (m *Manager) checkpointLocked(rec *record) {
	rec.checkpoints = append(rec.checkpoints, Checkpoint{
		SessionID:            rec.id,
		State:                rec.state,
		At:                   m.clk.Now(),
		TotalTranscripts:     rec.total,
		ActiveTranscripts:    rec.active,
		CompletedTranscripts: rec.completed,
		OrphanedTranscripts:  rec.orphaned,
		LastActivity:         rec.lastActivity,
	})
	if len(rec.checkpoints) > m.cfg.CheckpointHistory {
		rec.checkpoints = rec.checkpoints[len(rec.checkpoints)-m.cfg.CheckpointHistory:]
	}
}

func snapshotLocked(rec *record) Snapshot {
	ids := make([]string, 0, len(rec.members))
	for id := range rec.members {
		ids = append(ids, id)
	}
	cps := make([]Checkpoint, len(rec.checkpoints))
	copy(cps, rec.checkpoints)
	return Snapshot{
		ID:                   rec.id,
		State:                rec.state,
		CreatedAt:            rec.createdAt,
		StartedAt:            rec.startedAt,
		LastActivity:         rec.lastActivity,
		TranscriptIDs:        ids,
		TotalTranscripts:     rec.total,
		ActiveTranscripts:    rec.active,
		CompletedTranscripts: rec.completed,
		OrphanedTranscripts:  rec.orphaned,
		Checkpoints:          cps,
	}
}

func (m *Manager) publish(e event.Event) {
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(e)
	}
}
