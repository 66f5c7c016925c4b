package boundary

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/livecap/livecap/internal/clock"
	"github.com/livecap/livecap/internal/event"
	"github.com/livecap/livecap/internal/ident"
	"github.com/livecap/livecap/internal/observe"
	"github.com/livecap/livecap/internal/session"
	"github.com/livecap/livecap/internal/transcript"
)

// State is the detector's own operating state.
type State string

const (
	StateIdle              State = "IDLE"
	StateDetecting         State = "DETECTING"
	StateTransitionPending State = "TRANSITION_PENDING"
	StateTransitioning     State = "TRANSITIONING"
	StateStabilized        State = "STABILIZED"
	StateError             State = "ERROR"
)

// InflightSource supplies the in-flight items a collaborator holds for a
// session at capture time. The audio pipeline, provider client and
// transport layer each register one.
type InflightSource func(sessionID string) []Item

// DetectorConfig holds tuning and dependencies for a [Detector].
type DetectorConfig struct {
	// Sessions is the session lifecycle manager the detector orchestrates.
	Sessions *session.Manager

	// FSM is the transcript state machine drained at transitions.
	FSM *transcript.FSM

	// Generator mints boundary identifiers.
	Generator *ident.Generator

	// SilenceThreshold is the minimum silence duration that may trigger a
	// boundary. Default: 2s.
	SilenceThreshold time.Duration

	// StabilizationWindow is the delay between detection and
	// confirmation. Default: 500ms.
	StabilizationWindow time.Duration

	// MaxTransitionTime bounds the drain-and-handoff sequence.
	// Default: 10s.
	MaxTransitionTime time.Duration

	// ConfidenceThreshold is the minimum trigger confidence required at
	// confirmation. Default: 0.7.
	ConfidenceThreshold float64

	// ErrorRecoveryDelay is how long the detector parks in ERROR before
	// auto-recovering to IDLE. Default: 5s.
	ErrorRecoveryDelay time.Duration

	// SessionMaxAge and SessionMaxIdle trigger timeout boundaries.
	// Defaults: 30m / 5m.
	SessionMaxAge  time.Duration
	SessionMaxIdle time.Duration

	// TimeoutCheckInterval is the cadence of the timeout check in Run.
	// Default: 15s.
	TimeoutCheckInterval time.Duration

	// UserActions and ConnectionEvents whitelist which inbound signals
	// may trigger a boundary.
	UserActions      []string
	ConnectionEvents []string

	// FlushAudio drains a captured audio buffer. May be nil.
	FlushAudio func(AudioBuffer) error

	// TransferRequest hands a critical queued request to the successor
	// session. May be nil.
	TransferRequest func(QueuedRequest, string) error

	// DeliverTransport hands off a captured transport message. May be nil.
	DeliverTransport func(TransportMessage) error

	// Bus receives boundary:*, transition:* and inflight:* events.
	Bus *event.Bus

	// Clock supplies time. Default: the system clock.
	Clock clock.Clock
}

// Detector watches for session boundaries and runs transitions.
// All methods are safe for concurrent use.
type Detector struct {
	mu sync.Mutex

	cfg DetectorConfig
	clk clock.Clock

	state   State
	current string
	pending *Boundary

	sources []InflightSource

	userActions      map[string]struct{}
	connectionEvents map[string]struct{}

	// ctx drives stabilization and recovery timers; set by Run, defaults
	// to Background for use before Run is called (tests).
	ctx context.Context
}

// NewDetector creates a boundary detector in the IDLE state. Zero-value
// config fields are replaced with defaults.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 2 * time.Second
	}
	if cfg.StabilizationWindow <= 0 {
		cfg.StabilizationWindow = 500 * time.Millisecond
	}
	if cfg.MaxTransitionTime <= 0 {
		cfg.MaxTransitionTime = 10 * time.Second
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.ErrorRecoveryDelay <= 0 {
		cfg.ErrorRecoveryDelay = 5 * time.Second
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = 30 * time.Minute
	}
	if cfg.SessionMaxIdle <= 0 {
		cfg.SessionMaxIdle = 5 * time.Minute
	}
	if cfg.TimeoutCheckInterval <= 0 {
		cfg.TimeoutCheckInterval = 15 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}

	d := &Detector{
		cfg:              cfg,
		clk:              clk,
		state:            StateIdle,
		userActions:      make(map[string]struct{}),
		connectionEvents: make(map[string]struct{}),
		ctx:              context.Background(),
	}
	for _, a := range cfg.UserActions {
		d.userActions[a] = struct{}{}
	}
	for _, e := range cfg.ConnectionEvents {
		d.connectionEvents[e] = struct{}{}
	}
	return d
}

// SetCurrentSession tells the detector which session it is guarding.
// Called during wiring and after external session switches.
func (d *Detector) SetCurrentSession(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = id
}

// CurrentSession returns the session the detector is guarding.
func (d *Detector) CurrentSession() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// CurrentState returns the detector state. Intended for tests and
// diagnostics.
func (d *Detector) CurrentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// RegisterInflightSource adds a capture source consulted at detection
// time. Registration order is preserved.
func (d *Detector) RegisterInflightSource(src InflightSource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sources = append(d.sources, src)
}

// ── inbound signals ─────────────────────────────────────────────────────────

// OnAudioSilence is called by the audio pipeline when a stretch of silence
// has been observed. Durations below the threshold are ignored.
func (d *Detector) OnAudioSilence(duration time.Duration, confidence float64) {
	if duration < d.cfg.SilenceThreshold {
		return
	}
	d.trigger(TriggerSilence, confidence)
}

// OnUserAction is called by the UI layer. Only whitelisted actions trigger
// a boundary.
func (d *Detector) OnUserAction(action, sessionID string) {
	if _, ok := d.userActions[action]; !ok {
		return
	}
	d.cfg.Sessions.TouchSession(sessionID)
	d.trigger(TriggerUserAction, 0.95)
}

// OnConnectionChange is called by the transport client. Only whitelisted
// events trigger a boundary.
func (d *Detector) OnConnectionChange(evt, sessionID string) {
	if _, ok := d.connectionEvents[evt]; !ok {
		return
	}
	d.trigger(TriggerConnectionChange, 0.8)
}

// OnTranscriptionComplete is called when a provider reports an utterance
// finished. A boundary is only considered when it was the session's last
// active utterance.
func (d *Detector) OnTranscriptionComplete(sessionID string) {
	snap, ok := d.cfg.Sessions.GetSession(sessionID)
	if !ok || snap.ActiveTranscripts > 0 {
		return
	}
	d.trigger(TriggerTranscriptionComplete, 0.85)
}

// ForceBoundary manually triggers a transition with full confidence.
// Failures during the resulting transition are not propagated: the
// detector parks in ERROR and auto-recovers.
func (d *Detector) ForceBoundary() {
	d.trigger(TriggerForced, 1.0)
}

// Run executes the session-timeout check until ctx is done. Stabilization
// and error-recovery timers started while Run is active are cancelled
// with it.
func (d *Detector) Run(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	t := d.clk.NewTicker(d.cfg.TimeoutCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			d.checkTimeouts()
		}
	}
}

// ── detection and transition ─────────────────────────────────────────────────

// trigger runs the detection half of the state machine: capture in-flight
// items, record the candidate boundary, and start the stabilization
// window. Detection is suppressed — rejected, not queued — whenever the
// detector is not idle.
func (d *Detector) trigger(t Trigger, confidence float64) {
	d.mu.Lock()
	if d.state != StateIdle {
		reason := "detector-busy"
		if d.state == StateTransitionPending {
			reason = "superseded"
		}
		current := d.current
		d.mu.Unlock()
		d.publish(event.BoundaryRejected{
			SessionID: current,
			Trigger:   string(t),
			Reason:    reason,
		})
		return
	}
	current := d.current
	if current == "" {
		d.mu.Unlock()
		return
	}
	d.state = StateDetecting
	sources := make([]InflightSource, len(d.sources))
	copy(sources, d.sources)
	ctx := d.ctx
	d.mu.Unlock()

	// Capture outside the lock: sources may consult other components.
	var items []Item
	for _, src := range sources {
		items = append(items, src(current)...)
	}

	now := d.clk.Now()
	b := &Boundary{
		ID:               d.newBoundaryID(),
		Trigger:          t,
		CurrentSessionID: current,
		Confidence:       confidence,
		Items:            items,
		DetectedAt:       now,
	}

	d.mu.Lock()
	if d.state != StateDetecting {
		// A competing path moved the detector; drop this candidate.
		d.mu.Unlock()
		return
	}
	d.pending = b
	d.state = StateTransitionPending
	d.mu.Unlock()

	d.publish(event.BoundaryDetected{
		BoundaryID: b.ID,
		SessionID:  current,
		Trigger:    string(t),
		Confidence: confidence,
		At:         now,
	})
	for _, it := range items {
		m := it.Meta()
		d.publish(event.InflightDetected{
			ItemID:    m.ID,
			ItemType:  string(it.Type()),
			SessionID: m.SessionID,
			Priority:  string(m.Priority),
		})
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-d.clk.After(d.cfg.StabilizationWindow):
			d.confirm(b.ID)
		}
	}()
}

// confirm re-validates the pending boundary after its stabilization
// window and either runs the transition or rejects back to idle.
func (d *Detector) confirm(boundaryID string) {
	d.mu.Lock()
	b := d.pending
	if b == nil || b.ID != boundaryID || d.state != StateTransitionPending {
		d.mu.Unlock()
		return
	}

	reject := func(reason string) {
		d.pending = nil
		d.state = StateIdle
		d.mu.Unlock()
		d.publish(event.BoundaryRejected{
			BoundaryID: b.ID,
			SessionID:  b.CurrentSessionID,
			Trigger:    string(b.Trigger),
			Reason:     reason,
		})
	}

	snap, ok := d.cfg.Sessions.GetSession(b.CurrentSessionID)
	if !ok || snap.State != session.StateActive {
		reject("session-not-active")
		return
	}
	if b.Confidence < d.cfg.ConfidenceThreshold {
		reject("low-confidence")
		return
	}
	if b.Trigger != TriggerForced {
		now := d.clk.Now()
		for _, it := range b.Items {
			m := it.Meta()
			if m.Priority == PriorityCritical && !m.Expired(now) {
				reject("critical-inflight")
				return
			}
		}
	}

	d.pending = nil
	d.state = StateTransitioning
	d.mu.Unlock()

	d.runTransition(b)
}

// runTransition executes the confirmed boundary: create the successor,
// drain every captured item, finalize remaining utterances, stop the old
// session and start the new one. Any failure parks the detector in ERROR,
// which auto-recovers to IDLE after the configured delay.
func (d *Detector) runTransition(b *Boundary) {
	d.mu.Lock()
	runCtx := d.ctx
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(runCtx, d.cfg.MaxTransitionTime)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "boundary.transition",
		trace.WithAttributes(
			attribute.String("boundary.id", b.ID),
			attribute.String("boundary.trigger", string(b.Trigger)),
			attribute.String("session.id", b.CurrentSessionID),
		),
	)
	defer span.End()

	start := d.clk.Now()

	// A session timeout ends the conversation; every other trigger hands
	// off to a successor session.
	if b.Trigger != TriggerSessionTimeout {
		next, err := d.cfg.Sessions.CreateSession(ctx)
		if err != nil {
			d.fail(b, fmt.Errorf("create successor session: %w", err))
			return
		}
		b.NextSessionID = next
	}

	d.publish(event.BoundaryConfirmed{
		BoundaryID:    b.ID,
		SessionID:     b.CurrentSessionID,
		NextSessionID: b.NextSessionID,
		Trigger:       string(b.Trigger),
		Confidence:    b.Confidence,
	})
	d.publish(event.TransitionStarted{
		BoundaryID:    b.ID,
		FromSessionID: b.CurrentSessionID,
		ToSessionID:   b.NextSessionID,
	})

	processed, expired := d.drain(b)

	// Finalize whatever the drain didn't cover, then stop the session.
	for _, u := range d.cfg.FSM.Snapshot() {
		if u.SessionID != b.CurrentSessionID || u.State.Terminal() {
			continue
		}
		d.cfg.FSM.ApplyFinal(u.ID, u.TextDraft, u.Confidence)
		if err := d.cfg.Sessions.CompleteTranscriptInSession(b.CurrentSessionID, u.ID); err != nil {
			d.fail(b, fmt.Errorf("complete transcript %s: %w", u.ID, err))
			return
		}
	}

	if err := d.cfg.Sessions.StopSession(b.CurrentSessionID); err != nil {
		d.fail(b, fmt.Errorf("stop session: %w", err))
		return
	}
	if b.NextSessionID != "" {
		if err := d.cfg.Sessions.StartSession(b.NextSessionID); err != nil {
			d.fail(b, fmt.Errorf("start successor session: %w", err))
			return
		}
	}

	b.Duration = d.clk.Now().Sub(start)

	// The detector holds STABILIZED while the completion events fan out,
	// then settles back to IDLE. Triggers arriving in between are rejected
	// as busy rather than queued.
	d.mu.Lock()
	d.state = StateStabilized
	if b.NextSessionID != "" {
		d.current = b.NextSessionID
	} else {
		d.current = ""
	}
	d.mu.Unlock()

	d.publish(event.TransitionCompleted{
		BoundaryID:    b.ID,
		FromSessionID: b.CurrentSessionID,
		ToSessionID:   b.NextSessionID,
		Duration:      b.Duration,
		Processed:     processed,
		Expired:       expired,
	})
	d.publish(event.SessionBoundary{
		FromSessionID: b.CurrentSessionID,
		ToSessionID:   b.NextSessionID,
		Trigger:       string(b.Trigger),
		At:            d.clk.Now(),
	})

	d.mu.Lock()
	if d.state == StateStabilized {
		d.state = StateIdle
	}
	d.mu.Unlock()

	observe.Logger(ctx).Info("boundary transition completed",
		"boundary_id", b.ID,
		"from", b.CurrentSessionID,
		"to", b.NextSessionID,
		"trigger", b.Trigger,
		"duration", b.Duration,
		"processed", processed,
		"expired", expired,
	)
}

// drain routes every captured item through its type handler. Expired items
// are marked expired; everything else is processed. The switch is
// exhaustive over the in-flight variants.
func (d *Detector) drain(b *Boundary) (processed, expired int) {
	now := d.clk.Now()

	for _, it := range b.Items {
		m := it.Meta()
		if m.Expired(now) {
			expired++
			d.publish(event.InflightExpired{ItemID: m.ID, ItemType: string(it.Type())})
			continue
		}

		outcome := ""
		switch item := it.(type) {
		case PartialTranscript:
			// The provider will never deliver this partial's final once
			// the session is gone; promote the captured text instead.
			d.cfg.FSM.ApplyFinal(item.UtteranceID, item.Text, item.Confidence)
			_ = d.cfg.Sessions.CompleteTranscriptInSession(b.CurrentSessionID, item.UtteranceID)
			outcome = "finalized"
		case AudioBuffer:
			if d.cfg.FlushAudio != nil {
				if err := d.cfg.FlushAudio(item); err != nil {
					slog.Warn("boundary: audio flush failed", "item_id", m.ID, "err", err)
				}
			}
			outcome = "flushed"
		case PendingResponse:
			if item.Await != nil {
				if err := item.Await(); err != nil {
					expired++
					d.publish(event.InflightExpired{ItemID: m.ID, ItemType: string(it.Type())})
					continue
				}
			}
			outcome = "acknowledged"
		case QueuedRequest:
			if m.Priority == PriorityCritical && b.NextSessionID != "" && d.cfg.TransferRequest != nil {
				if err := d.cfg.TransferRequest(item, b.NextSessionID); err != nil {
					slog.Warn("boundary: request transfer failed", "item_id", m.ID, "err", err)
					outcome = "released"
				} else {
					outcome = "transferred"
				}
			} else {
				outcome = "released"
			}
		case TransportMessage:
			if d.cfg.DeliverTransport != nil {
				if err := d.cfg.DeliverTransport(item); err != nil {
					slog.Warn("boundary: transport handoff failed", "item_id", m.ID, "err", err)
				}
			}
			outcome = "handled"
		default:
			// Unknown variant: expire rather than drop silently.
			expired++
			d.publish(event.InflightExpired{ItemID: m.ID, ItemType: string(it.Type())})
			continue
		}

		processed++
		d.publish(event.InflightProcessed{
			ItemID:   m.ID,
			ItemType: string(it.Type()),
			Outcome:  outcome,
		})
	}
	return processed, expired
}

// fail parks the detector in ERROR, marks the guarded session failed, and
// schedules auto-recovery back to IDLE.
func (d *Detector) fail(b *Boundary, err error) {
	slog.Error("boundary transition failed",
		"boundary_id", b.ID,
		"session_id", b.CurrentSessionID,
		"err", err,
	)

	d.mu.Lock()
	d.state = StateError
	ctx := d.ctx
	d.mu.Unlock()

	_ = d.cfg.Sessions.FailSession(b.CurrentSessionID, err)
	d.publish(event.TransitionFailed{
		BoundaryID:    b.ID,
		FromSessionID: b.CurrentSessionID,
		Err:           err.Error(),
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-d.clk.After(d.cfg.ErrorRecoveryDelay):
			d.mu.Lock()
			if d.state == StateError {
				d.state = StateIdle
			}
			d.mu.Unlock()
		}
	}()
}

// checkTimeouts triggers a timeout boundary when the guarded session is
// too old or has been idle too long.
func (d *Detector) checkTimeouts() {
	d.mu.Lock()
	current := d.current
	idle := d.state == StateIdle
	d.mu.Unlock()
	if current == "" || !idle {
		return
	}

	snap, ok := d.cfg.Sessions.GetSession(current)
	if !ok || snap.State != session.StateActive {
		return
	}

	now := d.clk.Now()
	tooOld := !snap.StartedAt.IsZero() && now.Sub(snap.StartedAt) >= d.cfg.SessionMaxAge
	tooIdle := !snap.LastActivity.IsZero() && now.Sub(snap.LastActivity) >= d.cfg.SessionMaxIdle
	if !tooOld && !tooIdle {
		return
	}
	d.trigger(TriggerSessionTimeout, 0.9)
}

// newBoundaryID mints an identifier for a boundary event.
func (d *Detector) newBoundaryID() string {
	id, err := d.cfg.Generator.Generate(ident.GenerateOptions{
		Method: ident.MethodTimestamp,
		Prefix: "bnd",
	})
	if err != nil {
		// Boundary ids are only used for correlation; degrade gracefully.
		return fmt.Sprintf("bnd-%d", d.clk.Now().UnixNano())
	}
	return id
}

func (d *Detector) publish(e event.Event) {
	if d.cfg.Bus != nil {
		d.cfg.Bus.Publish(e)
	}
}
