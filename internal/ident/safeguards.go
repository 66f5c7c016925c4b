package ident

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/livecap/livecap/internal/clock"
	"github.com/livecap/livecap/internal/event"
)

// IDType classifies what an identifier names.
type IDType string

const (
	TypeSession    IDType = "session"
	TypeTranscript IDType = "transcript"
	TypeUtterance  IDType = "utterance"
)

// typePrefixes maps each identifier type to its required prefix.
var typePrefixes = map[IDType]string{
	TypeSession:    "ses",
	TypeTranscript: "trn",
	TypeUtterance:  "utt",
}

// Prefix returns the identifier prefix required for t, or "" for an
// unrecognised type.
func (t IDType) Prefix() string { return typePrefixes[t] }

// Result is the outcome of [Safeguards.ValidateAndRegister].
type Result string

const (
	ResultValid         Result = "VALID"
	ResultCollision     Result = "COLLISION"
	ResultReused        Result = "REUSED"
	ResultMismatch      Result = "MISMATCH"
	ResultInvalidFormat Result = "INVALID_FORMAT"
	ResultExpired       Result = "EXPIRED"
)

// Status is the lifecycle state of a registered identifier.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusOrphaned  Status = "orphaned"
	StatusExpired   Status = "expired"
	StatusInvalid   Status = "invalid"
)

// OrphanReason explains why the sweep reported an identifier as orphaned.
type OrphanReason string

const (
	OrphanSessionMismatch OrphanReason = "session_mismatch"
	OrphanSessionExpired  OrphanReason = "session_expired"
	OrphanIDReuse         OrphanReason = "id_reuse"
)

// Record is the per-identifier lifecycle entry owned by [Safeguards].
type Record struct {
	ID         string
	Type       IDType
	Status     Status
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
	SessionID  string
	ParentID   string
	ChildIDs   map[string]struct{}
	UsageCount int
	Checksum   string
	Source     Source
}

// SafeguardsConfig holds tuning and dependencies for [Safeguards].
type SafeguardsConfig struct {
	// ExpirationTime is how long a registration stays valid. Default: 24h.
	ExpirationTime time.Duration

	// MaxUsageCount is the usage budget per identifier. Default: 1000.
	MaxUsageCount int

	// MaxOrphanAge is how long orphaned records are retained before the
	// sweep purges them. Default: 5m.
	MaxOrphanAge time.Duration

	// SweepInterval is the cadence of [Safeguards.Run]. Default: 30s.
	SweepInterval time.Duration

	// Bus receives id:* and orphan:* events. May be nil.
	Bus *event.Bus

	// Clock supplies time. Default: the system clock.
	Clock clock.Clock
}

// Safeguards validates and tracks identifier lifecycles. Detections never
// raise: malformed input yields [ResultInvalidFormat], every other anomaly
// is reported through the result value and an event.
//
// All methods are safe for concurrent use.
type Safeguards struct {
	mu sync.Mutex

	cfg SafeguardsConfig
	clk clock.Clock

	records   map[string]*Record
	bySession map[string]map[string]struct{}
	orphans   map[string]orphanEntry
}

type orphanEntry struct {
	reason     OrphanReason
	detectedAt time.Time
}

// NewSafeguards creates a registry with the given configuration.
// Zero-value fields are replaced with defaults.
func NewSafeguards(cfg SafeguardsConfig) *Safeguards {
	if cfg.ExpirationTime <= 0 {
		cfg.ExpirationTime = 24 * time.Hour
	}
	if cfg.MaxUsageCount <= 0 {
		cfg.MaxUsageCount = 1000
	}
	if cfg.MaxOrphanAge <= 0 {
		cfg.MaxOrphanAge = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Safeguards{
		cfg:       cfg,
		clk:       clk,
		records:   make(map[string]*Record),
		bySession: make(map[string]map[string]struct{}),
		orphans:   make(map[string]orphanEntry),
	}
}

// ValidateAndRegister validates id and, when valid, stores its record and
// parent linkage. sessionID names the owning session ("" for a session's
// own id, which owns itself). parentID links child identifiers for orphan
// detection.
func (s *Safeguards) ValidateAndRegister(id string, typ IDType, sessionID, parentID string) Result {
	if !formatOK(id, typ) {
		return ResultInvalidFormat
	}
	if typ == TypeSession && sessionID == "" {
		sessionID = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()

	if rec, ok := s.records[id]; ok {
		switch {
		case rec.Status == StatusExpired || now.After(rec.ExpiresAt):
			rec.Status = StatusExpired
			s.publish(event.IDExpired{ID: id, ExpiredAt: rec.ExpiresAt})
			return ResultExpired
		case rec.Status == StatusCompleted:
			s.publish(event.IDReuse{ID: id, SessionID: sessionID})
			return ResultReused
		case rec.SessionID != "" && sessionID != "" && rec.SessionID != sessionID:
			s.publish(event.IDMismatch{
				ID:             id,
				RecordedSessID: rec.SessionID,
				GivenSessID:    sessionID,
			})
			return ResultMismatch
		default:
			s.publish(event.IDCollision{ID: id, SessionID: sessionID})
			return ResultCollision
		}
	}

	rec := &Record{
		ID:         id,
		Type:       typ,
		Status:     StatusActive,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  now.Add(s.cfg.ExpirationTime),
		SessionID:  sessionID,
		ParentID:   parentID,
		ChildIDs:   make(map[string]struct{}),
		Source:     SourceOnline,
	}
	if body, sum, ok := splitChecksum(id); ok && checksum(body) == sum {
		rec.Checksum = sum
	}
	s.records[id] = rec

	if parentID != "" {
		if parent, ok := s.records[parentID]; ok {
			parent.ChildIDs[id] = struct{}{}
		}
	}
	if sessionID != "" && typ != TypeSession {
		members, ok := s.bySession[sessionID]
		if !ok {
			members = make(map[string]struct{})
			s.bySession[sessionID] = members
		}
		members[id] = struct{}{}
	}
	return ResultValid
}

// MarkCompleted transitions an identifier's record to the completed
// status. Completing an unknown identifier is a logged no-op.
func (s *Safeguards) MarkCompleted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		slog.Warn("ident: mark completed on unknown id", "id", id)
		return
	}
	rec.Status = StatusCompleted
	rec.LastUsedAt = s.clk.Now()
}

// UpdateUsage bumps the usage counter for id. It returns false once usage
// exceeds the configured maximum; the record is then marked invalid and
// all further usage is rejected.
func (s *Safeguards) UpdateUsage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status == StatusInvalid {
		return false
	}
	rec.UsageCount++
	rec.LastUsedAt = s.clk.Now()
	if rec.UsageCount > s.cfg.MaxUsageCount {
		rec.Status = StatusInvalid
		slog.Warn("ident: usage budget exhausted, id invalidated",
			"id", id,
			"usage", rec.UsageCount,
		)
		return false
	}
	return true
}

// IsValidID reports whether id is registered, active and unexpired.
func (s *Safeguards) IsValidID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	return ok && rec.Status == StatusActive && s.clk.Now().Before(rec.ExpiresAt)
}

// IsRegisteredActive reports whether id has an active record. It is the
// collision probe wired into the [Generator].
func (s *Safeguards) IsRegisteredActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	return ok && rec.Status == StatusActive
}

// GetRecord returns a copy of the record for id.
func (s *Safeguards) GetRecord(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	out := *rec
	out.ChildIDs = make(map[string]struct{}, len(rec.ChildIDs))
	for c := range rec.ChildIDs {
		out.ChildIDs[c] = struct{}{}
	}
	return out, true
}

// Run executes the periodic orphan sweep until ctx is done.
func (s *Safeguards) Run(ctx context.Context) {
	t := s.clk.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			s.Sweep()
		}
	}
}

// Sweep scans session → member linkage for orphans and purges orphaned
// records older than the maximum age. It returns the identifiers newly
// reported as orphans.
func (s *Safeguards) Sweep() []string {
	s.mu.Lock()
	now := s.clk.Now()

	var detected []event.OrphanDetected
	for sessionID, members := range s.bySession {
		sessRec, ok := s.records[sessionID]
		var reason OrphanReason
		switch {
		case !ok:
			reason = OrphanSessionMismatch
		case now.After(sessRec.ExpiresAt) || sessRec.Status == StatusExpired:
			reason = OrphanSessionExpired
		}

		for id := range members {
			rec, ok := s.records[id]
			if !ok {
				delete(members, id)
				continue
			}
			if rec.Status == StatusOrphaned || rec.Status == StatusCompleted {
				continue
			}
			memberReason := reason
			if memberReason == "" && rec.UsageCount >= s.cfg.MaxUsageCount {
				memberReason = OrphanIDReuse
			}
			if memberReason == "" {
				continue
			}
			rec.Status = StatusOrphaned
			s.orphans[id] = orphanEntry{reason: memberReason, detectedAt: now}
			detected = append(detected, event.OrphanDetected{
				ID:         id,
				SessionID:  sessionID,
				Reason:     string(memberReason),
				DetectedAt: now,
			})
		}
	}

	// Purge orphans past the retention age from every index.
	var cleaned []string
	cutoff := now.Add(-s.cfg.MaxOrphanAge)
	for id, o := range s.orphans {
		if o.detectedAt.After(cutoff) {
			continue
		}
		cleaned = append(cleaned, id)
		rec := s.records[id]
		delete(s.orphans, id)
		delete(s.records, id)
		if rec != nil {
			if members, ok := s.bySession[rec.SessionID]; ok {
				delete(members, id)
				if len(members) == 0 {
					delete(s.bySession, rec.SessionID)
				}
			}
			if parent, ok := s.records[rec.ParentID]; ok {
				delete(parent.ChildIDs, id)
			}
		}
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(detected))
	for _, d := range detected {
		ids = append(ids, d.ID)
		s.publish(d)
		s.publish(event.IDOrphaned{ID: d.ID, Reason: d.Reason})
	}
	for _, id := range cleaned {
		s.publish(event.OrphanCleaned{ID: id})
	}
	return ids
}

// publish sends e to the bus when one is configured.
func (s *Safeguards) publish(e event.Event) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(e)
	}
}

// formatOK checks the type prefix and the safe character set.
func formatOK(id string, typ IDType) bool {
	prefix := typ.Prefix()
	if prefix == "" || !strings.HasPrefix(id, prefix+"-") {
		return false
	}
	if len(id) <= len(prefix)+1 {
		return false
	}
	for _, r := range id {
		if !safeIDChar(r) {
			return false
		}
	}
	return true
}
