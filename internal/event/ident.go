package event

import "time"

// IDCollision is emitted when registration is attempted for an identifier
// that is already ACTIVE.
type IDCollision struct {
	ID        string
	SessionID string
}

func (IDCollision) Name() string { return "id:collision" }

// IDReuse is emitted when registration is attempted for an identifier that
// was previously completed. Reuse is flagged, never silently accepted.
type IDReuse struct {
	ID        string
	SessionID string
}

func (IDReuse) Name() string { return "id:reuse" }

// IDMismatch is emitted when a child identifier is re-validated under a
// session other than the one recorded at registration time.
type IDMismatch struct {
	ID             string
	RecordedSessID string
	GivenSessID    string
}

func (IDMismatch) Name() string { return "id:mismatch" }

// IDExpired is emitted when validation encounters an identifier past its
// expiry timestamp.
type IDExpired struct {
	ID        string
	ExpiredAt time.Time
}

func (IDExpired) Name() string { return "id:expired" }

// IDOrphaned is emitted when an identifier's record is marked orphaned.
type IDOrphaned struct {
	ID     string
	Reason string
}

func (IDOrphaned) Name() string { return "id:orphaned" }

// OrphanDetected is emitted by the safeguards sweep for each utterance
// identifier whose owning session is missing, expired or exhausted.
type OrphanDetected struct {
	ID        string
	SessionID string

	// Reason is "session_mismatch", "session_expired" or "id_reuse".
	Reason     string
	DetectedAt time.Time
}

func (OrphanDetected) Name() string { return "orphan:detected" }

// OrphanCleaned is emitted when an orphaned identifier older than the
// configured maximum age is purged from all indices.
type OrphanCleaned struct {
	ID string
}

func (OrphanCleaned) Name() string { return "orphan:cleaned" }
