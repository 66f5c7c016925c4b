// Package boundary watches for signals that the current session should
// end, captures every piece of in-flight data at the boundary, and
// orchestrates the transition: drain, finalize, stop, hand off. No
// captured item is ever silently dropped — each one ends processed or
// explicitly expired.
package boundary

import "time"

// ItemType names the in-flight data variants.
type ItemType string

const (
	ItemPartialTranscript ItemType = "partial-transcript"
	ItemAudioBuffer       ItemType = "audio-buffer"
	ItemPendingResponse   ItemType = "pending-response"
	ItemQueuedRequest     ItemType = "queued-request"
	ItemTransportMessage  ItemType = "transport-message"
)

// Priority orders in-flight items during a transition. Critical items
// block boundary confirmation unless the trigger was forced.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ItemMeta is the envelope shared by every in-flight variant.
type ItemMeta struct {
	ID         string
	SessionID  string
	Priority   Priority
	ExpiresAt  time.Time
	RetryCount int
}

// Expired reports whether the item's deadline has passed at now. Items
// without a deadline never expire.
func (m ItemMeta) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Item is the tagged union of in-flight data captured at a boundary. The
// concrete variants below are exhaustive: the drain switch in the detector
// handles every one, so adding a variant without a handler fails loudly in
// review rather than silently at a boundary.
type Item interface {
	Meta() ItemMeta
	Type() ItemType
}

// PartialTranscript is an undelivered cumulative partial for a live
// utterance. Drained by finalizing the utterance with the captured text.
type PartialTranscript struct {
	ItemMeta
	UtteranceID string
	Text        string
	Confidence  float64
}

func (p PartialTranscript) Meta() ItemMeta { return p.ItemMeta }
func (PartialTranscript) Type() ItemType   { return ItemPartialTranscript }

// AudioBuffer is captured audio that has not been handed to the provider
// yet. Drained by flushing it through the registered flush hook.
type AudioBuffer struct {
	ItemMeta
	Samples int
	Data    []byte
}

func (a AudioBuffer) Meta() ItemMeta { return a.ItemMeta }
func (AudioBuffer) Type() ItemType   { return ItemAudioBuffer }

// PendingResponse is a provider request whose reply is outstanding.
// Drained by awaiting it within the transition budget, or expiring it.
type PendingResponse struct {
	ItemMeta
	RequestID string

	// Await blocks until the response arrives or errors. May be nil, in
	// which case the item is acknowledged without waiting.
	Await func() error
}

func (p PendingResponse) Meta() ItemMeta { return p.ItemMeta }
func (PendingResponse) Type() ItemType   { return ItemPendingResponse }

// QueuedRequest is a request queued but not yet sent. Critical-priority
// requests are transferred to the successor session; others are released.
type QueuedRequest struct {
	ItemMeta
	Payload string
}

func (q QueuedRequest) Meta() ItemMeta { return q.ItemMeta }
func (QueuedRequest) Type() ItemType   { return ItemQueuedRequest }

// TransportMessage is a protocol-level message awaiting delivery.
type TransportMessage struct {
	ItemMeta
	Kind    string
	Payload []byte
}

func (t TransportMessage) Meta() ItemMeta { return t.ItemMeta }
func (TransportMessage) Type() ItemType   { return ItemTransportMessage }

// Trigger names the condition that initiated a boundary.
type Trigger string

const (
	TriggerSilence               Trigger = "silence"
	TriggerUserAction            Trigger = "user_action"
	TriggerTranscriptionComplete Trigger = "transcription_complete"
	TriggerConnectionChange      Trigger = "connection_change"
	TriggerSessionTimeout        Trigger = "session_timeout"
	TriggerForced                Trigger = "forced"
)

// Boundary is one detected session boundary, consumed exactly once per
// transition. Items are ephemeral: they exist only within the transition
// window and are never persisted.
type Boundary struct {
	ID               string
	Trigger          Trigger
	CurrentSessionID string
	NextSessionID    string
	Confidence       float64
	Items            []Item
	DetectedAt       time.Time
	Duration         time.Duration
}
