// Package config provides the configuration schema, loader, and validation
// for the livecap session-coordination core.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the livecap process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Duration is a [time.Duration] that unmarshals from YAML strings like
// "250ms" or "1m30s".
type Duration time.Duration

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration back to its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for livecap.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Events     EventsConfig     `yaml:"events"`
	Ident      IdentConfig      `yaml:"ident"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Orphan     OrphanConfig     `yaml:"orphan"`
	Session    SessionConfig    `yaml:"session"`
	Boundary   BoundaryConfig   `yaml:"boundary"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the metrics/health endpoint listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// EventsConfig tunes the in-process event bus.
type EventsConfig struct {
	// MaxSubscribers bounds listener growth on the shared bus.
	MaxSubscribers int `yaml:"max_subscribers"`
}

// IdentConfig tunes identifier generation and the safeguards registry.
type IdentConfig struct {
	// ExpirationTime is how long a registered identifier stays valid.
	ExpirationTime Duration `yaml:"expiration_time"`

	// MaxUsageCount is the number of usage bumps an identifier accepts
	// before its record is marked invalid.
	MaxUsageCount int `yaml:"max_usage_count"`

	// MaxOrphanAge is how long an orphaned identifier is retained before
	// the sweep purges it from all indices.
	MaxOrphanAge Duration `yaml:"max_orphan_age"`

	// CacheSize bounds the generator's id → metadata cache.
	CacheSize int `yaml:"cache_size"`

	// CacheTTL expires cached generator entries.
	CacheTTL Duration `yaml:"cache_ttl"`

	// CollisionRetries is how many times generation retries on collision
	// before switching to the fallback method.
	CollisionRetries int `yaml:"collision_retries"`

	// OfflinePoolSize is the number of pre-generated identifiers kept
	// ready while offline.
	OfflinePoolSize int `yaml:"offline_pool_size"`

	// SyncInterval is the cadence of the background sync loop that
	// flushes offline-generated identifiers.
	SyncInterval Duration `yaml:"sync_interval"`

	// SyncBatchSize is the maximum number of pending identifiers flushed
	// per sync cycle.
	SyncBatchSize int `yaml:"sync_batch_size"`

	// SweepInterval is the cadence of the safeguards orphan sweep.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// TranscriptConfig tunes the utterance state machine.
type TranscriptConfig struct {
	// RetentionWindow is how long terminal utterances are retained before
	// the sweep prunes them.
	RetentionWindow Duration `yaml:"retention_window"`

	// MaxUtterances caps the total tracked utterance count; the oldest
	// entries are trimmed beyond it.
	MaxUtterances int `yaml:"max_utterances"`

	// SweepInterval is the cadence of the retention sweep.
	SweepInterval Duration `yaml:"sweep_interval"`

	// LatePartialGrace is the window after finalization during which late
	// partials are still accepted.
	LatePartialGrace Duration `yaml:"late_partial_grace"`

	// LatePartialMax caps how many late partials one utterance accepts.
	LatePartialMax int `yaml:"late_partial_max"`
}

// OrphanConfig tunes the stuck-utterance watchdog.
type OrphanConfig struct {
	// ScanInterval is the cadence of the orphan scan.
	ScanInterval Duration `yaml:"scan_interval"`

	// AwaitingFinalTimeout force-finalizes utterances stuck awaiting a
	// final result.
	AwaitingFinalTimeout Duration `yaml:"awaiting_final_timeout"`

	// StaleTimeout recovers utterances with no activity in any state.
	StaleTimeout Duration `yaml:"stale_timeout"`

	// MaxRecoveryAttempts caps automatic recovery per utterance.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`
}

// SessionConfig tunes the session lifecycle manager.
type SessionConfig struct {
	// MaxConcurrentActive limits simultaneously active sessions, enforced
	// at start time.
	MaxConcurrentActive int `yaml:"max_concurrent_active"`

	// CheckpointHistory bounds the per-session checkpoint list; the
	// oldest checkpoint is pruned beyond it.
	CheckpointHistory int `yaml:"checkpoint_history"`

	// CreateRetries bounds id-generation retries during session creation.
	CreateRetries int `yaml:"create_retries"`

	// CreateBackoff is the base randomized backoff between creation
	// retries.
	CreateBackoff Duration `yaml:"create_backoff"`
}

// BoundaryConfig tunes session boundary detection and transitions.
type BoundaryConfig struct {
	// SilenceThreshold is the minimum silence duration that can trigger a
	// boundary.
	SilenceThreshold Duration `yaml:"silence_threshold"`

	// StabilizationWindow is the delay between detection and
	// confirmation, guarding against false triggers.
	StabilizationWindow Duration `yaml:"stabilization_window"`

	// MaxTransitionTime bounds a whole drain-and-handoff sequence.
	MaxTransitionTime Duration `yaml:"max_transition_time"`

	// ConfidenceThreshold is the minimum trigger confidence required at
	// confirmation.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// ErrorRecoveryDelay is how long the detector parks in its error
	// state before returning to idle.
	ErrorRecoveryDelay Duration `yaml:"error_recovery_delay"`

	// SessionMaxAge triggers a timeout boundary for sessions older than
	// this.
	SessionMaxAge Duration `yaml:"session_max_age"`

	// SessionMaxIdle triggers a timeout boundary for sessions with no
	// activity for this long.
	SessionMaxIdle Duration `yaml:"session_max_idle"`

	// TimeoutCheckInterval is the cadence of the age/idle timeout check.
	TimeoutCheckInterval Duration `yaml:"timeout_check_interval"`

	// UserActions whitelists UI actions that may trigger a boundary.
	UserActions []string `yaml:"user_actions"`

	// ConnectionEvents whitelists transport events that may trigger a
	// boundary.
	ConnectionEvents []string `yaml:"connection_events"`
}

// TelemetryConfig tunes the recovery/observability layer.
type TelemetryConfig struct {
	// HealthInterval is the cadence of health score recomputation.
	HealthInterval Duration `yaml:"health_interval"`

	// HealthThreshold is the score below which a degraded-health event is
	// emitted.
	HealthThreshold float64 `yaml:"health_threshold"`

	// EventLogWindow bounds the retained telemetry event log by age.
	EventLogWindow Duration `yaml:"event_log_window"`

	// EventLogMax bounds the retained telemetry event log by count.
	EventLogMax int `yaml:"event_log_max"`

	// CheckpointMaxAge is the oldest a checkpoint may be and still make a
	// session worth resuming during recovery analysis.
	CheckpointMaxAge Duration `yaml:"checkpoint_max_age"`
}

// Default returns the production defaults. [Load] starts from these so a
// partial YAML file only overrides what it names.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Events: EventsConfig{
			MaxSubscribers: 64,
		},
		Ident: IdentConfig{
			ExpirationTime:   Duration(24 * time.Hour),
			MaxUsageCount:    1000,
			MaxOrphanAge:     Duration(5 * time.Minute),
			CacheSize:        1000,
			CacheTTL:         Duration(time.Hour),
			CollisionRetries: 3,
			OfflinePoolSize:  50,
			SyncInterval:     Duration(30 * time.Second),
			SyncBatchSize:    20,
			SweepInterval:    Duration(30 * time.Second),
		},
		Transcript: TranscriptConfig{
			RetentionWindow:  Duration(10 * time.Minute),
			MaxUtterances:    2000,
			SweepInterval:    Duration(time.Minute),
			LatePartialGrace: Duration(2 * time.Second),
			LatePartialMax:   3,
		},
		Orphan: OrphanConfig{
			ScanInterval:         Duration(5 * time.Second),
			AwaitingFinalTimeout: Duration(10 * time.Second),
			StaleTimeout:         Duration(30 * time.Second),
			MaxRecoveryAttempts:  3,
		},
		Session: SessionConfig{
			MaxConcurrentActive: 3,
			CheckpointHistory:   10,
			CreateRetries:       5,
			CreateBackoff:       Duration(50 * time.Millisecond),
		},
		Boundary: BoundaryConfig{
			SilenceThreshold:     Duration(2 * time.Second),
			StabilizationWindow:  Duration(500 * time.Millisecond),
			MaxTransitionTime:    Duration(10 * time.Second),
			ConfidenceThreshold:  0.7,
			ErrorRecoveryDelay:   Duration(5 * time.Second),
			SessionMaxAge:        Duration(30 * time.Minute),
			SessionMaxIdle:       Duration(5 * time.Minute),
			TimeoutCheckInterval: Duration(15 * time.Second),
			UserActions:          []string{"stop", "new_session", "switch_mode"},
			ConnectionEvents:     []string{"disconnected", "reconnect_failed"},
		},
		Telemetry: TelemetryConfig{
			HealthInterval:   Duration(30 * time.Second),
			HealthThreshold:  0.5,
			EventLogWindow:   Duration(15 * time.Minute),
			EventLogMax:      5000,
			CheckpointMaxAge: Duration(5 * time.Minute),
		},
	}
}
