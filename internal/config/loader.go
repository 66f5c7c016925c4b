package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Values not present in the file keep their [Default] value.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	requirePositiveInt(&errs, "events.max_subscribers", cfg.Events.MaxSubscribers)

	requirePositiveDur(&errs, "ident.expiration_time", cfg.Ident.ExpirationTime)
	requirePositiveInt(&errs, "ident.max_usage_count", cfg.Ident.MaxUsageCount)
	requirePositiveDur(&errs, "ident.max_orphan_age", cfg.Ident.MaxOrphanAge)
	requirePositiveInt(&errs, "ident.cache_size", cfg.Ident.CacheSize)
	requirePositiveDur(&errs, "ident.cache_ttl", cfg.Ident.CacheTTL)
	requirePositiveInt(&errs, "ident.collision_retries", cfg.Ident.CollisionRetries)
	requirePositiveDur(&errs, "ident.sync_interval", cfg.Ident.SyncInterval)
	requirePositiveInt(&errs, "ident.sync_batch_size", cfg.Ident.SyncBatchSize)
	requirePositiveDur(&errs, "ident.sweep_interval", cfg.Ident.SweepInterval)
	if cfg.Ident.OfflinePoolSize < 0 {
		errs = append(errs, fmt.Errorf("ident.offline_pool_size must not be negative, got %d", cfg.Ident.OfflinePoolSize))
	}

	requirePositiveDur(&errs, "transcript.retention_window", cfg.Transcript.RetentionWindow)
	requirePositiveInt(&errs, "transcript.max_utterances", cfg.Transcript.MaxUtterances)
	requirePositiveDur(&errs, "transcript.sweep_interval", cfg.Transcript.SweepInterval)
	requirePositiveDur(&errs, "transcript.late_partial_grace", cfg.Transcript.LatePartialGrace)
	requirePositiveInt(&errs, "transcript.late_partial_max", cfg.Transcript.LatePartialMax)

	requirePositiveDur(&errs, "orphan.scan_interval", cfg.Orphan.ScanInterval)
	requirePositiveDur(&errs, "orphan.awaiting_final_timeout", cfg.Orphan.AwaitingFinalTimeout)
	requirePositiveDur(&errs, "orphan.stale_timeout", cfg.Orphan.StaleTimeout)
	requirePositiveInt(&errs, "orphan.max_recovery_attempts", cfg.Orphan.MaxRecoveryAttempts)

	requirePositiveInt(&errs, "session.max_concurrent_active", cfg.Session.MaxConcurrentActive)
	requirePositiveInt(&errs, "session.checkpoint_history", cfg.Session.CheckpointHistory)
	requirePositiveInt(&errs, "session.create_retries", cfg.Session.CreateRetries)
	requirePositiveDur(&errs, "session.create_backoff", cfg.Session.CreateBackoff)

	requirePositiveDur(&errs, "boundary.silence_threshold", cfg.Boundary.SilenceThreshold)
	requirePositiveDur(&errs, "boundary.stabilization_window", cfg.Boundary.StabilizationWindow)
	requirePositiveDur(&errs, "boundary.max_transition_time", cfg.Boundary.MaxTransitionTime)
	requirePositiveDur(&errs, "boundary.error_recovery_delay", cfg.Boundary.ErrorRecoveryDelay)
	requirePositiveDur(&errs, "boundary.session_max_age", cfg.Boundary.SessionMaxAge)
	requirePositiveDur(&errs, "boundary.session_max_idle", cfg.Boundary.SessionMaxIdle)
	requirePositiveDur(&errs, "boundary.timeout_check_interval", cfg.Boundary.TimeoutCheckInterval)
	if cfg.Boundary.ConfidenceThreshold < 0 || cfg.Boundary.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("boundary.confidence_threshold must be within [0, 1], got %v", cfg.Boundary.ConfidenceThreshold))
	}

	requirePositiveDur(&errs, "telemetry.health_interval", cfg.Telemetry.HealthInterval)
	requirePositiveDur(&errs, "telemetry.event_log_window", cfg.Telemetry.EventLogWindow)
	requirePositiveInt(&errs, "telemetry.event_log_max", cfg.Telemetry.EventLogMax)
	requirePositiveDur(&errs, "telemetry.checkpoint_max_age", cfg.Telemetry.CheckpointMaxAge)
	if cfg.Telemetry.HealthThreshold < 0 || cfg.Telemetry.HealthThreshold > 1 {
		errs = append(errs, fmt.Errorf("telemetry.health_threshold must be within [0, 1], got %v", cfg.Telemetry.HealthThreshold))
	}

	return errors.Join(errs...)
}

func requirePositiveInt(errs *[]error, name string, v int) {
	if v <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be positive, got %d", name, v))
	}
}

func requirePositiveDur(errs *[]error, name string, v Duration) {
	if v <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be positive, got %s", name, v.Std()))
	}
}
