package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("Validate(Default()) = %v, want nil", err)
	}
}

func TestLoadFromReader_EmptyKeepsDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Default()
	if cfg.Server.ListenAddr != want.Server.ListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, want.Server.ListenAddr)
	}
	if cfg.Boundary.ConfidenceThreshold != want.Boundary.ConfidenceThreshold {
		t.Errorf("ConfidenceThreshold = %v, want %v", cfg.Boundary.ConfidenceThreshold, want.Boundary.ConfidenceThreshold)
	}
	if cfg.Telemetry.EventLogMax != want.Telemetry.EventLogMax {
		t.Errorf("EventLogMax = %d, want %d", cfg.Telemetry.EventLogMax, want.Telemetry.EventLogMax)
	}
}

func TestLoadFromReader_PartialOverride(t *testing.T) {
	yml := `
server:
  listen_addr: ":9090"
  log_level: debug
transcript:
  late_partial_grace: 250ms
  late_partial_max: 5
`
	cfg, err := LoadFromReader(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if got := cfg.Transcript.LatePartialGrace.Std(); got != 250*time.Millisecond {
		t.Errorf("LatePartialGrace = %v, want 250ms", got)
	}
	if cfg.Transcript.LatePartialMax != 5 {
		t.Errorf("LatePartialMax = %d, want 5", cfg.Transcript.LatePartialMax)
	}

	// Untouched sections keep their defaults.
	if got := cfg.Transcript.RetentionWindow.Std(); got != 10*time.Minute {
		t.Errorf("RetentionWindow = %v, want default 10m", got)
	}
	if cfg.Session.MaxConcurrentActive != 3 {
		t.Errorf("MaxConcurrentActive = %d, want default 3", cfg.Session.MaxConcurrentActive)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yml := `
server:
  listen_adr: ":9090"
`
	_, err := LoadFromReader(strings.NewReader(yml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("error %q does not name the unknown field", err)
	}
}

func TestLoadFromReader_InvalidDuration(t *testing.T) {
	yml := `
boundary:
  silence_threshold: "two seconds"
`
	_, err := LoadFromReader(strings.NewReader(yml))
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("error %q does not mention the invalid duration", err)
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	cfg := Default()
	cfg.Server.LogLevel = "verbose"
	cfg.Events.MaxSubscribers = 0
	cfg.Boundary.ConfidenceThreshold = 1.5
	cfg.Telemetry.HealthThreshold = -0.1

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}

	for _, want := range []string{
		`server.log_level "verbose" is invalid`,
		"events.max_subscribers must be positive, got 0",
		"boundary.confidence_threshold must be within [0, 1], got 1.5",
		"telemetry.health_threshold must be within [0, 1], got -0.1",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidate_NegativeDuration(t *testing.T) {
	cfg := Default()
	cfg.Orphan.StaleTimeout = Duration(-time.Second)

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "orphan.stale_timeout must be positive") {
		t.Errorf("error %q does not flag orphan.stale_timeout", err)
	}
}

func TestValidate_OfflinePoolMayBeZero(t *testing.T) {
	cfg := Default()
	cfg.Ident.OfflinePoolSize = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("zero offline_pool_size should validate, got %v", err)
	}

	cfg.Ident.OfflinePoolSize = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("negative offline_pool_size should fail validation")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := "session:\n  max_concurrent_active: 7\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.MaxConcurrentActive != 7 {
		t.Errorf("MaxConcurrentActive = %d, want 7", cfg.Session.MaxConcurrentActive)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error %v does not wrap os.ErrNotExist", err)
	}
}

func TestDuration_MarshalRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	got, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "1m30s" {
		t.Errorf("MarshalYAML() = %v, want 1m30s", got)
	}
}
