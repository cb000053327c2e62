package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Pipeline.Storage != "postgres" {
		t.Fatalf("unexpected default storage %q", cfg.Pipeline.Storage)
	}
	if cfg.Pipeline.CanonicalWindowDays != 7 || cfg.Pipeline.LookbackDays != 7 {
		t.Fatalf("unexpected window defaults: %+v", cfg.Pipeline)
	}
	if len(cfg.Pipeline.TrackedAttributes) == 0 {
		t.Fatalf("expected default tracked attributes")
	}
	if !cfg.Pipeline.EndOfTime.Equal(time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected end-of-time default: %s", cfg.Pipeline.EndOfTime)
	}
	if cfg.Pipeline.CloseOffset != 0 {
		t.Fatalf("expected zero close offset by default, got %s", cfg.Pipeline.CloseOffset)
	}
	if cfg.DB.DBName != "adlineage" {
		t.Fatalf("unexpected default dbname %q", cfg.DB.DBName)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
database:
  host: db.internal
  port: 5433

pipeline:
  storage: memory
  tracked_attributes:
    - name
    - geo
  canonical_attribution_window_days: 28
  lookback_window_days: 3
  close_offset: 1us
  conversion_metrics:
    - conversions
    - leads
  per_source_attribution_window_days:
    google: 30
    meta: 7
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.DB.Host != "db.internal" || cfg.DB.Port != 5433 {
		t.Fatalf("database overrides not applied: %+v", cfg.DB)
	}
	if cfg.Pipeline.Storage != "memory" {
		t.Fatalf("storage override not applied: %q", cfg.Pipeline.Storage)
	}
	if cfg.Pipeline.CanonicalWindowDays != 28 || cfg.Pipeline.LookbackDays != 3 {
		t.Fatalf("window overrides not applied: %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.CloseOffset != time.Microsecond {
		t.Fatalf("close offset not parsed: %s", cfg.Pipeline.CloseOffset)
	}
	if len(cfg.Pipeline.TrackedAttributes) != 2 {
		t.Fatalf("tracked attributes not applied: %v", cfg.Pipeline.TrackedAttributes)
	}
	if cfg.Pipeline.PerSourceWindowDays["google"] != 30 || cfg.Pipeline.PerSourceWindowDays["meta"] != 7 {
		t.Fatalf("per-source windows not applied: %v", cfg.Pipeline.PerSourceWindowDays)
	}
	if len(cfg.Pipeline.ConversionMetrics) != 2 {
		t.Fatalf("conversion metrics not applied: %v", cfg.Pipeline.ConversionMetrics)
	}
}

func TestLoadRejectsBadCloseOffset(t *testing.T) {
	dir := t.TempDir()
	yaml := "pipeline:\n  close_offset: nonsense\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatalf("expected an error for an unparseable close offset")
	}
}
