package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadPolicy_Defaults(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}

	if err := p.Validate(); err != nil {
		t.Fatalf("embedded policy should be valid: %v", err)
	}
	if p.Warmup.Duration != 500*time.Millisecond {
		t.Errorf("expected warmup 500ms, got %v", p.Warmup.Duration)
	}
	if p.SampleEvery != 2 {
		t.Errorf("expected sample_every 2, got %d", p.SampleEvery)
	}
	if p.QualityFloor != 40 {
		t.Errorf("expected quality floor 40, got %f", p.QualityFloor)
	}
	if p.MatchThreshold != 0.65 {
		t.Errorf("expected match threshold 0.65, got %f", p.MatchThreshold)
	}
	if p.LocationTimeout.Duration != 10*time.Second {
		t.Errorf("expected location timeout 10s, got %v", p.LocationTimeout.Duration)
	}
	if p.AutoConfirm {
		t.Error("auto confirm must be disabled by default")
	}
}

func TestLoadPolicy_OverrideKeepsUnsetDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("match_threshold: 0.8\nwarmup: 1s\n"), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	if p.MatchThreshold != 0.8 {
		t.Errorf("expected overridden threshold 0.8, got %f", p.MatchThreshold)
	}
	if p.Warmup.Duration != time.Second {
		t.Errorf("expected overridden warmup 1s, got %v", p.Warmup.Duration)
	}
	if p.SampleEvery != 2 {
		t.Errorf("expected default sample_every to survive override, got %d", p.SampleEvery)
	}
}

func TestLoadPolicy_InvalidOverride(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad duration", "warmup: soon\n"},
		{"bad mode", "mode: burst\n"},
		{"zero cadence", "sample_every: 0\n"},
		{"threshold out of range", "match_threshold: 1.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "policy.yaml")
			if err := os.WriteFile(path, []byte(tt.body), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadPolicy(path); err == nil {
				t.Errorf("expected error for %q", tt.body)
			}
		})
	}
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing policy file")
	}
}

func TestLoad_CameraDefaults(t *testing.T) {
	os.Unsetenv("FACEGATE_DEVICE")
	os.Unsetenv("FACEGATE_WIDTH")
	os.Unsetenv("FACEGATE_POLICY_FILE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Camera.Device != "/dev/video0" {
		t.Errorf("expected default device /dev/video0, got '%s'", cfg.Camera.Device)
	}
	if cfg.Camera.Width != 640 {
		t.Errorf("expected default width 640, got %d", cfg.Camera.Width)
	}
	if cfg.Camera.Facing != "front" {
		t.Errorf("expected default facing front, got '%s'", cfg.Camera.Facing)
	}
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("FACEGATE_WIDTH", "wide")
	t.Setenv("FACEGATE_HEIGHT", "-10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Camera.Width != 640 {
		t.Errorf("expected fallback width 640, got %d", cfg.Camera.Width)
	}
	if cfg.Camera.Height != 480 {
		t.Errorf("expected fallback height 480, got %d", cfg.Camera.Height)
	}
}

func TestLoad_EngineTimeout(t *testing.T) {
	t.Setenv("ENGINE_READ_TIMEOUT", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.ReadTimeout != 3*time.Second {
		t.Errorf("expected engine timeout 3s, got %v", cfg.Engine.ReadTimeout)
	}
}

func TestDatabaseURL(t *testing.T) {
	t.Run("explicit url wins", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://a@b/c")
		t.Setenv("POSTGRES_HOST", "ignored")
		if got := databaseURL(); got != "postgres://a@b/c" {
			t.Errorf("got %s", got)
		}
	})

	t.Run("built from parts", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("POSTGRES_HOST", "db")
		t.Setenv("POSTGRES_USER", "u")
		t.Setenv("POSTGRES_PASSWORD", "p")
		t.Setenv("POSTGRES_DB", "facegate")
		t.Setenv("POSTGRES_PORT", "")
		want := "postgres://u:p@db:5432/facegate"
		if got := databaseURL(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	})

	t.Run("local default", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("POSTGRES_HOST", "")
		if got := databaseURL(); got != "postgres://localhost:5432/facegate" {
			t.Errorf("got %s", got)
		}
	})
}

func TestLoad_Location(t *testing.T) {
	t.Setenv("KIOSK_LATITUDE", "50.08")
	t.Setenv("KIOSK_LONGITUDE", "14.42")
	t.Setenv("GEOIP_DB_PATH", "/data/GeoLite2-City.mmdb")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Location.Latitude != "50.08" || cfg.Location.Longitude != "14.42" {
		t.Errorf("unexpected coordinates %+v", cfg.Location)
	}
	if cfg.Location.GeoIPPath != "/data/GeoLite2-City.mmdb" {
		t.Errorf("unexpected geoip path '%s'", cfg.Location.GeoIPPath)
	}
}

func TestPolicyValidate_ReportsYAMLKeys(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatal(err)
	}
	p.SpoofThreshold = 0
	p.Quality.MaxYaw = 120

	err = p.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"spoof_threshold", "quality.max_yaw"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}

	p, _ = LoadPolicy("")
	p.LocationTimeout.Duration = 0
	if err := p.Validate(); err == nil {
		t.Error("expected error for zero location timeout")
	}
}
