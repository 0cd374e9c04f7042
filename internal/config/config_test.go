package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
logging:
  level: DEBUG
  console: true
storage:
  driver: sqlite
  path: ./petminder.db
engine:
  past_tolerance: 5s
  recovery_grace: 5m
  timezone: UTC
notify:
  enabled: true
  workers: 2
  rate_per_sec: 5
  dedup_window: 10m
  persist_dedup: true
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Engine.Timezone != "UTC" || cfg.Engine.RecoveryGrace != "5m" {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if !cfg.Notify.Enabled || !cfg.Notify.PersistDedup || cfg.Notify.DedupWindow != "10m" {
		t.Fatalf("notify = %+v", cfg.Notify)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "logging": {"level": "INFO", "console": true},
  "storage": {"driver": "memory"},
  "engine": {},
  "notify": {"enabled": false},
  "telegram": {"enabled": false, "token": ""}
}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.yaml", `
logging:
  level: INFO
  verbosity: extreme
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeFile(t, "config.json", `{"logging":{"level":"INFO"}}{"extra":true}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("trailing data accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"10s", 10 * time.Second, false},
		{" 1m ", time.Minute, false},
		{"-5s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDurationField("test.field", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDurationField(%q): no error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDurationField(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseDurationField(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	if d, err := ParseDurationOrDefault("f", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	if d, err := ParseDurationOrDefault("f", "3s", 7*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("set: d=%v err=%v", d, err)
	}
}
