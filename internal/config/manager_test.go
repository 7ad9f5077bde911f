package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  path: ./notifiq.db
ingest:
  spool_dir: ./spool
pipeline:
  workers: 4
  quick_dismiss: 3s
advisory:
  enabled: true
  provider: openai
  api_key: sk-test
  timeout: 5s
learner:
  enabled: true
  recalc_schedule: "@every 6h"
  retention_days: 30
delivery:
  enabled: false
  min_category: IMPORTANT
`

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestManagerLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Pipeline.Workers != 4 {
		t.Fatalf("Pipeline.Workers = %d", cfg.Pipeline.Workers)
	}
	if !cfg.Advisory.Enabled || cfg.Advisory.Provider != "openai" {
		t.Fatalf("Advisory = %+v", cfg.Advisory)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestManagerLoadJSON(t *testing.T) {
	t.Parallel()
	body := `{"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"storage":{"path":"x.db"},"ingest":{"spool_dir":"./spool"}}`
	m := NewManager(writeConfig(t, "config.json", body))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "x.db" {
		t.Fatalf("Storage.Path = %q", cfg.Storage.Path)
	}
}

func TestManagerRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", "logging:\n  level: info\nbogus_section:\n  x: 1\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown config section")
	}
}

func TestManagerRejectsTrailingJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}}}{"extra":1}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for trailing JSON document")
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{name: "empty uses default", raw: "", def: 5 * time.Second, want: 5 * time.Second},
		{name: "valid", raw: "90s", def: time.Second, want: 90 * time.Second},
		{name: "zero uses default", raw: "0s", def: 3 * time.Second, want: 3 * time.Second},
		{name: "negative rejected", raw: "-1s", wantErr: true},
		{name: "garbage rejected", raw: "soon", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration("test.field", tt.raw, tt.def)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDuration: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}
