package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"notifiq/internal/config"
	"notifiq/internal/engine"
	"notifiq/internal/storage"
	logx "notifiq/pkg/logx"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Storage: config.StorageConfig{Path: filepath.Join(dir, "n.db")},
		Ingest:  config.IngestConfig{SpoolDir: filepath.Join(dir, "spool")},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	bad := 120
	cases := []struct {
		name   string
		mutate func(*config.Config)
		ok     bool
	}{
		{"minimal", func(*config.Config) {}, true},
		{"no storage path", func(c *config.Config) { c.Storage.Path = "" }, false},
		{"no spool dir", func(c *config.Config) { c.Ingest.SpoolDir = "" }, false},
		{"bad quick dismiss", func(c *config.Config) { c.Pipeline.QuickDismiss = "soon" }, false},
		{"advisory missing key", func(c *config.Config) {
			c.Advisory = config.AdvisoryConfig{Enabled: true, Provider: "openai"}
		}, false},
		{"advisory ok", func(c *config.Config) {
			c.Advisory = config.AdvisoryConfig{Enabled: true, Provider: "openai", APIKey: "sk-x"}
		}, true},
		{"advisory disabled skips checks", func(c *config.Config) {
			c.Advisory = config.AdvisoryConfig{Enabled: false, Provider: "nope"}
		}, true},
		{"delivery missing chat", func(c *config.Config) {
			c.Delivery = config.DeliveryConfig{Enabled: true, Token: "t"}
		}, false},
		{"delivery bad category", func(c *config.Config) {
			c.Delivery = config.DeliveryConfig{Enabled: true, Token: "t", ChatID: 1, MinCategory: "URGENT"}
		}, false},
		{"learner bad schedule", func(c *config.Config) {
			c.Learner = config.LearnerConfig{Enabled: true, RecalcSchedule: "every day at noon"}
		}, false},
		{"learner bad timezone", func(c *config.Config) {
			c.Learner = config.LearnerConfig{Enabled: true, Timezone: "Mars/Olympus"}
		}, false},
		{"learner ok", func(c *config.Config) {
			c.Learner = config.LearnerConfig{Enabled: true, RecalcSchedule: "0 3 * * *", Timezone: "UTC"}
		}, true},
		{"keyword bad class", func(c *config.Config) {
			c.Rules.Keywords = []config.KeywordRuleConfig{{Keyword: "x", Class: "LOUD"}}
		}, false},
		{"keyword modifier out of range", func(c *config.Config) {
			c.Rules.Keywords = []config.KeywordRuleConfig{{Keyword: "x", Class: "SPAM", Modifier: -60}}
		}, false},
		{"override empty", func(c *config.Config) {
			c.Rules.AppOverrides = []config.AppOverrideConfig{{AppID: "com.x"}}
		}, false},
		{"override bad base score", func(c *config.Config) {
			c.Rules.AppOverrides = []config.AppOverrideConfig{{AppID: "com.x", BaseScore: &bad}}
		}, false},
		{"override lowercase category", func(c *config.Config) {
			c.Rules.AppOverrides = []config.AppOverrideConfig{{AppID: "com.x", Category: "critical"}}
		}, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig(t)
			tc.mutate(cfg)
			err := validate(cfg)
			if tc.ok && err != nil {
				t.Fatalf("validate: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("validate accepted a bad config")
			}
		})
	}
}

func TestSyncRules(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "a.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	a := &App{store: st, log: logx.Nop(), overridden: map[string]bool{}}
	ctx := context.Background()

	cfg := &config.Config{Rules: config.RulesConfig{
		Keywords: []config.KeywordRuleConfig{
			{Keyword: "oncall", Class: "critical"}, // default modifier
			{Keyword: "digest", Class: "SPAM", Modifier: -15},
		},
		AppOverrides: []config.AppOverrideConfig{
			{AppID: "com.bank", Category: "CRITICAL"},
		},
	}}
	if err := a.syncRules(ctx, cfg); err != nil {
		t.Fatalf("syncRules: %v", err)
	}

	rules, err := st.ListActiveKeywords(ctx)
	if err != nil {
		t.Fatalf("ListActiveKeywords: %v", err)
	}
	byWord := map[string]engine.KeywordRule{}
	for _, r := range rules {
		byWord[r.Keyword] = r
	}
	if r := byWord["oncall"]; r.Class != engine.KeywordCritical || r.Modifier != 20 {
		t.Fatalf("oncall rule = %+v", r)
	}
	if r := byWord["digest"]; r.Modifier != -15 {
		t.Fatalf("digest rule = %+v", r)
	}

	b, err := st.GetOrCreateAppBehavior(ctx, "com.bank")
	if err != nil {
		t.Fatalf("GetOrCreateAppBehavior: %v", err)
	}
	if !b.Locked || b.LockedCategory != engine.CategoryCritical {
		t.Fatalf("behavior after sync = %+v", b)
	}

	// Dropping the override releases the lock.
	if err := a.syncRules(ctx, &config.Config{}); err != nil {
		t.Fatalf("syncRules: %v", err)
	}
	b, err = st.GetOrCreateAppBehavior(ctx, "com.bank")
	if err != nil {
		t.Fatalf("GetOrCreateAppBehavior: %v", err)
	}
	if b.Locked {
		t.Fatalf("lock not released: %+v", b)
	}
	rules, err = st.ListActiveKeywords(ctx)
	if err != nil {
		t.Fatalf("ListActiveKeywords: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("config keywords not cleared: %d left", len(rules))
	}
}

func TestDaemonLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	spool := filepath.Join(dir, "spool")
	cfgPath := filepath.Join(dir, "notifiq.yaml")
	cfgBody := `
logging:
  level: ERROR
  console: true
storage:
  path: ` + filepath.Join(dir, "n.db") + `
ingest:
  spool_dir: ` + spool + `
rules:
  keywords:
    - keyword: oncall
      class: CRITICAL
`
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Drop one event into the spool and wait for ingest to consume it.
	tmp := filepath.Join(spool, "e.json.tmp")
	final := filepath.Join(spool, "e.json")
	if err := os.WriteFile(tmp, []byte(`{"key":"k1","app_id":"com.whatsapp","title":"Alice","text":"hi"}`), 0o644); err != nil {
		t.Fatalf("write spool: %v", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		t.Fatalf("rename spool: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(final); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("spool file never consumed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.Stop(ctx)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte("logging:\n  level: INFO\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := New(cfgPath); err == nil {
		t.Fatal("expected error for config without storage path")
	}
}
