package config

// Config is the full daemon configuration, loaded from a YAML or JSON file.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Ingest   IngestConfig   `json:"ingest"`
	Pipeline PipelineConfig `json:"pipeline,omitempty"`
	Advisory AdvisoryConfig `json:"advisory,omitempty"`
	Learner  LearnerConfig  `json:"learner,omitempty"`
	Delivery DeliveryConfig `json:"delivery,omitempty"`
	Rules    RulesConfig    `json:"rules,omitempty"`
	Debug    DebugConfig    `json:"debug,omitempty"`
}

// DebugConfig controls the optional operator HTTP endpoint (pprof, health,
// behavior dump). Non-loopback binds require Token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token   string `json:"token,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the SQLite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// IngestConfig controls the spool-directory event source. The OS-level
// listener bridge drops one JSON file per notification into SpoolDir.
type IngestConfig struct {
	SpoolDir string `json:"spool_dir"`
}

// PipelineConfig controls the classification pipeline.
//
// Workers are sharded by app id, so one app's state is only ever touched by
// one worker. QuickDismiss is the window within which a dismissal counts as
// an active "don't want this" signal rather than routine cleanup.
type PipelineConfig struct {
	Workers      int    `json:"workers,omitempty"`       // default 2
	QueueSize    int    `json:"queue_size,omitempty"`    // default 256
	QuickDismiss string `json:"quick_dismiss,omitempty"` // default "3s"
}

// AdvisoryConfig controls the optional external-classifier override.
//
// Provider values: "openai", "anthropic", "gemini", "custom".
// BaseURL is required for "custom" (an OpenAI-compatible endpoint) and
// optional otherwise.
type AdvisoryConfig struct {
	Enabled        bool   `json:"enabled"`
	Provider       string `json:"provider,omitempty"`
	APIKey         string `json:"api_key,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
	Model          string `json:"model,omitempty"`
	PreferenceHint string `json:"preference_hint,omitempty"`
	Timeout        string `json:"timeout,omitempty"`      // default "5s"
	RatePerMin     int    `json:"rate_per_min,omitempty"` // default 30
}

// LearnerConfig controls the periodic behavior recompute and retention
// cleanup jobs. Schedules are cron specs (robfig/cron, standard 5-field) or
// "@every <duration>".
type LearnerConfig struct {
	Enabled             bool   `json:"enabled"`
	RecalcSchedule      string `json:"recalc_schedule,omitempty"`       // default "@every 6h"
	CleanupSchedule     string `json:"cleanup_schedule,omitempty"`      // default "@every 24h"
	RetentionDays       int    `json:"retention_days,omitempty"`        // default 30
	SilentRetentionDays int    `json:"silent_retention_days,omitempty"` // default 2
	Timezone            string `json:"timezone,omitempty"`
}

// DeliveryConfig controls forwarding of high-importance notifications to a
// Telegram chat.
type DeliveryConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chat_id,omitempty"`
	ThreadID    int    `json:"thread_id,omitempty"`
	MinCategory string `json:"min_category,omitempty"` // default "IMPORTANT"
	RatePerSec  int    `json:"rate_per_sec,omitempty"` // default 3
	QueueSize   int    `json:"queue_size,omitempty"`   // default 256
	DedupWindow string `json:"dedup_window,omitempty"` // default "10m"
}

// RulesConfig holds operator-authored classification rules. These are synced
// into storage on load and reload; rules added at runtime through the store
// are kept separate and survive config changes.
type RulesConfig struct {
	Keywords     []KeywordRuleConfig `json:"keywords,omitempty"`
	AppOverrides []AppOverrideConfig `json:"app_overrides,omitempty"`
}

// KeywordRuleConfig is one keyword rule. Class is "CRITICAL", "IMPORTANT" or
// "SPAM". A zero modifier takes the class default (+20, +10, -8).
type KeywordRuleConfig struct {
	Keyword  string `json:"keyword"`
	Class    string `json:"class"`
	Modifier int    `json:"modifier,omitempty"`
}

// AppOverrideConfig pins an app's classification. Category locks every
// notification from the app into that bucket; BaseScore replaces the builtin
// base weight while leaving the rest of the scoring active.
type AppOverrideConfig struct {
	AppID     string `json:"app_id"`
	Category  string `json:"category,omitempty"`
	BaseScore *int   `json:"base_score,omitempty"`
}
