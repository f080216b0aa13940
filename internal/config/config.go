package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Otto.
type Config struct {
	ProfileRoot string            `yaml:"profile_root"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Memory      MemoryConfig      `yaml:"memory"`
	Queue       QueueConfig       `yaml:"queue"`
	Budget      BudgetConfig      `yaml:"budget"`
	Cron        CronConfig        `yaml:"cron"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Turn        TurnConfig        `yaml:"turn"`
	Tools       ToolsConfig       `yaml:"tools"`
	Autonomy    AutonomyConfig    `yaml:"autonomy"`
	Validation  ValidationConfig  `yaml:"validation"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format specifies output format: "json" or "text".
	Format string `yaml:"format"`
	// AddSource includes file and line number in log records.
	AddSource bool `yaml:"add_source"`
	// RedactPatterns are additional regexes applied before log output.
	RedactPatterns []string `yaml:"redact_patterns"`
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Endpoint is the OTLP gRPC collector endpoint. Empty disables export.
	Endpoint string `yaml:"endpoint"`
	// SamplingRate is the fraction of traces recorded (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate"`
	// Environment tags spans with the deployment environment.
	Environment string `yaml:"environment"`
	// Insecure disables TLS for the OTLP connection.
	Insecure bool `yaml:"insecure"`
}

// MemoryConfig configures the memory store, compaction, and the
// embedding index.
type MemoryConfig struct {
	// MaxRecords is the compaction threshold for MEMORY.md.
	// Default: 500
	MaxRecords int `yaml:"max_records"`
	// MinAgeDays protects recent records from compaction.
	// Default: 7
	MinAgeDays int `yaml:"min_age_days"`
	// LongMemoryMaxChars bounds LONGMEMORY.md; oldest summaries are
	// evicted past this size.
	// Default: 60000
	LongMemoryMaxChars int `yaml:"long_memory_max_chars"`
	// RecordMaxBytes is the per-record size cap flagged by integrity scans.
	// Default: 16384
	RecordMaxBytes int `yaml:"record_max_bytes"`
	// EmbeddingDimensions is the hash vector width.
	// Default: 128
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
	// EmbeddingMaxRecords trims the index to the newest entries.
	// Default: 2000
	EmbeddingMaxRecords int `yaml:"embedding_max_records"`
	// AllowSecret permits sensitivity=secret records in reads and the
	// embedding index. Default: false
	AllowSecret bool `yaml:"allow_secret"`
	// WatchEnabled rescans integrity when MEMORY.md changes on disk.
	WatchEnabled bool `yaml:"watch_enabled"`
}

// QueueConfig selects the durable queue backend.
type QueueConfig struct {
	// Backend is "file" or "memory". Default: "file"
	Backend string `yaml:"backend"`
}

// BudgetConfig configures the autonomy budget windows.
type BudgetConfig struct {
	// HourlyLimit caps autonomous sends per channel per hour.
	// Default: 6
	HourlyLimit int `yaml:"hourly_limit"`
	// DailyLimit caps autonomous sends per channel per day.
	// Default: 20
	DailyLimit int `yaml:"daily_limit"`
	// QuietHours suppresses autonomous sends inside the window.
	QuietHours *HoursConfig `yaml:"quiet_hours"`
}

// HoursConfig is a daily HH:MM window, possibly crossing midnight.
type HoursConfig struct {
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`
}

// CronConfig configures the cron service.
type CronConfig struct {
	// TickInterval is how often due jobs are checked.
	// Default: 1s
	TickInterval time.Duration `yaml:"tick_interval"`
	// MaxConcurrentRuns caps parallel job executions across ids.
	// Default: 4
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
	// DefaultMaxRetries applies to jobs that do not set their own.
	// Default: 3
	DefaultMaxRetries int `yaml:"default_max_retries"`
	// DefaultBackoffMs seeds exponential retry backoff.
	// Default: 30000
	DefaultBackoffMs int64 `yaml:"default_backoff_ms"`
}

// HeartbeatConfig configures the adaptive self-prompt runner.
type HeartbeatConfig struct {
	Enabled bool `yaml:"enabled"`
	// Every is the base interval between heartbeats.
	// Default: 30m
	Every time.Duration `yaml:"every"`
	// Min clamps the adaptive interval from below.
	// Default: 5m
	Min time.Duration `yaml:"min"`
	// Max clamps the adaptive interval from above.
	// Default: 2h
	Max time.Duration `yaml:"max"`
	// Channel is the synthetic channel id heartbeat turns run on.
	// Default: "heartbeat"
	Channel string `yaml:"channel"`
	// ActiveHours restricts heartbeats to a daily window when set.
	ActiveHours *HoursConfig `yaml:"active_hours"`
}

// TurnConfig configures turn execution.
type TurnConfig struct {
	// SystemPrompt is prepended to every turn.
	SystemPrompt string `yaml:"system_prompt"`
	// MaxUserMessages is the context freshness retention cap.
	// Default: 8
	MaxUserMessages int `yaml:"max_user_messages"`
	// PluginTimeout bounds each collector plugin call.
	// Default: 2500ms
	PluginTimeout time.Duration `yaml:"plugin_timeout"`
	// MaxIterations limits tool-call iterations per turn.
	// Default: 10
	MaxIterations int `yaml:"max_iterations"`
	// MaxTokens is passed to the model adapter.
	// Default: 4096
	MaxTokens int `yaml:"max_tokens"`
	// MaxWorkers caps concurrently executing turns across sessions.
	// Default: 4
	MaxWorkers int `yaml:"max_workers"`
	// ReasoningResetThreshold triggers a reset note after this many
	// tool iterations in one session.
	// Default: 12
	ReasoningResetThreshold int `yaml:"reasoning_reset_threshold"`
	// SnapshotsEnabled writes turn debug snapshots under snapshots/.
	SnapshotsEnabled bool `yaml:"snapshots_enabled"`
}

// ToolsConfig configures the tool router and exec sandbox.
type ToolsConfig struct {
	// DefaultTimeout bounds tool execution when a tool sets no limit.
	// Default: 30s
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// Allowlist restricts callable tools when non-empty.
	Allowlist []string `yaml:"allowlist"`
	// DestructivePatterns deny tool arguments matching these regexes.
	DestructivePatterns []string `yaml:"destructive_patterns"`
	// AllowedExecBins are the only binaries the exec sandbox will spawn.
	AllowedExecBins []string `yaml:"allowed_exec_bins"`
	// ExecMaxBufferBytes caps captured stdout/stderr per exec run.
	// Default: 1048576
	ExecMaxBufferBytes int `yaml:"exec_max_buffer_bytes"`
}

// AutonomyConfig configures the orchestrator timers.
type AutonomyConfig struct {
	// IntegrityScanInterval is how often memory integrity is audited.
	// Default: 1h
	IntegrityScanInterval time.Duration `yaml:"integrity_scan_interval"`
	// IntentTick is how often pending proactive intents are checked.
	// Default: 30s
	IntentTick time.Duration `yaml:"intent_tick"`
	// IntentTTL expires pending intents that never became sendable.
	// Default: 24h
	IntentTTL time.Duration `yaml:"intent_ttl"`
}

// ValidationConfig configures the model validation harness.
type ValidationConfig struct {
	// Timeout bounds one validation check.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	return &cfg, nil
}

// LoadWithIncludes reads the config through the raw loader, resolving
// $include directives, then decodes with strict field checking.
func LoadWithIncludes(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a config with every default applied and no file read.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = "127.0.0.1:9465"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}

	if cfg.Memory.MaxRecords <= 0 {
		cfg.Memory.MaxRecords = 500
	}
	if cfg.Memory.MinAgeDays <= 0 {
		cfg.Memory.MinAgeDays = 7
	}
	if cfg.Memory.LongMemoryMaxChars <= 0 {
		cfg.Memory.LongMemoryMaxChars = 60000
	}
	if cfg.Memory.RecordMaxBytes <= 0 {
		cfg.Memory.RecordMaxBytes = 16384
	}
	if cfg.Memory.EmbeddingDimensions <= 0 {
		cfg.Memory.EmbeddingDimensions = 128
	}
	if cfg.Memory.EmbeddingMaxRecords <= 0 {
		cfg.Memory.EmbeddingMaxRecords = 2000
	}

	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "file"
	}

	if cfg.Budget.HourlyLimit <= 0 {
		cfg.Budget.HourlyLimit = 6
	}
	if cfg.Budget.DailyLimit <= 0 {
		cfg.Budget.DailyLimit = 20
	}

	if cfg.Cron.TickInterval <= 0 {
		cfg.Cron.TickInterval = time.Second
	}
	if cfg.Cron.MaxConcurrentRuns <= 0 {
		cfg.Cron.MaxConcurrentRuns = 4
	}
	if cfg.Cron.DefaultMaxRetries <= 0 {
		cfg.Cron.DefaultMaxRetries = 3
	}
	if cfg.Cron.DefaultBackoffMs <= 0 {
		cfg.Cron.DefaultBackoffMs = 30000
	}

	if cfg.Heartbeat.Every <= 0 {
		cfg.Heartbeat.Every = 30 * time.Minute
	}
	if cfg.Heartbeat.Min <= 0 {
		cfg.Heartbeat.Min = 5 * time.Minute
	}
	if cfg.Heartbeat.Max <= 0 {
		cfg.Heartbeat.Max = 2 * time.Hour
	}
	if cfg.Heartbeat.Channel == "" {
		cfg.Heartbeat.Channel = "heartbeat"
	}

	if cfg.Turn.MaxUserMessages <= 0 {
		cfg.Turn.MaxUserMessages = 8
	}
	if cfg.Turn.PluginTimeout <= 0 {
		cfg.Turn.PluginTimeout = 2500 * time.Millisecond
	}
	if cfg.Turn.MaxIterations <= 0 {
		cfg.Turn.MaxIterations = 10
	}
	if cfg.Turn.MaxTokens <= 0 {
		cfg.Turn.MaxTokens = 4096
	}
	if cfg.Turn.MaxWorkers <= 0 {
		cfg.Turn.MaxWorkers = 4
	}
	if cfg.Turn.ReasoningResetThreshold <= 0 {
		cfg.Turn.ReasoningResetThreshold = 12
	}

	if cfg.Tools.DefaultTimeout <= 0 {
		cfg.Tools.DefaultTimeout = 30 * time.Second
	}
	if cfg.Tools.ExecMaxBufferBytes <= 0 {
		cfg.Tools.ExecMaxBufferBytes = 1 << 20
	}

	if cfg.Autonomy.IntegrityScanInterval <= 0 {
		cfg.Autonomy.IntegrityScanInterval = time.Hour
	}
	if cfg.Autonomy.IntentTick <= 0 {
		cfg.Autonomy.IntentTick = 30 * time.Second
	}
	if cfg.Autonomy.IntentTTL <= 0 {
		cfg.Autonomy.IntentTTL = 24 * time.Hour
	}

	if cfg.Validation.Timeout <= 0 {
		cfg.Validation.Timeout = 30 * time.Second
	}
}
