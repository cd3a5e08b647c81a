package config

// Config is the service configuration file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets may be left empty in the file and supplied through the
// environment (see ApplyEnv).
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Engine  EngineConfig  `json:"engine"`

	Dispatch   DispatchConfig   `json:"dispatch"`
	Gate       GateConfig       `json:"gate"`
	Verify     VerifyConfig     `json:"verify"`
	Collection CollectionConfig `json:"collection"`
	Trigger    TriggerConfig    `json:"trigger"`

	// Notifier defaults to enabled when the section is omitted.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Telegram TelegramConfig  `json:"telegram"`

	Platforms map[string]PlatformConfig `json:"platforms"`
	// Tokens maps account ids to access tokens. A missing token means the
	// account must be reconnected.
	Tokens map[string]string `json:"tokens,omitempty"`

	HTTP   HTTPConfig   `json:"http"`
	Kafka  KafkaConfig  `json:"kafka"`
	Mongo  MongoConfig  `json:"mongo"`
	Sentry SentryConfig `json:"sentry"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ records to the telegram alert chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./crosspost.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// EngineConfig controls the job engine.
//
// Defaults: workers 4, queue_size 256, poll_interval "1s",
// lease_grace "30s", history_size 200.
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	PollInterval   string `json:"poll_interval,omitempty"`
	LeaseGrace     string `json:"lease_grace,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// DispatchConfig is the retry contract of a dispatch lineage.
type DispatchConfig struct {
	MaxAttempts      int      `json:"max_attempts,omitempty"`
	Timeout          string   `json:"timeout,omitempty"`
	Backoff          []string `json:"backoff,omitempty"`
	MaxCrashes       int      `json:"max_crashes,omitempty"`
	DedupWindow      string   `json:"dedup_window,omitempty"`
	FailureThreshold int      `json:"failure_threshold,omitempty"`
	// PlatformRates paces outbound publish calls per platform (calls/sec).
	PlatformRates map[string]int `json:"platform_rates,omitempty"`
	DefaultRate   int            `json:"default_rate,omitempty"`
}

// GateConfig holds the backpressure budgets. Keys are "platform",
// "workspace/platform" or "*".
type GateConfig struct {
	Budgets    map[string]BudgetConfig `json:"budgets,omitempty"`
	DeferDelay string                  `json:"defer_delay,omitempty"`
}

type BudgetConfig struct {
	PerMinute   int `json:"per_minute,omitempty"`
	Burst       int `json:"burst,omitempty"`
	Concurrency int `json:"concurrency,omitempty"`
}

type VerifyConfig struct {
	MaxAttempts  int      `json:"max_attempts,omitempty"`
	Backoff      []string `json:"backoff,omitempty"`
	InitialDelay string   `json:"initial_delay,omitempty"`
	Timeout      string   `json:"timeout,omitempty"`
}

type CollectionConfig struct {
	MaxAttempts int      `json:"max_attempts,omitempty"`
	Backoff     []string `json:"backoff,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
}

// TriggerConfig controls the schedule sweep.
type TriggerConfig struct {
	Enabled   bool   `json:"enabled"`
	Every     string `json:"every,omitempty"` // cron spec or "@every 30s"
	BatchSize int    `json:"batch_size,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	Language        string `json:"language,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"`
	// Chats maps owner ids to chat ids.
	Chats         map[string]int64 `json:"chats,omitempty"`
	AlertChatID   int64            `json:"alert_chat_id,omitempty"`
	AlertThreadID int              `json:"alert_thread_id,omitempty"`
}

// PlatformConfig points one platform at its bridge.
type PlatformConfig struct {
	BaseURL     string `json:"base_url"`
	Async       bool   `json:"async,omitempty"`
	Collections bool   `json:"collections,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// HTTPConfig controls the admin API.
//
// Prefer a loopback addr; a non-loopback addr needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// KafkaConfig enables the status event export when brokers are set.
type KafkaConfig struct {
	Brokers []string `json:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// MongoConfig enables the activity mirror when uri is set.
type MongoConfig struct {
	URI        string `json:"uri,omitempty"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// SentryConfig enables crash reporting when dsn is set.
type SentryConfig struct {
	DSN         string  `json:"dsn,omitempty"`
	Environment string  `json:"environment,omitempty"`
	Release     string  `json:"release,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty"`
}
