package config

// Config is the root document. All durations are Go duration strings
// ("500ms", "60s", "15m"). String values may reference environment variables
// as ${NAME}; they are expanded before decoding.
type Config struct {
	Logging       LoggingConfig              `json:"logging"`
	Storage       StorageConfig              `json:"storage"`
	Encryption    EncryptionConfig           `json:"encryption"`
	Poller        PollerConfig               `json:"poller"`
	Processor     ProcessorConfig            `json:"processor"`
	Retry         RetryConfig                `json:"retry"`
	Quota         QuotaConfig                `json:"quota"`
	Publishers    map[string]PublisherConfig `json:"publishers,omitempty"`
	Realtime      RealtimeConfig             `json:"realtime"`
	Notifier      *NotifierConfig            `json:"notifier,omitempty"`
	Observability ObservabilityConfig        `json:"observability"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // console | json
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence layer.
//
//	"storage": { "driver": "sqlite", "path": "./cadence.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// EncryptionConfig holds the secret used to derive the account credential key.
// Keep it out of the file: "key": "${CADENCE_ENCRYPTION_KEY}".
type EncryptionConfig struct {
	Key string `json:"key"`
}

// PollerConfig controls the due-post trigger.
//
// Defaults: interval 60s, batch_limit 500, concurrency 16,
// reclaim_after 15m, reclaim_every 1m.
type PollerConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Interval     string `json:"interval,omitempty"`
	BatchLimit   int    `json:"batch_limit,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`
	ReclaimAfter string `json:"reclaim_after,omitempty"`
	ReclaimEvery string `json:"reclaim_every,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

func (p PollerConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

type ProcessorConfig struct {
	PublishTimeout    string `json:"publish_timeout,omitempty"` // default 2m
	DefaultMaxRetries int    `json:"default_max_retries,omitempty"`
}

type RetryConfig struct {
	BaseDelay string `json:"base_delay,omitempty"` // default 5m
	MaxJitter string `json:"max_jitter,omitempty"` // default 1m
}

// QuotaConfig selects the ledger backend. Limits keyed by metric name
// (posts, connections, storage_bytes, seats, youtube_units); <=0 is unlimited.
// The sql backend seeds records from these limits; the redis backend reads
// them on every check.
type QuotaConfig struct {
	Backend       string           `json:"backend,omitempty"` // sql | redis
	Redis         RedisConfig      `json:"redis"`
	KeyPrefix     string           `json:"key_prefix,omitempty"`
	GlobalDaily   map[string]int64 `json:"global_daily,omitempty"`
	TenantMonthly map[string]int64 `json:"tenant_monthly,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// PublisherConfig configures one platform adapter, keyed by platform name.
type PublisherConfig struct {
	BaseURL    string  `json:"base_url"`
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type RealtimeConfig struct {
	Enabled       bool        `json:"enabled"`
	Redis         RedisConfig `json:"redis"`
	ChannelPrefix string      `json:"channel_prefix,omitempty"` // default "cadence:realtime"
	QueueSize     int         `json:"queue_size,omitempty"`
}

// NotifierConfig controls the operator-alert pipeline.
// Omitting the section disables it.
type NotifierConfig struct {
	Enabled       bool           `json:"enabled"`
	Workers       int            `json:"workers"`
	QueueSize     int            `json:"queue_size"`
	RatePerSec    int            `json:"rate_per_sec"`
	RetryMax      int            `json:"retry_max"`
	RetryBase     string         `json:"retry_base"`
	RetryMaxDelay string         `json:"retry_max_delay"`
	DedupWindow   string         `json:"dedup_window"`
	Telegram      TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// ObservabilityConfig controls the ops HTTP server (/healthz, /metrics, pprof).
//
// Prefer a loopback address. A non-loopback bind needs a token or allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:9464
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
