package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	GitHub   GitHubConfig   `json:"github"`
	Watchdog WatchdogConfig `json:"watchdog"`
	Delivery DeliveryConfig `json:"delivery"`
	Watch    WatchConfig    `json:"watch"`

	// Notifier is the operator alert pipeline. Omitted means enabled with defaults.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Observability ObservabilityConfig `json:"observability"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// GroupLog is the operator chat id. Alerts and chat log lines go there.
	GroupLog string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// APIURL overrides the Bot API endpoint.
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/gitwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // sqlite | file
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	BackupDir   string `json:"backup_dir,omitempty"`
}

type GitHubConfig struct {
	Token   string `json:"token,omitempty"` // optional; raises the API rate limit (do not log)
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
	// RatePerSec caps outgoing API requests. Fractions are allowed.
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	RetryAttempts uint    `json:"retry_attempts,omitempty"`
}

// WatchdogConfig drives the periodic refresh cycle.
//
// Schedule accepts a cron expression ("0 * * * *", "@hourly") or an interval
// ("every:30m", "1h"). Pacing is the pause between two repositories.
type WatchdogConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Pacing   string `json:"pacing,omitempty"`
}

type DeliveryConfig struct {
	Workers     int    `json:"workers,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	RetryStep   string `json:"retry_step,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// NotifierConfig controls the async operator alert pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
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
}

type WatchConfig struct {
	// MaxPerSubscriber defaults to 25.
	MaxPerSubscriber int `json:"max_per_subscriber,omitempty"`
}

// ObservabilityConfig controls the optional HTTP server with /healthz,
// /metrics and pprof.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
