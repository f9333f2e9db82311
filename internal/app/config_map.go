package app

import (
	"fmt"
	"strings"
	"time"

	"gitwatch/internal/config"
	"gitwatch/internal/delivery"
	"gitwatch/internal/notifier"
	"gitwatch/internal/observability"
	"gitwatch/internal/source/github"
	"gitwatch/internal/storage"
	telegram "gitwatch/internal/transport/telegram/adapter"
	"gitwatch/internal/watchdog"
	logx "gitwatch/pkg/logx"
)

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: poll,
		APIURL:      strings.TrimSpace(cfg.Telegram.APIURL),
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// mapStorageConfig defaults the driver to sqlite.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	out := storage.Config{Driver: driver, Path: path, BackupDir: strings.TrimSpace(sc.BackupDir)}
	switch driver {
	case "file":
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapGitHubConfig(cfg *config.Config) (github.Config, error) {
	timeout, err := config.ParseDurationField("github.timeout", cfg.GitHub.Timeout)
	if err != nil {
		return github.Config{}, err
	}
	return github.Config{
		BaseURL:       strings.TrimSpace(cfg.GitHub.BaseURL),
		Token:         strings.TrimSpace(cfg.GitHub.Token),
		Timeout:       timeout,
		RatePerSec:    cfg.GitHub.RatePerSec,
		RetryAttempts: cfg.GitHub.RetryAttempts,
	}, nil
}

func mapWatchdogConfig(cfg *config.Config) (watchdog.Config, error) {
	pacing, err := config.ParseDurationOrDefault("watchdog.pacing", cfg.Watchdog.Pacing, time.Second)
	if err != nil {
		return watchdog.Config{}, err
	}
	return watchdog.Config{
		Schedule: strings.TrimSpace(cfg.Watchdog.Schedule),
		Timezone: strings.TrimSpace(cfg.Watchdog.Timezone),
		Pacing:   pacing,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	out := delivery.Config{MaxWorkers: d.Workers, MaxAttempts: d.MaxAttempts}
	var err error
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"delivery.idle_timeout", d.IdleTimeout, &out.IdleTimeout},
		{"delivery.retry_base", d.RetryBase, &out.RetryBase},
		{"delivery.retry_step", d.RetryStep, &out.RetryStep},
		{"delivery.send_timeout", d.SendTimeout, &out.SendTimeout},
	} {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return delivery.Config{}, err
		}
	}
	return out, nil
}

// mapNotifierConfig treats an omitted section as enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		n = &config.NotifierConfig{Enabled: true}
	}
	out := notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		DedupMaxEntries: n.DedupMaxEntries,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, time.Minute); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapObservabilityConfig(cfg *config.Config) (observability.Config, error) {
	o := cfg.Observability
	out := observability.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		PprofPrefix:   strings.TrimSpace(o.PprofPrefix),
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("observability.read_timeout", o.ReadTimeout, 5*time.Second); err != nil {
		return observability.Config{}, err
	}
	// 0 keeps /debug/pprof/profile working past the default write timeout.
	if out.WriteTimeout, err = config.ParseDurationField("observability.write_timeout", o.WriteTimeout); err != nil {
		return observability.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("observability.idle_timeout", o.IdleTimeout, time.Minute); err != nil {
		return observability.Config{}, err
	}
	return out, nil
}

// validateMapped runs every mapping so a hot reload is rejected before any
// component sees it.
func validateMapped(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapAdapterConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGitHubConfig(cfg); err != nil {
		return err
	}
	if wc, err := mapWatchdogConfig(cfg); err != nil {
		return err
	} else if _, err := watchdog.ParseCadence(wc.Schedule, time.UTC); err != nil {
		return fmt.Errorf("watchdog.schedule: %w", err)
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	_, err := mapObservabilityConfig(cfg)
	return err
}
