package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxPerSubscriber is the watch quota when watch.max_per_subscriber is unset.
const DefaultMaxPerSubscriber = 25

// Validate checks the static shape of cfg: required keys, enums and every
// duration string. It does not touch the network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: %q is not a chat id", g))
		}
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "file":
	default:
		add(fmt.Errorf("storage.driver: unsupported %q (want sqlite or file)", d))
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add(errors.New("storage.path is required"))
	}

	if cfg.GitHub.RatePerSec < 0 {
		add(errors.New("github.rate_per_sec must be >= 0"))
	}
	if cfg.Delivery.Workers < 0 || cfg.Delivery.MaxAttempts < 0 {
		add(errors.New("delivery.workers and delivery.max_attempts must be >= 0"))
	}
	if cfg.Watch.MaxPerSubscriber < 0 {
		add(errors.New("watch.max_per_subscriber must be >= 0"))
	}
	if tz := strings.TrimSpace(cfg.Watchdog.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("watchdog.timezone: %w", err))
		}
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"github.timeout", cfg.GitHub.Timeout},
		{"watchdog.pacing", cfg.Watchdog.Pacing},
		{"delivery.idle_timeout", cfg.Delivery.IdleTimeout},
		{"delivery.retry_base", cfg.Delivery.RetryBase},
		{"delivery.retry_step", cfg.Delivery.RetryStep},
		{"delivery.send_timeout", cfg.Delivery.SendTimeout},
		{"observability.read_timeout", cfg.Observability.ReadTimeout},
		{"observability.write_timeout", cfg.Observability.WriteTimeout},
		{"observability.idle_timeout", cfg.Observability.IdleTimeout},
	}
	if n := cfg.Notifier; n != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", n.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", n.RetryMaxDelay},
			struct{ path, raw string }{"notifier.dedup_window", n.DedupWindow},
		)
	}
	for _, d := range durations {
		_, err := ParseDurationField(d.path, d.raw)
		add(err)
	}
	// An explicit step must keep the retry backoff strictly increasing.
	if raw := strings.TrimSpace(cfg.Delivery.RetryStep); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d <= 0 {
			add(errors.New("delivery.retry_step must be > 0"))
		}
	}

	return errors.Join(errs...)
}

// MaxPerSubscriber returns the configured watch quota or the default.
func (c *Config) MaxPerSubscriber() int {
	if c == nil || c.Watch.MaxPerSubscriber <= 0 {
		return DefaultMaxPerSubscriber
	}
	return c.Watch.MaxPerSubscriber
}

// GroupLogID parses telegram.group_log. Zero means unset.
func (c *Config) GroupLogID() int64 {
	if c == nil {
		return 0
	}
	id, _ := strconv.ParseInt(strings.TrimSpace(c.Telegram.GroupLog), 10, 64)
	return id
}
