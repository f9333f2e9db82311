package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleJSON = `{
  "telegram": {"token": "123:abc", "owner_user_ids": [42], "group_log": "-1001", "poll_timeout": "10s"},
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "sqlite", "path": "./data/gitwatch.db", "busy_timeout": "5s"},
  "github": {"rate_per_sec": 0.5, "retry_attempts": 3},
  "watchdog": {"enabled": true, "schedule": "0 * * * *", "timezone": "UTC", "pacing": "1s"},
  "delivery": {"workers": 4, "retry_base": "2s", "retry_step": "1s"},
  "watch": {"max_per_subscriber": 10},
  "observability": {"enabled": true, "addr": "127.0.0.1:9090", "pprof": true}
}`

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  group_log: "-1001"
storage:
  driver: file
  path: ./data/store
watchdog:
  enabled: true
  schedule: "every:30m"
notifier:
  enabled: true
  workers: 2
  retry_base: 500ms
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewConfigManager(writeFile(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
	if cfg.Telegram.OwnerUserIDs[0] != 42 || cfg.GroupLogID() != -1001 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.GitHub.RatePerSec != 0.5 || cfg.GitHub.RetryAttempts != 3 {
		t.Fatalf("github = %+v", cfg.GitHub)
	}
	if cfg.MaxPerSubscriber() != 10 || cfg.Notifier != nil {
		t.Fatalf("watch/notifier = %d %+v", cfg.MaxPerSubscriber(), cfg.Notifier)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	cfg, err := NewConfigManager(writeFile(t, "config.yaml", sampleYAML)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "file" || cfg.Watchdog.Schedule != "every:30m" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Notifier == nil || cfg.Notifier.RetryBase != "500ms" {
		t.Fatalf("notifier = %+v", cfg.Notifier)
	}
	if cfg.MaxPerSubscriber() != DefaultMaxPerSubscriber {
		t.Fatalf("quota = %d", cfg.MaxPerSubscriber())
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body, want string
	}{
		{"unknown json key", "c.json", `{"telegram": {"token": "x", "tokn": "y"}}`, "unknown field"},
		{"unknown yaml key", "c.yml", "plugins:\n  echo: {}\n", "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yaml", "telegram: [", "yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseBytes(tc.file, []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		cfg, err := ParseBytes("c.json", []byte(sampleJSON))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"no path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad duration", func(c *Config) { c.Delivery.RetryBase = "soon" }, "delivery.retry_base"},
		{"negative duration", func(c *Config) { c.Watchdog.Pacing = "-1s" }, "watchdog.pacing"},
		{"zero retry step", func(c *Config) { c.Delivery.RetryStep = "0s" }, "delivery.retry_step"},
		{"bad timezone", func(c *Config) { c.Watchdog.Timezone = "Mars/Olympus" }, "watchdog.timezone"},
		{"bad group", func(c *Config) { c.Telegram.GroupLog = "ops" }, "telegram.group_log"},
		{"notifier duration", func(c *Config) { c.Notifier = &NotifierConfig{DedupWindow: "x"} }, "notifier.dedup_window"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 3*time.Second); err != nil || d != 3*time.Second {
		t.Fatalf("default = %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", " 250ms ", time.Second); err != nil || d != 250*time.Millisecond {
		t.Fatalf("parsed = %v %v", d, err)
	}
	if _, err := ParseDurationField("x.y", "-2s"); err == nil || !strings.Contains(err.Error(), "x.y") {
		t.Fatalf("negative err = %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, _ := ParseBytes("c.json", []byte(sampleJSON))
	newCfg, _ := ParseBytes("c.json", []byte(sampleJSON))

	if changed, _ := SummarizeConfigChange(oldCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs changed = %v", changed)
	}

	newCfg.Watchdog.Pacing = "2s"
	newCfg.GitHub.Token = "ghp_secret"
	newCfg.Logging.Level = "debug"
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(changed, ","); got != "github,logging,watchdog" {
		t.Fatalf("changed = %s", got)
	}
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, a := range attrs {
		a(ev)
	}
	ev.Send()
	if strings.Contains(buf.String(), "ghp_secret") || !strings.Contains(buf.String(), `"github.token_set":true`) {
		t.Fatalf("attrs = %s", buf.String())
	}
	if got := NeedsRestart(changed); len(got) != 1 || got[0] != "github" {
		t.Fatalf("restart = %v", got)
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", sampleJSON)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleJSON, `"level": "info"`, `"level": "debug"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level = %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
