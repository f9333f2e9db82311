package config

import (
	"reflect"
	"sort"
	"strings"

	logx "gitwatch/pkg/logx"
)

// RestartSections are sections whose changes only take effect after a
// process restart.
var RestartSections = map[string]bool{"storage": true, "github": true, "telegram.token": true, "delivery": true}

// SummarizeConfigChange returns the changed section names (sorted) and safe
// structured attrs for logging. Secrets are reported only as "set/unset".
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) {
		changed = append(changed, "telegram.token")
	}
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	og, ng := oldCfg.GitHub, newCfg.GitHub
	tokenChanged := og.Token != ng.Token
	og.Token, ng.Token = "", ""
	if tokenChanged || og != ng {
		changed = append(changed, "github")
		attrs = append(attrs,
			logx.Bool("github.token_set", newCfg.GitHub.Token != ""),
			logx.Float64("github.rate_per_sec", ng.RatePerSec),
			logx.String("github.timeout", ng.Timeout),
		)
	}

	if oldCfg.Watchdog != newCfg.Watchdog {
		changed = append(changed, "watchdog")
		attrs = append(attrs,
			logx.Bool("watchdog.enabled", newCfg.Watchdog.Enabled),
			logx.String("watchdog.schedule", newCfg.Watchdog.Schedule),
			logx.String("watchdog.timezone", newCfg.Watchdog.Timezone),
			logx.String("watchdog.pacing", newCfg.Watchdog.Pacing),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs, logx.Int("delivery.workers", newCfg.Delivery.Workers))
	}

	if oldCfg.MaxPerSubscriber() != newCfg.MaxPerSubscriber() {
		changed = append(changed, "watch")
		attrs = append(attrs, logx.Int("watch.max_per_subscriber", newCfg.MaxPerSubscriber()))
	}

	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = &NotifierConfig{}
	}
	if newN == nil {
		newN = &NotifierConfig{}
	}
	if (oldCfg.Notifier == nil) != (newCfg.Notifier == nil) || *oldN != *newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.present", newCfg.Notifier != nil),
			logx.Bool("notifier.enabled", newCfg.Notifier == nil || newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	oo, no := oldCfg.Observability, newCfg.Observability
	obsToken := oo.Token != no.Token
	oo.Token, no.Token = "", ""
	if obsToken || oo != no {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.Bool("observability.enabled", no.Enabled),
			logx.String("observability.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("observability.token_set", newCfg.Observability.Token != ""),
			logx.Bool("observability.pprof", no.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsRestart filters changed down to the sections in RestartSections.
func NeedsRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		if RestartSections[c] {
			out = append(out, c)
		}
	}
	return out
}
