package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"gitwatch/internal/config"
	"gitwatch/internal/source/github"
	"gitwatch/internal/storage"
	"gitwatch/internal/watch"
	"gitwatch/internal/watchdog"
	logx "gitwatch/pkg/logx"
)

// loadOffline loads and validates cfgPath without starting any component.
func loadOffline(cfgPath string) (*config.Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RunBackup writes a one-off backup of the configured store and returns its path.
func RunBackup(ctx context.Context, cfgPath string) (string, error) {
	cfg, err := loadOffline(cfgPath)
	if err != nil {
		return "", err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return "", err
	}
	st, err := storage.Open(sc, logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "storage")))
	if err != nil {
		return "", err
	}
	defer st.Close()
	return st.Backup(ctx)
}

// Doctor checks the config, opens the store and prints what the bot would
// run with. When probe names a repository it is fetched once from GitHub.
func Doctor(ctx context.Context, cfgPath, probe string, w io.Writer) error {
	cfg, err := loadOffline(cfgPath)
	if err != nil {
		fmt.Fprintf(w, "config: FAIL %v\n", err)
		return err
	}
	fmt.Fprintf(w, "config: ok (%s)\n", cfgPath)
	fmt.Fprintf(w, "owners: %v\n", cfg.Telegram.OwnerUserIDs)
	fmt.Fprintf(w, "watch limit per subscriber: %d\n", cfg.MaxPerSubscriber())

	sc, _ := mapStorageConfig(cfg)
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		fmt.Fprintf(w, "storage: FAIL %v\n", err)
		return err
	}
	defer st.Close()
	stats, err := watch.NewStore(st).Stats(ctx)
	if err != nil {
		fmt.Fprintf(w, "storage: FAIL %v\n", err)
		return err
	}
	fmt.Fprintf(w, "storage: ok driver=%s path=%s\n", sc.Driver, sc.Path)
	fmt.Fprintln(w, renderDoctorStats(stats))

	wc, _ := mapWatchdogConfig(cfg)
	if !cfg.Watchdog.Enabled {
		fmt.Fprintln(w, "watchdog: disabled")
	} else {
		loc := time.Local
		if wc.Timezone != "" {
			loc, _ = time.LoadLocation(wc.Timezone)
		}
		cad, _ := watchdog.ParseCadence(wc.Schedule, loc)
		fmt.Fprintf(w, "watchdog: schedule=%q next=%s\n", cad.String(), cad.Next(time.Now().In(loc)).Format(time.RFC3339))
	}

	if probe == "" {
		return nil
	}
	gc, _ := mapGitHubConfig(cfg)
	snap, err := github.New(gc).FetchEntity(ctx, probe)
	if err != nil {
		fmt.Fprintf(w, "github: FAIL %s: %v\n", probe, err)
		return err
	}
	fmt.Fprintf(w, "github: ok %s id=%d stars=%d watchers=%d issues=%d pulls=%d forks=%d\n",
		snap.FullName, snap.EntityID, snap.Stars, snap.Watchers, snap.Issues, snap.Pulls, snap.Forks)
	return nil
}

func renderDoctorStats(st watch.Stats) string {
	total := 0
	for _, n := range st.Subscribers {
		total += n
	}
	return fmt.Sprintf("data: subscribers=%d active=%d unreachable=%d banned=%d watches=%d repositories=%d",
		total, st.Subscribers[watch.StatusActive], st.Subscribers[watch.StatusUnreachable],
		st.Subscribers[watch.StatusBanned], st.Watches, st.Entities)
}
