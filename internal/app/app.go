package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gitwatch/internal/bot"
	"gitwatch/internal/config"
	"gitwatch/internal/delivery"
	"gitwatch/internal/eventbus"
	"gitwatch/internal/notifier"
	"gitwatch/internal/observability"
	rtsup "gitwatch/internal/runtime/supervisor"
	"gitwatch/internal/source/github"
	"gitwatch/internal/storage"
	kit "gitwatch/internal/transport"
	telegram "gitwatch/internal/transport/telegram/adapter"
	"gitwatch/internal/transport/telegram/router"
	"gitwatch/internal/watch"
	"gitwatch/internal/watchdog"
	logx "gitwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor
	// drainCtx outlives sup.Cancel so queued alerts and messages drain during Stop.
	drainCtx context.Context

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	watch *watch.Store

	adapter *telegram.Adapter
	router  *router.Router

	source   *github.Client
	notif    *notifier.Service
	delivery *delivery.Worker
	dog      *watchdog.Scheduler
	metrics  *observability.Metrics
	obs      *observability.Server

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateMapped(cfg); err != nil {
		return nil, err
	}

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Bootstrap with chat logging off so Apply does not warn before the target is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Chat.Enabled = false
	logSvc, log := logx.New(bootCfg, chatSender(ad))
	logSvc.SetChatTarget(cfg.GroupLogID(), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a, err := wire(cfg, ad, st, logSvc, log, bus)
	if err != nil {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgPath = cfgPath
	a.cfgm = cfgm
	return a, nil
}

func wire(cfg *config.Config, ad *telegram.Adapter, st storage.Store, logSvc *logx.Service, log logx.Logger, bus eventbus.Bus) (*App, error) {
	ws := watch.NewStore(st, watch.WithMaxWatches(cfg.MaxPerSubscriber()))

	ghCfg, err := mapGitHubConfig(cfg)
	if err != nil {
		return nil, err
	}
	src := github.New(ghCfg, github.WithLogger(log.With(logx.String("comp", "github"))))

	metrics := observability.NewMetrics()
	obsCfg, err := mapObservabilityConfig(cfg)
	if err != nil {
		return nil, err
	}
	obs := observability.NewServer(obsCfg, metrics, log.With(logx.String("comp", "observability")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)
	notif.SetTargets(cfg.Telegram.OwnerUserIDs, groupTarget(cfg))

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	dw := delivery.New(dcfg, delivery.AdapterChannel{Sender: ad}, ws,
		delivery.WithLogger(log.With(logx.String("comp", "delivery"))),
		delivery.WithBus(bus),
		delivery.WithAlerter(notif),
		delivery.WithMetrics(metrics),
	)

	wcfg, err := mapWatchdogConfig(cfg)
	if err != nil {
		return nil, err
	}
	dog, err := watchdog.New(wcfg, ws, src, dw,
		watchdog.WithLogger(log.With(logx.String("comp", "watchdog"))),
		watchdog.WithBus(bus),
		watchdog.WithAlerter(notif),
		watchdog.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}

	rt := router.New(router.Config{}, ad, cfg.Telegram.OwnerUserIDs, log.With(logx.String("comp", "router")))
	bot.New(ws, src,
		bot.WithLogger(log.With(logx.String("comp", "bot"))),
		bot.WithBus(bus),
		bot.WithAlerter(notif),
	).Install(rt)

	return &App{
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    st,
		watch:    ws,
		adapter:  ad,
		router:   rt,
		source:   src,
		notif:    notif,
		delivery: dw,
		dog:      dog,
		metrics:  metrics,
		obs:      obs,
		updates:  make(chan kit.Update, 256),
	}, nil
}

func chatSender(ad *telegram.Adapter) logx.ChatSender {
	return func(ctx context.Context, chatID int64, threadID int, text string) error {
		_, err := ad.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
		return err
	}
}

func groupTarget(cfg *config.Config) kit.ChatTarget {
	return kit.ChatTarget{ChatID: cfg.GroupLogID(), ThreadID: cfg.Logging.Telegram.ThreadID}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.drainCtx = context.WithoutCancel(a.sup.Context())
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.drainCtx)
	}
	a.delivery.Start(a.drainCtx)

	cfg := a.cfgm.Get()
	if cfg.Watchdog.Enabled {
		a.dog.Start(a.sup.Context())
	} else {
		a.log.Info("watchdog disabled via config")
	}
	if oc, err := mapObservabilityConfig(cfg); err == nil && oc.Enabled {
		a.obs.Start(a.sup.Context())
	}

	if err := a.router.PublishMenu(a.sup.Context()); err != nil {
		a.log.Warn("publish command menu failed", logx.Err(err))
	}
	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notif.Alert(a.sup.Context(), "Bot Started")
	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, old, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.NeedsRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strs("sections", restart))
	}

	// Target first so Apply does not warn when chat logging is enabled.
	a.logs.SetChatTarget(newCfg.GroupLogID(), newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(newCfg))

	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.notif.SetTargets(newCfg.Telegram.OwnerUserIDs, groupTarget(newCfg))
	a.watch.SetMaxWatches(newCfg.MaxPerSubscriber())

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(a.drainCtx)
		}
	}

	if wcfg, err := mapWatchdogConfig(newCfg); err != nil {
		a.log.Warn("invalid watchdog config; keeping previous", logx.Err(err))
	} else if err := a.dog.Apply(wcfg); err != nil {
		a.log.Warn("watchdog config rejected; keeping previous", logx.Err(err))
	}
	running := a.dog.State() == watchdog.StateRunning
	switch {
	case running && !newCfg.Watchdog.Enabled:
		a.log.Info("watchdog disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.dog.Stop(stopCtx)
		cancel()
	case !running && newCfg.Watchdog.Enabled:
		a.log.Info("watchdog enabled via config")
		a.dog.Start(ctx)
	}

	if oc, err := mapObservabilityConfig(newCfg); err != nil {
		a.log.Warn("invalid observability config; keeping previous", logx.Err(err))
	} else {
		a.obs.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.notif.Alert(ctx, "Stopping Bot... ("+string(reason)+")")

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Producers first so delivery drains a queue that no longer grows.
	step("watchdog", 5*time.Second, func(c context.Context) error { return a.dog.Stop(c) })
	step("delivery", 5*time.Second, func(c context.Context) error { return a.delivery.Stop(c) })
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, dispatcher).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
