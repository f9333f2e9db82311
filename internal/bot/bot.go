// Package bot holds the chat commands subscribers and operators use to manage
// watches. Handlers are plain router routes; admission is a router middleware
// backed by the request gate.
package bot

import (
	"context"
	"time"

	"gitwatch/internal/eventbus"
	"gitwatch/internal/gate"
	"gitwatch/internal/transport/telegram/router"
	"gitwatch/internal/watch"
	logx "gitwatch/pkg/logx"
)

// Store is the slice of watch.Store the handlers use.
type Store interface {
	gate.Store
	EnsureSubscriber(ctx context.Context, sub watch.Subscriber) (watch.Subscriber, bool, error)
	AddWatch(ctx context.Context, subscriberID int64, snap watch.Snapshot) error
	RemoveWatch(ctx context.Context, subscriberID, entityID int64) error
	CountWatches(ctx context.Context, subscriberID int64) (int, error)
	FindWatch(ctx context.Context, subscriberID int64, fullName string) (watch.Snapshot, error)
	WatchesFor(ctx context.Context, subscriberID int64) ([]watch.Snapshot, error)
	Stats(ctx context.Context) (watch.Stats, error)
	Backup(ctx context.Context) (string, error)
}

type Bot struct {
	store   Store
	src     watch.Source
	gate    *gate.Gate
	alerter watch.Alerter
	bus     eventbus.Bus
	log     logx.Logger

	fetchTimeout time.Duration
}

type Option func(*Bot)

func WithLogger(l logx.Logger) Option         { return func(b *Bot) { b.log = l } }
func WithBus(bus eventbus.Bus) Option         { return func(b *Bot) { b.bus = bus } }
func WithAlerter(a watch.Alerter) Option      { return func(b *Bot) { b.alerter = a } }
func WithFetchTimeout(d time.Duration) Option { return func(b *Bot) { b.fetchTimeout = d } }

func New(store Store, src watch.Source, opts ...Option) *Bot {
	b := &Bot{store: store, src: src, fetchTimeout: 30 * time.Second}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	b.gate = gate.New(store, b.log.With(logx.String("comp", "gate")))
	return b
}

// Install registers every route and the admission middleware on r.
func (b *Bot) Install(r *router.Router) {
	r.Use(b.admit)
	r.SetRegistry(b.Commands(r), b.Callbacks(), b.onText)
}

// Commands lists the command routes. r supplies the /help text.
func (b *Bot) Commands(r *router.Router) []router.Command {
	return []router.Command{
		{
			Name:        "start",
			Description: "Start interacting with the Bot",
			Handle:      b.cmdStart,
		},
		{
			Name:        "watch_repo",
			Aliases:     []string{"watch"},
			Description: "Add a new repository to your watch list",
			Usage:       "/watch_repo owner/name",
			Handle:      b.cmdWatch,
		},
		{
			Name:        "unwatch_repo",
			Aliases:     []string{"unwatch"},
			Description: "Remove a repository from your watch list",
			Handle:      b.cmdUnwatch,
		},
		{
			Name:        "my_repos",
			Aliases:     []string{"list"},
			Description: "Display repositories you are watching",
			Handle:      b.cmdMyRepos,
		},
		{
			Name:        "help",
			Description: "Show this help",
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.ReplyHTML(ctx, r.HelpHTML(req.IsOwner), nil)
			},
		},
		{
			Name:        "ban",
			Description: "Ban a subscriber",
			Usage:       "/ban <user_id>",
			Access:      router.AccessOwnerOnly,
			Handle:      b.cmdSetStatus(watch.StatusBanned),
		},
		{
			Name:        "unban",
			Description: "Lift a ban",
			Usage:       "/unban <user_id>",
			Access:      router.AccessOwnerOnly,
			Handle:      b.cmdSetStatus(watch.StatusActive),
		},
		{
			Name:        "stats",
			Description: "Subscriber and watch counts",
			Access:      router.AccessOwnerOnly,
			Handle:      b.cmdStats,
		},
		{
			Name:        "backup",
			Description: "Write a database backup now",
			Access:      router.AccessOwnerOnly,
			Timeout:     5 * time.Minute,
			Handle:      b.cmdBackup,
		},
	}
}

func (b *Bot) Callbacks() []router.CallbackRoute {
	return []router.CallbackRoute{
		{Scope: cbScope, Action: cbUnwatch, Handle: b.cbUnwatch},
		{Scope: cbScope, Action: cbCancel, Handle: b.cbCancel},
	}
}

// admit runs the request gate before every handler.
func (b *Bot) admit(next router.HandlerFunc) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		d, err := b.gate.Admit(ctx, gate.Action{
			SubscriberID: req.FromID,
			ChatKind:     req.ChatKind,
			FromIsBot:    req.FromIsBot,
			IsOwner:      req.IsOwner,
			Open:         req.Command == "start",
		})
		if err != nil {
			b.alert(ctx, "Storage error while checking user "+itoa(req.FromID)+": "+err.Error())
			_ = req.Reply(ctx, replyTryLater)
			return err
		}
		if d.Allowed() {
			return next(ctx, req)
		}
		if d.Reason == gate.BotSender {
			req.Logger.Info("ignoring bot sender")
		}
		if cb := req.Update.Callback; cb != nil {
			_ = req.Adapter.AnswerCallback(ctx, cb.ID, d.Reply())
			return nil
		}
		if text := d.Reply(); text != "" {
			_ = req.Reply(ctx, text)
		}
		return nil
	}
}

func (b *Bot) alert(ctx context.Context, text string) {
	if b.alerter == nil {
		b.log.Info("alert", logx.String("text", text))
		return
	}
	b.alerter.Alert(ctx, text)
}

func (b *Bot) publish(topic string, ev eventbus.WatchEvent) {
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: topic, Data: ev})
	}
}
