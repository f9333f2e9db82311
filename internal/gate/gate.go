// Package gate decides whether an inbound request may be served.
package gate

import (
	"context"
	"errors"

	kit "gitwatch/internal/transport"
	"gitwatch/internal/watch"
	logx "gitwatch/pkg/logx"
)

type Reason int

const (
	Allow Reason = iota
	WrongChannelKind
	BotSender
	NotSubscribed
	Banned
)

func (r Reason) String() string {
	switch r {
	case Allow:
		return "allow"
	case WrongChannelKind:
		return "wrong_channel_kind"
	case BotSender:
		return "bot_sender"
	case NotSubscribed:
		return "not_subscribed"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// Action describes who is asking and from where.
type Action struct {
	SubscriberID int64
	ChatKind     kit.ChatKind
	FromIsBot    bool
	IsOwner      bool
	// Open marks actions that need no subscription, such as /start.
	Open bool
	// Subscriber is the stored record, nil when there is none.
	Subscriber *watch.Subscriber
}

type Decision struct {
	Reason     Reason
	Reactivate bool
}

func (d Decision) Allowed() bool { return d.Reason == Allow }

// Reply is the text sent to the user for a denial. Empty means stay silent.
func (d Decision) Reply() string {
	switch d.Reason {
	case WrongChannelKind:
		return "Sorry, Bot can only be interacted with in private chats."
	case NotSubscribed:
		return "Send a /start command first to start using the bot."
	case Banned:
		return "Sorry, You are currently banned from using this bot."
	default:
		return ""
	}
}

// Decide applies the admission rules in order. Owners bypass all of them.
func Decide(a Action) Decision {
	if a.IsOwner {
		return Decision{Reason: Allow}
	}
	if a.ChatKind != kit.ChatPrivate {
		return Decision{Reason: WrongChannelKind}
	}
	if a.FromIsBot {
		return Decision{Reason: BotSender}
	}
	if a.Open {
		return Decision{Reason: Allow}
	}
	if a.Subscriber == nil {
		return Decision{Reason: NotSubscribed}
	}
	switch a.Subscriber.Status {
	case watch.StatusBanned:
		return Decision{Reason: Banned}
	case watch.StatusUnreachable:
		return Decision{Reason: Allow, Reactivate: true}
	}
	return Decision{Reason: Allow}
}

// Store is the slice of watch.Store the gate needs.
type Store interface {
	Subscriber(ctx context.Context, id int64) (watch.Subscriber, error)
	SetSubscriberStatus(ctx context.Context, id int64, status watch.Status) error
	MaxWatches() int
}

type Gate struct {
	store Store
	log   logx.Logger
}

func New(store Store, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{store: store, log: log}
}

// Admit loads the subscriber, decides and applies the reactivation side effect.
// Storage failures are returned; the decision is then meaningless.
func (g *Gate) Admit(ctx context.Context, a Action) (Decision, error) {
	if a.Subscriber == nil {
		sub, err := g.store.Subscriber(ctx, a.SubscriberID)
		switch {
		case err == nil:
			a.Subscriber = &sub
		case errors.Is(err, watch.ErrNotFound):
		default:
			return Decision{}, err
		}
	}
	d := Decide(a)
	if d.Reactivate {
		if err := g.store.SetSubscriberStatus(ctx, a.SubscriberID, watch.StatusActive); err != nil {
			return Decision{}, err
		}
		g.log.Info("subscriber reactivated", logx.Int64("subscriber_id", a.SubscriberID))
	}
	if !d.Allowed() {
		g.log.Debug("request denied", logx.Int64("subscriber_id", a.SubscriberID), logx.String("reason", d.Reason.String()))
	}
	return d, nil
}

// CheckQuota reports ErrQuotaExceeded when current is at the maximum. The
// store enforces the same limit again on insert.
func (g *Gate) CheckQuota(current int) error {
	if current >= g.store.MaxWatches() {
		return watch.ErrQuotaExceeded
	}
	return nil
}
