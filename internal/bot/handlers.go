package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"gitwatch/internal/eventbus"
	"gitwatch/internal/gate"
	"gitwatch/internal/source/github"
	kit "gitwatch/internal/transport"
	"gitwatch/internal/transport/telegram/router"
	"gitwatch/internal/watch"
	logx "gitwatch/pkg/logx"
	"gitwatch/pkg/tgui"
)

func (b *Bot) cmdStart(ctx context.Context, req *router.Request) error {
	sub, created, err := b.store.EnsureSubscriber(ctx, watch.Subscriber{
		ID:        req.FromID,
		Username:  req.FromUsername,
		FirstName: req.FromFirstName,
	})
	if err != nil {
		b.alert(ctx, "Error registering user "+itoa(req.FromID)+"\nReason: "+err.Error())
		_ = req.Reply(ctx, replyTryLater)
		return err
	}
	if sub.Status == watch.StatusBanned && !req.IsOwner {
		return req.Reply(ctx, gate.Decision{Reason: gate.Banned}.Reply())
	}
	if created {
		req.Logger.Info("new subscriber", logx.String("username", req.FromUsername))
		b.alert(ctx, "New user! -> id: "+itoa(req.FromID)+userTag(req.FromUsername))
	}
	return req.Reply(ctx, replyWelcome)
}

func (b *Bot) cmdWatch(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, replyAskRepo)
	}
	return b.addWatch(ctx, req, strings.Join(req.Args, " "))
}

// onText treats a plain message as a repository to watch. Anything that is
// not a repository name is ignored.
func (b *Bot) onText(ctx context.Context, req *router.Request) error {
	if _, err := github.ParseRepoName(req.Text); err != nil {
		req.Logger.Debug("ignoring plain text")
		return nil
	}
	return b.addWatch(ctx, req, req.Text)
}

func (b *Bot) addWatch(ctx context.Context, req *router.Request, input string) error {
	name, err := github.ParseRepoName(input)
	if err != nil {
		return req.Reply(ctx, replyInvalidName(strings.TrimSpace(input)))
	}
	if req.IsOwner {
		// Owners skip /start, but a watch needs a subscriber row.
		if _, _, err := b.store.EnsureSubscriber(ctx, watch.Subscriber{ID: req.FromID, Username: req.FromUsername, FirstName: req.FromFirstName}); err != nil {
			return b.failAdd(ctx, req, name, err)
		}
	}

	if existing, err := b.store.FindWatch(ctx, req.FromID, name); err == nil {
		return req.Reply(ctx, replyDuplicate(existing.FullName))
	} else if !errors.Is(err, watch.ErrNotFound) {
		return b.failAdd(ctx, req, name, err)
	}

	n, err := b.store.CountWatches(ctx, req.FromID)
	if err != nil {
		return b.failAdd(ctx, req, name, err)
	}
	if err := b.gate.CheckQuota(n); err != nil {
		return req.Reply(ctx, replyQuota(b.store.MaxWatches()))
	}

	fctx, cancel := context.WithTimeout(ctx, b.fetchTimeout)
	snap, err := b.src.FetchEntity(fctx, name)
	cancel()
	switch {
	case errors.Is(err, watch.ErrNotFound):
		return req.Reply(ctx, replyNotFound(name))
	case errors.Is(err, watch.ErrRateLimited):
		req.Logger.Warn("rate limited while adding watch", logx.String("repo", name))
		b.alert(ctx, "GitHub API rate limit exceeded while adding "+name+" for user "+itoa(req.FromID))
		return req.Reply(ctx, replyRateLimited)
	case err != nil:
		return b.failAdd(ctx, req, name, err)
	}

	err = b.store.AddWatch(ctx, req.FromID, snap)
	switch {
	case errors.Is(err, watch.ErrAlreadyWatching):
		return req.Reply(ctx, replyDuplicate(snap.FullName))
	case errors.Is(err, watch.ErrQuotaExceeded):
		return req.Reply(ctx, replyQuota(b.store.MaxWatches()))
	case err != nil:
		return b.failAdd(ctx, req, name, err)
	}

	req.Logger.Info("watch added", logx.String("repo", snap.FullName), logx.Int64("entity_id", snap.EntityID))
	b.publish(eventbus.TopicWatchAdded, eventbus.WatchEvent{SubscriberID: req.FromID, EntityID: snap.EntityID, FullName: snap.FullName})
	b.alert(ctx, "Repository "+snap.FullName+" added to watch list for user "+itoa(req.FromID)+userTag(req.FromUsername))
	return req.Reply(ctx, replyAdded(snap.FullName))
}

func (b *Bot) failAdd(ctx context.Context, req *router.Request, name string, err error) error {
	b.alert(ctx, "Error adding new repo for user id: "+itoa(req.FromID)+"\nRepo: "+name+"\nReason: "+err.Error())
	_ = req.Reply(ctx, replyTryLater)
	return err
}

func (b *Bot) cmdUnwatch(ctx context.Context, req *router.Request) error {
	snaps, err := b.store.WatchesFor(ctx, req.FromID)
	if err != nil {
		_ = req.Reply(ctx, replyTryLater)
		return err
	}
	if len(snaps) == 0 {
		return req.Reply(ctx, replyEmptyList)
	}

	kb := tgui.NewInline()
	for _, s := range snaps {
		kb.Row(tgui.Btn(tgui.TruncRunes(s.FullName, 60), tgui.Data(cbScope, cbUnwatch, itoa(s.EntityID))))
	}
	kb.Row(tgui.Btn("Cancel", tgui.Data(cbScope, cbCancel, "")))
	_, err = req.Adapter.SendText(ctx, req.Chat, replyPickUnwatch, &kit.SendOptions{ReplyMarkupAdapter: kb.Markup()})
	return err
}

func (b *Bot) cbUnwatch(ctx context.Context, req *router.Request, payload string) error {
	defer b.dropKeyboard(ctx, req)

	entityID, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		req.Logger.Warn("invalid unwatch payload", logx.String("payload", payload))
		return req.Reply(ctx, replyRemoveFailed)
	}
	if err := b.store.RemoveWatch(ctx, req.FromID, entityID); err != nil {
		if !errors.Is(err, watch.ErrNotFound) {
			b.alert(ctx, "Failed to remove repo id "+itoa(entityID)+" from watch list for user id "+itoa(req.FromID)+"\nReason: "+err.Error())
		}
		_ = req.Reply(ctx, replyRemoveFailed)
		return err
	}
	req.Logger.Info("watch removed", logx.Int64("entity_id", entityID))
	b.publish(eventbus.TopicWatchRemoved, eventbus.WatchEvent{SubscriberID: req.FromID, EntityID: entityID})
	return req.Reply(ctx, replyRemoved)
}

func (b *Bot) cbCancel(ctx context.Context, req *router.Request, _ string) error {
	b.dropKeyboard(ctx, req)
	return nil
}

// dropKeyboard deletes the message that carried the unwatch keyboard.
func (b *Bot) dropKeyboard(ctx context.Context, req *router.Request) {
	ref := req.MessageRef()
	if ref.MessageID == 0 {
		return
	}
	if err := req.Adapter.DeleteMessage(ctx, ref); err != nil {
		req.Logger.Debug("keyboard delete failed", logx.Err(err))
	}
}

func (b *Bot) cmdMyRepos(ctx context.Context, req *router.Request) error {
	snaps, err := b.store.WatchesFor(ctx, req.FromID)
	if err != nil {
		_ = req.Reply(ctx, replyTryLater)
		return err
	}
	if len(snaps) == 0 {
		return req.Reply(ctx, replyEmptyList)
	}
	return req.ReplyHTML(ctx, renderWatchList(snaps), nil)
}

func renderWatchList(snaps []watch.Snapshot) string {
	var sb strings.Builder
	sb.WriteString("You are watching ")
	sb.WriteString(tgui.B(strconv.Itoa(len(snaps))).String())
	sb.WriteString(" repositories for changes:\n")
	for _, s := range snaps {
		sb.WriteString("- ")
		sb.WriteString(tgui.LinkH(tgui.B(s.FullName), "https://github.com/"+s.FullName).String())
		sb.WriteString("\n")
	}
	return sb.String()
}

func userTag(username string) string {
	if username == "" {
		return ""
	}
	return " (@" + username + ")"
}
