package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gitwatch/internal/transport/telegram/router"
	"gitwatch/internal/watch"
	logx "gitwatch/pkg/logx"
)

func (b *Bot) cmdSetStatus(status watch.Status) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if len(req.Args) != 1 {
			return req.Reply(ctx, "Usage: /"+req.Command+" <user_id>")
		}
		id, err := strconv.ParseInt(strings.TrimSpace(req.Args[0]), 10, 64)
		if err != nil {
			return req.Reply(ctx, "'"+req.Args[0]+"' is not a user id.")
		}
		if err := b.store.SetSubscriberStatus(ctx, id, status); err != nil {
			if errors.Is(err, watch.ErrNotFound) {
				return req.Reply(ctx, "User "+itoa(id)+" not found.")
			}
			_ = req.Reply(ctx, replyTryLater)
			return err
		}
		req.Logger.Info("subscriber status changed", logx.Int64("subscriber_id", id), logx.String("status", string(status)))
		return req.Reply(ctx, "User "+itoa(id)+" is now "+string(status)+".")
	}
}

func (b *Bot) cmdStats(ctx context.Context, req *router.Request) error {
	st, err := b.store.Stats(ctx)
	if err != nil {
		_ = req.Reply(ctx, replyTryLater)
		return err
	}
	return req.Reply(ctx, renderStats(st))
}

func renderStats(st watch.Stats) string {
	total := 0
	for _, n := range st.Subscribers {
		total += n
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Subscribers: %d\n", total)
	for _, s := range []watch.Status{watch.StatusActive, watch.StatusUnreachable, watch.StatusBanned} {
		fmt.Fprintf(&sb, "  %s: %d\n", s, st.Subscribers[s])
	}
	fmt.Fprintf(&sb, "Watches: %d\nRepositories: %d", st.Watches, st.Entities)
	return sb.String()
}

func (b *Bot) cmdBackup(ctx context.Context, req *router.Request) error {
	_ = req.Reply(ctx, "Backup started...")
	path, err := b.store.Backup(ctx)
	if err != nil {
		b.alert(ctx, "Backup failed: "+err.Error())
		_ = req.Reply(ctx, "Backup failed: "+err.Error())
		return err
	}
	req.Logger.Info("backup written", logx.String("path", path))
	return req.Reply(ctx, "Backup written to "+path)
}
