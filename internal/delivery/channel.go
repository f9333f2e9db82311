package delivery

import (
	"context"

	kit "gitwatch/internal/transport"
)

// TextSender is the slice of kit.Adapter used for delivery.
type TextSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// AdapterChannel delivers plain text to the subscriber's private chat.
type AdapterChannel struct {
	Sender TextSender
}

func (c AdapterChannel) Send(ctx context.Context, subscriberID int64, text string) error {
	_, err := c.Sender.SendText(ctx, kit.ChatTarget{ChatID: subscriberID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}
