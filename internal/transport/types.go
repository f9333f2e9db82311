package transport

import (
	"context"
	"errors"
)

// ErrRecipientGone marks a permanent delivery failure: the recipient blocked
// the bot, deleted their account, or the chat no longer exists. Retrying is
// pointless. Adapters wrap it; callers test with errors.Is.
var ErrRecipientGone = errors.New("recipient unreachable")

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// ChatKind is the type of chat an update came from.
type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSuperGroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID            int
	ChatID        int64
	ChatKind      ChatKind
	ThreadID      int // telegram forum topic thread id (0 if none)
	FromID        int64
	FromIsBot     bool
	FromUsername  string
	FromFirstName string
	Text          string
}

func (m *Message) IsPrivate() bool { return m != nil && m.ChatKind == ChatPrivate }

type Callback struct {
	ID            string
	FromID        int64
	FromIsBot     bool
	FromUsername  string
	FromFirstName string
	ChatID        int64
	ChatKind      ChatKind
	ThreadID      int
	MessageID     int
	Data          string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
