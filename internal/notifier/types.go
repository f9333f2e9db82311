package notifier

import (
	"context"
	"time"

	kit "gitwatch/internal/transport"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Priority tags an alert. Higher values get a louder prefix.
type Priority int

const (
	PriorityInfo     Priority = 5
	PriorityWarn     Priority = 7
	PriorityCritical Priority = 9
)

// Notification is one message for one chat.
type Notification struct {
	Priority Priority
	Target   kit.ChatTarget
	Text     string
	Options  *kit.SendOptions
}

// Sender is the slice of kit.Adapter the notifier needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
