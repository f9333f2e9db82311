package eventbus

// Topics published on the bus.
const (
	TopicWatchdogCycle = "watchdog.cycle"

	TopicDeliverySent        = "delivery.sent"
	TopicDeliveryFailed      = "delivery.failed"
	TopicDeliveryUnreachable = "delivery.unreachable"

	TopicNotifierQueued  = "notifier.queued"
	TopicNotifierSent    = "notifier.sent"
	TopicNotifierDropped = "notifier.dropped"
	TopicNotifierDeduped = "notifier.deduped"
	TopicNotifierFailed  = "notifier.failed"

	TopicWatchAdded   = "watch.added"
	TopicWatchRemoved = "watch.removed"
)

// CycleEvent is the payload of TopicWatchdogCycle.
type CycleEvent struct {
	Visited int    `json:"visited"`
	Events  int    `json:"events"`
	Errors  int    `json:"errors"`
	Aborted bool   `json:"aborted"`
	TookMS  int64  `json:"took_ms"`
	Backup  string `json:"backup,omitempty"`
}

// DeliveryEvent is the payload of the delivery.* topics.
type DeliveryEvent struct {
	SubscriberID int64  `json:"subscriber_id"`
	Chunk        int    `json:"chunk"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error,omitempty"`
}

// WatchEvent is the payload of the watch.* topics.
type WatchEvent struct {
	SubscriberID int64  `json:"subscriber_id"`
	EntityID     int64  `json:"entity_id"`
	FullName     string `json:"full_name"`
}
