package watch

import "context"

// Persistence is the durable backend behind Store. Implementations are
// synchronous and need not be safe for logically concurrent operations;
// Store serializes every call.
//
// Lookups that find nothing return ErrNotFound.
type Persistence interface {
	GetSubscriber(ctx context.Context, id int64) (Subscriber, error)
	UpsertSubscriber(ctx context.Context, s Subscriber) error
	SetSubscriberStatus(ctx context.Context, id int64, status Status) error

	// InsertSnapshot must fail with ErrAlreadyWatching when the
	// (EntityID, SubscriberID) pair already exists.
	InsertSnapshot(ctx context.Context, s Snapshot) error
	UpdateSnapshot(ctx context.Context, s Snapshot) error
	DeleteSnapshot(ctx context.Context, k Key) error
	CountSnapshots(ctx context.Context, subscriberID int64) (int, error)
	FindByName(ctx context.Context, subscriberID int64, fullName string) (Snapshot, error)
	ListSnapshots(ctx context.Context, subscriberID int64) ([]Snapshot, error)

	// NextActive returns the first snapshot owned by an ACTIVE subscriber
	// that sorts strictly after c, and ok=false when there is none.
	NextActive(ctx context.Context, c Cursor) (s Snapshot, ok bool, err error)

	Stats(ctx context.Context) (Stats, error)

	// Backup writes a durable copy of the data and returns its location.
	Backup(ctx context.Context) (string, error)
}

// Cursor is a keyset position in the (subscriber_id, entity_id) order.
// The order ignores full_name so a rename written back mid-walk cannot move
// a row past the cursor. The zero Cursor sorts before everything.
type Cursor struct {
	Key
	started bool
}

// After returns the cursor positioned on s.
func After(s Snapshot) Cursor { return Cursor{Key: s.Key(), started: true} }

// Started reports whether c points at a real row.
func (c Cursor) Started() bool { return c.started }

// Less reports whether s sorts strictly after c.
func (c Cursor) Less(s Snapshot) bool {
	return !c.started || c.Key.Less(s.Key())
}

// Source fetches the current state of a repository by full name.
// Failures are classified with KindRateLimited, KindNotFound or KindOther.
type Source interface {
	FetchEntity(ctx context.Context, fullName string) (Snapshot, error)
}

// StatusSetter is the slice of Store used by delivery and the request gate.
type StatusSetter interface {
	SetSubscriberStatus(ctx context.Context, id int64, status Status) error
}

// Alerter sends a message to the operators. Implementations must not block
// for long; alerts are best-effort.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

// AlertFunc adapts a function to Alerter.
type AlertFunc func(ctx context.Context, text string)

func (f AlertFunc) Alert(ctx context.Context, text string) { f(ctx, text) }
