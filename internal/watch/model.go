package watch

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a subscriber.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusBanned      Status = "BANNED"
	StatusUnreachable Status = "UNREACHABLE"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusBanned, StatusUnreachable:
		return true
	}
	return false
}

// ParseStatus accepts the canonical names case-insensitively.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

// Subscriber is a chat user of the bot. ID doubles as the delivery address.
type Subscriber struct {
	ID        int64
	Username  string
	FirstName string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Field names a tracked counter. The declaration order is the order in which
// deltas are reported.
type Field int

const (
	FieldStars Field = iota
	FieldWatchers
	FieldIssues
	FieldPulls
	FieldForks
)

// Fields lists every counter in reporting order.
var Fields = [...]Field{FieldStars, FieldWatchers, FieldIssues, FieldPulls, FieldForks}

func (f Field) String() string {
	switch f {
	case FieldStars:
		return "stars"
	case FieldWatchers:
		return "watchers"
	case FieldIssues:
		return "issues"
	case FieldPulls:
		return "pulls"
	case FieldForks:
		return "forks"
	default:
		return "unknown"
	}
}

// Counters are the numeric fields compared between snapshots.
type Counters struct {
	Stars    int64
	Watchers int64
	Issues   int64
	Pulls    int64
	Forks    int64
}

// Get returns the value of f.
func (c Counters) Get(f Field) int64 {
	switch f {
	case FieldStars:
		return c.Stars
	case FieldWatchers:
		return c.Watchers
	case FieldIssues:
		return c.Issues
	case FieldPulls:
		return c.Pulls
	case FieldForks:
		return c.Forks
	}
	return 0
}

// Clamp floors every counter at zero.
func (c Counters) Clamp() Counters {
	for _, p := range []*int64{&c.Stars, &c.Watchers, &c.Issues, &c.Pulls, &c.Forks} {
		if *p < 0 {
			*p = 0
		}
	}
	return c
}

// Snapshot is the last known state of one repository as seen by one subscriber.
// The same repository has an independent snapshot per subscriber.
type Snapshot struct {
	EntityID     int64
	FullName     string
	SubscriberID int64

	Counters

	Description string
	Language    string
	Size        int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key identifies the (entity, subscriber) pair a snapshot belongs to.
type Key struct {
	EntityID     int64
	SubscriberID int64
}

func (s Snapshot) Key() Key { return Key{EntityID: s.EntityID, SubscriberID: s.SubscriberID} }

// Less orders keys by subscriber, then entity. Neither part changes when a
// repository is renamed upstream.
func (k Key) Less(o Key) bool {
	if k.SubscriberID != o.SubscriberID {
		return k.SubscriberID < o.SubscriberID
	}
	return k.EntityID < o.EntityID
}

// WithFresh returns s with counters and metadata taken from fresh. Identity,
// ownership and CreatedAt are kept.
func (s Snapshot) WithFresh(fresh Snapshot) Snapshot {
	s.Counters = fresh.Counters.Clamp()
	s.Description = fresh.Description
	s.Language = fresh.Language
	s.Size = fresh.Size
	if fresh.FullName != "" {
		s.FullName = fresh.FullName
	}
	return s
}

// Delta is a single counter change derived from two snapshots.
type Delta struct {
	SubscriberID int64
	FullName     string
	Field        Field
	Old          int64
	New          int64
}

// Diff is New-Old. It is never zero for a produced delta.
func (d Delta) Diff() int64 { return d.New - d.Old }

func (d Delta) Increase() bool { return d.New > d.Old }

// Stats is a point-in-time summary used by operator commands.
type Stats struct {
	Subscribers map[Status]int
	Watches     int
	Entities    int
}
