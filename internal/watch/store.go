package watch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultMaxWatches is the per-subscriber quota when none is configured.
const DefaultMaxWatches = 25

// Store owns the subscriber and snapshot state. Every operation takes the same
// mutex, so request handlers and the watchdog never interleave partial writes.
type Store struct {
	mu  sync.Mutex
	p   Persistence
	max int
	now func() time.Time
}

type StoreOption func(*Store)

// WithMaxWatches sets the per-subscriber quota. n <= 0 keeps the default.
func WithMaxWatches(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.max = n
		}
	}
}

// WithClock overrides the time source used for CreatedAt/UpdatedAt.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(p Persistence, opts ...StoreOption) *Store {
	s := &Store{p: p, max: DefaultMaxWatches, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// MaxWatches returns the configured quota.
func (s *Store) MaxWatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.max
}

// SetMaxWatches updates the quota at runtime (config reload).
func (s *Store) SetMaxWatches(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.max = n
	s.mu.Unlock()
}

// EnsureSubscriber creates the subscriber if missing and refreshes its profile.
// An UNREACHABLE subscriber is reactivated; a BANNED one stays banned.
// created reports whether the row is new.
func (s *Store) EnsureSubscriber(ctx context.Context, sub Subscriber) (out Subscriber, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, err := s.p.GetSubscriber(ctx, sub.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		sub.Status = StatusActive
		sub.CreatedAt, sub.UpdatedAt = now, now
		if err := s.p.UpsertSubscriber(ctx, sub); err != nil {
			return Subscriber{}, false, Storage("ensure subscriber", err)
		}
		return sub, true, nil
	case err != nil:
		return Subscriber{}, false, Storage("ensure subscriber", err)
	}

	cur.Username = sub.Username
	cur.FirstName = sub.FirstName
	if cur.Status == StatusUnreachable {
		cur.Status = StatusActive
	}
	cur.UpdatedAt = now
	if err := s.p.UpsertSubscriber(ctx, cur); err != nil {
		return Subscriber{}, false, Storage("ensure subscriber", err)
	}
	return cur, false, nil
}

// Subscriber returns the subscriber with id, or ErrNotFound.
func (s *Store) Subscriber(ctx context.Context, id int64) (Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, err := s.p.GetSubscriber(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Subscriber{}, Storage("get subscriber", err)
	}
	return sub, err
}

// SetSubscriberStatus changes the status of an existing subscriber.
func (s *Store) SetSubscriberStatus(ctx context.Context, id int64, status Status) error {
	if !status.Valid() {
		return Errorf(KindOther, "set status", "invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.p.SetSubscriberStatus(ctx, id, status); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return Storage("set status", err)
	}
	return nil
}

// AddWatch stores snap as a new watch of subscriberID. The count check and the
// insert happen under one lock; on ErrQuotaExceeded or ErrAlreadyWatching
// nothing is written.
func (s *Store) AddWatch(ctx context.Context, subscriberID int64, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.p.CountSnapshots(ctx, subscriberID)
	if err != nil {
		return Storage("add watch", err)
	}
	if n >= s.max {
		return ErrQuotaExceeded
	}

	now := s.now()
	snap.SubscriberID = subscriberID
	snap.Counters = snap.Counters.Clamp()
	snap.CreatedAt, snap.UpdatedAt = now, now
	if err := s.p.InsertSnapshot(ctx, snap); err != nil {
		if errors.Is(err, ErrAlreadyWatching) {
			return err
		}
		return Storage("add watch", err)
	}
	return nil
}

// RemoveWatch deletes the watch, or returns ErrNotFound.
func (s *Store) RemoveWatch(ctx context.Context, subscriberID, entityID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.p.DeleteSnapshot(ctx, Key{EntityID: entityID, SubscriberID: subscriberID}); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return Storage("remove watch", err)
	}
	return nil
}

// CountWatches returns how many repositories subscriberID watches.
func (s *Store) CountWatches(ctx context.Context, subscriberID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.p.CountSnapshots(ctx, subscriberID)
	if err != nil {
		return 0, Storage("count watches", err)
	}
	return n, nil
}

// FindWatch looks up a watch by repository name, case-insensitively.
func (s *Store) FindWatch(ctx context.Context, subscriberID int64, fullName string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.p.FindByName(ctx, subscriberID, fullName)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Snapshot{}, Storage("find watch", err)
	}
	return snap, err
}

// WatchesFor lists the watches of subscriberID ordered by name, case-insensitively.
func (s *Store) WatchesFor(ctx context.Context, subscriberID int64) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.p.ListSnapshots(ctx, subscriberID)
	if err != nil {
		return nil, Storage("list watches", err)
	}
	SortByName(out)
	return out, nil
}

// IterateActive calls visit for every snapshot owned by an ACTIVE subscriber.
// Rows are fetched one at a time and the lock is released while visit runs,
// so visit may call back into the Store. Rows inserted behind the cursor
// during iteration are picked up next time. A visit error stops the walk and
// is returned unchanged.
func (s *Store) IterateActive(ctx context.Context, visit func(Snapshot) error) error {
	var cur Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		snap, ok, err := s.p.NextActive(ctx, cur)
		s.mu.Unlock()
		if err != nil {
			return Storage("iterate", err)
		}
		if !ok {
			return nil
		}
		cur = After(snap)
		if err := visit(snap); err != nil {
			return err
		}
	}
}

// UpdateSnapshot replaces counters and metadata of an existing watch and bumps
// UpdatedAt. CreatedAt is preserved.
func (s *Store) UpdateSnapshot(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Counters = snap.Counters.Clamp()
	snap.UpdatedAt = s.now()
	if !snap.CreatedAt.IsZero() && snap.UpdatedAt.Before(snap.CreatedAt) {
		snap.UpdatedAt = snap.CreatedAt
	}
	if err := s.p.UpdateSnapshot(ctx, snap); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return Storage("update snapshot", err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.p.Stats(ctx)
	if err != nil {
		return Stats{}, Storage("stats", err)
	}
	return st, nil
}

// Backup asks the persistence layer for a durable copy. The lock is held so
// the copy never observes a half-applied operation.
func (s *Store) Backup(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.p.Backup(ctx)
	if err != nil {
		return "", Storage("backup", err)
	}
	return path, nil
}

// FoldName is the case-insensitive sort key for repository names.
func FoldName(name string) string { return strings.ToLower(name) }
