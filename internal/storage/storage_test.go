package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gitwatch/internal/watch"
	logx "gitwatch/pkg/logx"
)

var drivers = []struct {
	name, file string
}{
	{"sqlite", "gitwatch.db"},
	{"file", "gitwatch.json"},
}

func openTestStore(t *testing.T, driver, file string) (Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, file)}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s store: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, dir
}

func seedSubscriber(t *testing.T, st Store, id int64, status watch.Status) {
	t.Helper()
	now := time.Now()
	err := st.UpsertSubscriber(context.Background(), watch.Subscriber{
		ID: id, Username: "u", Status: status, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("upsert subscriber %d: %v", id, err)
	}
}

func snap(entity, sub int64, name string, stars int64) watch.Snapshot {
	now := time.Now()
	return watch.Snapshot{
		EntityID: entity, SubscriberID: sub, FullName: name,
		Counters:  watch.Counters{Stars: stars},
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestOpen_Disabled(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
	if _, err := Open(Config{Driver: "mongo", Path: "x"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestStore_SubscriberCRUD(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, _ := openTestStore(t, d.name, d.file)

			if _, err := st.GetSubscriber(ctx, 1); !errors.Is(err, watch.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			seedSubscriber(t, st, 1, watch.StatusActive)
			if err := st.SetSubscriberStatus(ctx, 1, watch.StatusBanned); err != nil {
				t.Fatalf("set status: %v", err)
			}
			got, err := st.GetSubscriber(ctx, 1)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != watch.StatusBanned || got.Username != "u" {
				t.Fatalf("unexpected subscriber: %+v", got)
			}
			if err := st.SetSubscriberStatus(ctx, 99, watch.StatusBanned); !errors.Is(err, watch.ErrNotFound) {
				t.Fatalf("expected not found for missing subscriber, got %v", err)
			}
		})
	}
}

func TestStore_SnapshotCompositeKey(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, _ := openTestStore(t, d.name, d.file)
			seedSubscriber(t, st, 1, watch.StatusActive)
			seedSubscriber(t, st, 2, watch.StatusActive)

			if err := st.InsertSnapshot(ctx, snap(10, 1, "go/go", 5)); err != nil {
				t.Fatalf("insert: %v", err)
			}
			// Same entity, other subscriber: independent row.
			if err := st.InsertSnapshot(ctx, snap(10, 2, "go/go", 7)); err != nil {
				t.Fatalf("insert second subscriber: %v", err)
			}
			if err := st.InsertSnapshot(ctx, snap(10, 1, "go/go", 9)); !errors.Is(err, watch.ErrAlreadyWatching) {
				t.Fatalf("expected ErrAlreadyWatching, got %v", err)
			}

			s1, err := st.FindByName(ctx, 1, "GO/Go")
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if s1.Stars != 5 {
				t.Fatalf("duplicate insert must not overwrite, stars=%d", s1.Stars)
			}

			upd := s1
			upd.Stars = 6
			upd.Language = "Go"
			if err := st.UpdateSnapshot(ctx, upd); err != nil {
				t.Fatalf("update: %v", err)
			}
			list, err := st.ListSnapshots(ctx, 1)
			if err != nil || len(list) != 1 || list[0].Stars != 6 || list[0].Language != "Go" {
				t.Fatalf("unexpected list %+v err=%v", list, err)
			}
			other, _ := st.FindByName(ctx, 2, "go/go")
			if other.Stars != 7 {
				t.Fatalf("other subscriber row changed: %+v", other)
			}

			if n, _ := st.CountSnapshots(ctx, 1); n != 1 {
				t.Fatalf("count=%d", n)
			}
			if err := st.DeleteSnapshot(ctx, watch.Key{EntityID: 10, SubscriberID: 1}); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := st.DeleteSnapshot(ctx, watch.Key{EntityID: 10, SubscriberID: 1}); !errors.Is(err, watch.ErrNotFound) {
				t.Fatalf("expected not found on second delete, got %v", err)
			}
			if err := st.UpdateSnapshot(ctx, upd); !errors.Is(err, watch.ErrNotFound) {
				t.Fatalf("expected not found on update of deleted row, got %v", err)
			}
		})
	}
}

func TestStore_NextActiveOrder(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, _ := openTestStore(t, d.name, d.file)
			seedSubscriber(t, st, 1, watch.StatusActive)
			seedSubscriber(t, st, 2, watch.StatusBanned)
			seedSubscriber(t, st, 3, watch.StatusActive)

			for _, s := range []watch.Snapshot{
				snap(3, 1, "zeta/z", 0),
				snap(1, 1, "Alpha/a", 0),
				snap(2, 2, "beta/b", 0), // banned owner, skipped
				snap(1, 3, "alpha/a", 0),
			} {
				if err := st.InsertSnapshot(ctx, s); err != nil {
					t.Fatalf("insert %v: %v", s.Key(), err)
				}
			}

			var got []watch.Key
			var c watch.Cursor
			for {
				s, ok, err := st.NextActive(ctx, c)
				if err != nil {
					t.Fatalf("next: %v", err)
				}
				if !ok {
					break
				}
				got = append(got, s.Key())
				c = watch.After(s)
			}
			want := []watch.Key{{EntityID: 1, SubscriberID: 1}, {EntityID: 3, SubscriberID: 1}, {EntityID: 1, SubscriberID: 3}}
			if len(got) != len(want) {
				t.Fatalf("got %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("got %v, want %v", got, want)
				}
			}

			stats, err := st.Stats(ctx)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if stats.Watches != 4 || stats.Entities != 3 || stats.Subscribers[watch.StatusActive] != 2 {
				t.Fatalf("unexpected stats %+v", stats)
			}
		})
	}
}

func TestStore_NextActiveIgnoresRename(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, _ := openTestStore(t, d.name, d.file)
			seedSubscriber(t, st, 1, watch.StatusActive)
			for _, s := range []watch.Snapshot{snap(1, 1, "a/old", 0), snap(2, 1, "m/mid", 0)} {
				if err := st.InsertSnapshot(ctx, s); err != nil {
					t.Fatalf("insert: %v", err)
				}
			}

			var c watch.Cursor
			visits := map[watch.Key]int{}
			for {
				s, ok, err := st.NextActive(ctx, c)
				if err != nil {
					t.Fatalf("next: %v", err)
				}
				if !ok {
					break
				}
				visits[s.Key()]++
				if s.FullName == "a/old" {
					s.FullName = "z/new"
					if err := st.UpdateSnapshot(ctx, s); err != nil {
						t.Fatalf("update: %v", err)
					}
				}
				c = watch.After(s)
			}
			if len(visits) != 2 {
				t.Fatalf("visits = %v", visits)
			}
			for k, n := range visits {
				if n != 1 {
					t.Fatalf("%v visited %d times", k, n)
				}
			}
		})
	}
}

func TestStore_Backup(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, dir := openTestStore(t, d.name, d.file)
			seedSubscriber(t, st, 1, watch.StatusActive)

			path, err := st.Backup(ctx)
			if err != nil {
				t.Fatalf("backup: %v", err)
			}
			if !strings.HasPrefix(path, filepath.Join(dir, "backups")) || !strings.HasSuffix(path, ".tar.gz") {
				t.Fatalf("unexpected backup path %q", path)
			}
			if !strings.Contains(filepath.Base(path), "Database-") {
				t.Fatalf("unexpected backup name %q", path)
			}
			fi, err := os.Stat(path)
			if err != nil || fi.Size() == 0 {
				t.Fatalf("backup archive missing or empty: %v", err)
			}
			if _, err := os.Stat(strings.TrimSuffix(path, ".tar.gz")); !os.IsNotExist(err) {
				t.Fatalf("raw backup copy should be removed, stat err=%v", err)
			}
		})
	}
}

func TestFileStore_ReopenReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seedSubscriber(t, st, 1, watch.StatusActive)
	if err := st.InsertSnapshot(ctx, snap(5, 1, "a/b", 3)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, err := st2.FindByName(ctx, 1, "a/b")
	if err != nil || got.Stars != 3 {
		t.Fatalf("state not restored: %+v err=%v", got, err)
	}
}
