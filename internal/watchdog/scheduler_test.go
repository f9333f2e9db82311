package watchdog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gitwatch/internal/storage"
	"gitwatch/internal/watch"
	logx "gitwatch/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	repos map[string]watch.Snapshot
	errs  map[string]error
	calls []string
}

func (f *fakeSource) FetchEntity(_ context.Context, name string) (watch.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err, ok := f.errs[name]; ok {
		return watch.Snapshot{}, err
	}
	s, ok := f.repos[name]
	if !ok {
		return watch.Snapshot{}, watch.ErrNotFound
	}
	return s, nil
}

func (f *fakeSource) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeSender struct {
	mu   sync.Mutex
	msgs map[int64][]string
}

func (f *fakeSender) Send(id int64, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgs == nil {
		f.msgs = map[int64][]string{}
	}
	f.msgs[id] = append(f.msgs[id], text)
	return true
}

func (f *fakeSender) get(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.msgs[id]...)
}

type fakeAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeAlerter) Alert(_ context.Context, text string) {
	f.mu.Lock()
	f.msgs = append(f.msgs, text)
	f.mu.Unlock()
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func newStore(t *testing.T) *watch.Store {
	t.Helper()
	p, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "w.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return watch.NewStore(p)
}

func seed(t *testing.T, st *watch.Store, sub int64, snaps ...watch.Snapshot) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := st.EnsureSubscriber(ctx, watch.Subscriber{ID: sub, FirstName: "u"}); err != nil {
		t.Fatal(err)
	}
	for _, s := range snaps {
		s.SubscriberID = sub
		if err := st.AddWatch(ctx, sub, s); err != nil {
			t.Fatalf("add %s: %v", s.FullName, err)
		}
	}
}

func snap(id int64, name string, stars int64) watch.Snapshot {
	return watch.Snapshot{EntityID: id, FullName: name, Counters: watch.Counters{Stars: stars}}
}

func TestRunCycleEndToEnd(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	seed(t, st, 1, snap(10, "octo/hello", 10))

	src := &fakeSource{repos: map[string]watch.Snapshot{"octo/hello": snap(10, "octo/hello", 12)}}
	out := &fakeSender{}
	s, err := New(Config{}, st, src, out)
	if err != nil {
		t.Fatal(err)
	}

	res := s.RunCycle(context.Background())
	if res.Visited != 1 || res.Events != 1 || res.Aborted || res.Errors != 0 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasSuffix(res.Backup, ".tar.gz") {
		t.Fatalf("backup = %q", res.Backup)
	}

	msgs := out.get(1)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", msgs)
	}
	if !strings.Contains(msgs[0], "octo/hello") || !strings.Contains(msgs[0], "2 New Star(s)") || !strings.Contains(msgs[0], "12") {
		t.Fatalf("message = %q", msgs[0])
	}

	got, err := st.FindWatch(context.Background(), 1, "octo/hello")
	if err != nil {
		t.Fatal(err)
	}
	if got.Stars != 12 {
		t.Fatalf("persisted stars = %d, want 12", got.Stars)
	}

	// A second cycle with no change queues nothing.
	s.RunCycle(context.Background())
	if n := len(out.get(1)); n != 1 {
		t.Fatalf("messages after unchanged cycle = %d", n)
	}
}

func TestRunCycleRateLimitAborts(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	seed(t, st, 1, snap(1, "a/one", 1), snap(2, "b/two", 1), snap(3, "c/three", 1))

	src := &fakeSource{
		repos: map[string]watch.Snapshot{"a/one": snap(1, "a/one", 5), "c/three": snap(3, "c/three", 5)},
		errs:  map[string]error{"b/two": watch.E(watch.KindRateLimited, "github", fmt.Errorf("HTTP 403"))},
	}
	al := &fakeAlerter{}
	s, err := New(Config{}, st, src, &fakeSender{}, WithAlerter(al))
	if err != nil {
		t.Fatal(err)
	}

	res := s.RunCycle(context.Background())
	if !res.Aborted || res.Visited != 2 {
		t.Fatalf("result = %+v", res)
	}
	if got := src.fetched(); len(got) != 2 || got[1] != "b/two" {
		t.Fatalf("fetched = %v", got)
	}
	if al.count() != 1 {
		t.Fatalf("alerts = %d, want 1", al.count())
	}
	if res.Backup == "" {
		t.Fatal("backup must run after an aborted cycle")
	}
	third, _ := st.FindWatch(context.Background(), 1, "c/three")
	if third.Stars != 1 {
		t.Fatalf("c/three was refreshed after abort: %d", third.Stars)
	}
}

func TestRunCycleSkipsFailedEntity(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	seed(t, st, 1, snap(1, "a/gone", 1), snap(2, "b/ok", 1))

	src := &fakeSource{repos: map[string]watch.Snapshot{"b/ok": snap(2, "b/ok", 3)}}
	out := &fakeSender{}
	s, _ := New(Config{}, st, src, out)

	res := s.RunCycle(context.Background())
	if res.Aborted || res.Errors != 1 || res.Visited != 2 || res.Events != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunCycleVisitsRenamedRepoOnce(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	seed(t, st, 1, snap(1, "a/old", 1), snap(2, "m/mid", 1))

	// GitHub answers "a/old" with its new canonical name, which sorts last.
	src := &fakeSource{repos: map[string]watch.Snapshot{
		"a/old": snap(1, "z/new", 4),
		"m/mid": snap(2, "m/mid", 1),
	}}
	out := &fakeSender{}
	s, err := New(Config{}, st, src, out)
	if err != nil {
		t.Fatal(err)
	}

	res := s.RunCycle(context.Background())
	if res.Visited != 2 || res.Events != 1 {
		t.Fatalf("result = %+v", res)
	}
	got := src.fetched()
	if len(got) != 2 {
		t.Fatalf("fetched = %v, want each repo once", got)
	}
	for _, name := range got {
		if name == "z/new" {
			t.Fatalf("renamed repo fetched again in the same cycle: %v", got)
		}
	}
	if n := len(out.get(1)); n != 1 {
		t.Fatalf("messages = %d, want 1", n)
	}
	renamed, err := st.FindWatch(context.Background(), 1, "z/new")
	if err != nil || renamed.Stars != 4 {
		t.Fatalf("renamed watch = %+v err=%v", renamed, err)
	}
}

func TestStopDuringSleep(t *testing.T) {
	t.Parallel()
	st := newStore(t)
	s, err := New(Config{Schedule: "@every 1h"}, st, &fakeSource{}, &fakeSender{})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.State(); got != StateStopping {
		t.Fatalf("state before start = %v", got)
	}
	s.Start(context.Background())
	if got := s.State(); got != StateRunning {
		t.Fatalf("state after start = %v", got)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.LastResult().Backup == "" {
		if time.Now().After(deadline) {
			t.Fatal("first cycle did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("stop took %v", took)
	}
	if got := s.State(); got != StateStopping {
		t.Fatalf("state after stop = %v", got)
	}

	// A stopped scheduler can begin a new run.
	s.Start(context.Background())
	if got := s.State(); got != StateRunning {
		t.Fatalf("state after restart = %v", got)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestApplyRejectsBadConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Timezone: "Mars/Olympus"}, nil, nil, nil); err == nil {
		t.Fatal("expected timezone error")
	}
	if _, err := New(Config{Schedule: "not a schedule"}, nil, nil, nil); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestCadence(t *testing.T) {
	t.Parallel()
	utc := time.UTC
	base := time.Date(2024, 5, 1, 10, 17, 30, 0, utc)
	cases := []struct {
		spec string
		want time.Time
	}{
		{spec: "", want: time.Date(2024, 5, 1, 11, 0, 0, 0, utc)},
		{spec: "0 * * * *", want: time.Date(2024, 5, 1, 11, 0, 0, 0, utc)},
		{spec: "*/15 * * * *", want: time.Date(2024, 5, 1, 10, 30, 0, 0, utc)},
		{spec: "@daily", want: time.Date(2024, 5, 2, 0, 0, 0, 0, utc)},
		{spec: "1h", want: time.Date(2024, 5, 1, 11, 0, 0, 0, utc)},
		{spec: "00:30", want: time.Date(2024, 5, 1, 10, 30, 0, 0, utc)},
		{spec: "every:20m", want: time.Date(2024, 5, 1, 10, 20, 0, 0, utc)},
		{spec: "cron:0 12 * * *", want: time.Date(2024, 5, 1, 12, 0, 0, 0, utc)},
	}
	for _, tc := range cases {
		t.Run(tc.spec, func(t *testing.T) {
			c, err := ParseCadence(tc.spec, utc)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got := c.Next(base); !got.Equal(tc.want) {
				t.Fatalf("Next = %v, want %v", got, tc.want)
			}
		})
	}

	for _, bad := range []string{"soon", "00:75", "500ms", "cron:", "61 * * * *"} {
		if _, err := ParseCadence(bad, utc); err == nil {
			t.Errorf("ParseCadence(%q) accepted", bad)
		}
	}
}

func TestCadenceTimezone(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("X", 5*3600+1800)
	c, err := ParseCadence("0 9 * * *", loc)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // 05:30 local
	want := time.Date(2024, 1, 1, 9, 0, 0, 0, loc)
	if got := c.Next(now); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}
