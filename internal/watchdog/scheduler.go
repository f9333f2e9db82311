// Package watchdog periodically refreshes every watched repository, turns
// counter changes into messages and hands them to delivery.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gitwatch/internal/diff"
	"gitwatch/internal/eventbus"
	"gitwatch/internal/observability"
	rtsup "gitwatch/internal/runtime/supervisor"
	"gitwatch/internal/watch"
	logx "gitwatch/pkg/logx"
)

// State is RUNNING from Start until a stop is requested, then STOPPING.
// STOPPING is terminal for that run; a later Start begins a fresh one.
// A Scheduler that was never started reports STOPPING.
type State int

const (
	StateStopping State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopping"
}

// Store is the slice of watch.Store the scheduler needs.
type Store interface {
	IterateActive(ctx context.Context, visit func(watch.Snapshot) error) error
	UpdateSnapshot(ctx context.Context, snap watch.Snapshot) error
	Backup(ctx context.Context) (string, error)
}

// Sender queues a message for a subscriber without blocking.
type Sender interface {
	Send(subscriberID int64, text string) bool
}

type Config struct {
	Schedule string        // cadence, see ParseCadence
	Timezone string        // IANA name; empty means Local
	Pacing   time.Duration // pause between entities, 0 disables
}

// Result summarizes one cycle.
type Result struct {
	Visited int
	Events  int
	Errors  int
	Aborted bool
	Backup  string
	Took    time.Duration
}

var errAbort = errors.New("cycle aborted")

type Option func(*Scheduler)

func WithLogger(l logx.Logger) Option             { return func(s *Scheduler) { s.log = l } }
func WithBus(b eventbus.Bus) Option               { return func(s *Scheduler) { s.bus = b } }
func WithAlerter(a watch.Alerter) Option          { return func(s *Scheduler) { s.alert = a } }
func WithMetrics(m *observability.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithClock(now func() time.Time) Option       { return func(s *Scheduler) { s.now = now } }

// Scheduler runs one cycle at start and then one per cadence boundary.
// Cycles never overlap.
type Scheduler struct {
	store Store
	src   watch.Source
	out   Sender

	log     logx.Logger
	bus     eventbus.Bus
	alert   watch.Alerter
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.Mutex
	cfg     Config
	cadence Cadence
	state   State
	sup     *rtsup.Supervisor
	last    Result
}

func New(cfg Config, store Store, src watch.Source, out Sender, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{store: store, src: src, out: out, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply validates cfg and makes it effective from the next sleep on.
func (s *Scheduler) Apply(cfg Config) error {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("watchdog timezone %q: %w", tz, err)
		}
		loc = l
	}
	cad, err := ParseCadence(cfg.Schedule, loc)
	if err != nil {
		return err
	}
	if cfg.Pacing < 0 {
		cfg.Pacing = 0
	}
	s.mu.Lock()
	s.cfg = cfg
	s.cadence = cad
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastResult returns the summary of the most recent finished cycle.
func (s *Scheduler) LastResult() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "watchdog"))),
		rtsup.WithCancelOnError(false),
	)
	s.state = StateRunning
	s.sup.Go0("watchdog.loop", s.loop)
	s.log.Info("watchdog started", logx.String("schedule", s.cadence.String()))
}

// Stop cancels the loop and waits for the current cycle to unwind.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	sup.Cancel()
	err := sup.Wait(ctx)

	s.mu.Lock()
	s.sup = nil
	s.mu.Unlock()
	s.log.Info("watchdog stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		s.RunCycle(ctx)

		s.mu.Lock()
		cad := s.cadence
		s.mu.Unlock()
		next := cad.Next(s.now())
		wait := next.Sub(s.now())
		s.log.Debug("watchdog sleeping", logx.Time("next", next), logx.Duration("wait", wait))
		if !sleep(ctx, wait) {
			s.mu.Lock()
			s.state = StateStopping
			s.mu.Unlock()
			return
		}
	}
}

// RunCycle visits every watch of an ACTIVE subscriber once, then takes a
// backup. A rate limit ends the visiting early; the backup still runs.
func (s *Scheduler) RunCycle(ctx context.Context) Result {
	start := s.now()
	s.mu.Lock()
	pacing := s.cfg.Pacing
	s.mu.Unlock()

	var res Result
	err := s.store.IterateActive(ctx, func(old watch.Snapshot) error {
		res.Visited++
		n, err := s.visit(ctx, old)
		res.Events += n
		if err != nil {
			if errors.Is(err, watch.ErrRateLimited) {
				s.log.Warn("github rate limit reached, aborting cycle", logx.String("repo", old.FullName), logx.Err(err))
				s.alertf(ctx, "GitHub API rate limit reached during watchdog cycle at %s: %v", old.FullName, err)
				return errAbort
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.Errors++
		}
		if !sleep(ctx, pacing) {
			return ctx.Err()
		}
		return nil
	})
	switch {
	case errors.Is(err, errAbort):
		res.Aborted = true
	case err != nil && ctx.Err() != nil:
		res.Aborted = true
	case err != nil:
		res.Aborted = true
		res.Errors++
		s.log.Error("watchdog iteration failed", logx.Err(err))
		s.alertf(ctx, "Watchdog iteration failed: %v", err)
	}

	bctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		bctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}
	if path, berr := s.store.Backup(bctx); berr != nil {
		s.log.Error("backup failed", logx.Err(berr))
		s.alertf(bctx, "Backup failed: %v", berr)
	} else {
		res.Backup = path
		s.log.Info("backup written", logx.String("path", path))
	}

	res.Took = s.now().Sub(start)
	result := "ok"
	if res.Aborted {
		result = "aborted"
	} else if res.Errors > 0 {
		result = "partial"
	}
	s.metrics.CycleDone(result, res.Took)
	eventbus.Emit(s.bus, eventbus.TopicWatchdogCycle, eventbus.CycleEvent{
		Visited: res.Visited, Events: res.Events, Errors: res.Errors, Aborted: res.Aborted,
		TookMS: res.Took.Milliseconds(), Backup: res.Backup,
	})
	s.log.Info("watchdog cycle done",
		logx.Int("visited", res.Visited), logx.Int("events", res.Events), logx.Int("errors", res.Errors),
		logx.Bool("aborted", res.Aborted), logx.Duration("took", res.Took))

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res
}

// visit refreshes one snapshot and returns how many messages it queued.
func (s *Scheduler) visit(ctx context.Context, old watch.Snapshot) (int, error) {
	fresh, err := s.src.FetchEntity(ctx, old.FullName)
	if err != nil {
		kind := watch.KindOf(err)
		s.metrics.FetchError(kind.String())
		if kind != watch.KindRateLimited && ctx.Err() == nil {
			s.log.Warn("fetch failed, skipping", logx.String("repo", old.FullName), logx.String("kind", kind.String()), logx.Err(err))
		}
		return 0, err
	}

	deltas := diff.Diff(old, fresh)
	for _, d := range deltas {
		s.metrics.DeltaEvent(d.Field.String())
		s.out.Send(old.SubscriberID, diff.Render(d))
	}

	if err := s.store.UpdateSnapshot(ctx, old.WithFresh(fresh)); err != nil {
		if errors.Is(err, watch.ErrNotFound) {
			// Unwatched while we were fetching.
			return len(deltas), nil
		}
		s.log.Error("update snapshot failed", logx.String("repo", old.FullName), logx.Err(err))
		return len(deltas), err
	}
	return len(deltas), nil
}

func (s *Scheduler) alertf(ctx context.Context, format string, args ...any) {
	if s.alert == nil {
		return
	}
	s.alert.Alert(ctx, fmt.Sprintf(format, args...))
}

// sleep waits for d or ctx, reporting false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
