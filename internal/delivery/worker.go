// Package delivery sends change notifications to subscribers through an
// unreliable channel: a lazily grown, self-shrinking worker pool drains an
// unbounded FIFO, retrying each chunk with linear backoff and marking
// subscribers unreachable on permanent failures.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"gitwatch/internal/eventbus"
	"gitwatch/internal/observability"
	kit "gitwatch/internal/transport"
	"gitwatch/internal/watch"
	logx "gitwatch/pkg/logx"
)

var (
	ErrStopped    = errors.New("delivery stopped")
	ErrNotStarted = errors.New("delivery not started")
)

// Channel delivers one message. Errors wrapping kit.ErrRecipientGone are
// permanent; anything else is retried.
type Channel interface {
	Send(ctx context.Context, subscriberID int64, text string) error
}

// Config controls the pool and the retry policy.
type Config struct {
	MaxWorkers  int           // default runtime.NumCPU()
	IdleTimeout time.Duration // default 30s
	MaxAttempts int           // per chunk, default 5
	RetryBase   time.Duration // delay before attempt 2, default 2s
	RetryStep   time.Duration // added per further attempt, default 1s
	SendTimeout time.Duration // per attempt, default 15s
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = runtime.NumCPU()
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryStep <= 0 {
		c.RetryStep = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

// Backoff is the wait before attempt+1, given that attempt (1-based) failed.
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return cfg.RetryBase + time.Duration(attempt-1)*cfg.RetryStep
}

// Job is an in-memory delivery request.
type Job struct {
	SubscriberID int64
	Text         string
	Attempts     int
	CreatedAt    time.Time
}

type Option func(*Worker)

func WithLogger(l logx.Logger) Option             { return func(w *Worker) { w.log = l } }
func WithBus(b eventbus.Bus) Option               { return func(w *Worker) { w.bus = b } }
func WithAlerter(a watch.Alerter) Option          { return func(w *Worker) { w.alert = a } }
func WithMetrics(m *observability.Metrics) Option { return func(w *Worker) { w.metrics = m } }

// Worker is the delivery pool.
//
// Send never blocks. Workers are spawned only when no idle worker exists and
// the pool is below MaxWorkers; an idle worker exits after IdleTimeout, so an
// idle pool shrinks to zero goroutines.
type Worker struct {
	cfg     Config
	ch      Channel
	status  watch.StatusSetter
	log     logx.Logger
	bus     eventbus.Bus
	alert   watch.Alerter
	metrics *observability.Metrics

	mu      sync.Mutex
	queue   []Job
	running int
	idle    int
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, ch Channel, status watch.StatusSetter, opts ...Option) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		cfg:    cfg,
		ch:     ch,
		status: status,
		wake:   make(chan struct{}, cfg.MaxWorkers),
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	return w
}

// Start enables intake. Sends made before Start are rejected.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.started = true
}

// Stop rejects new jobs and lets workers drain the queue until ctx is done.
// On timeout in-flight sends are cancelled and the remaining jobs dropped.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.stopped = true
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		w.mu.Lock()
		dropped := len(w.queue)
		w.queue = nil
		w.mu.Unlock()
		<-done
		if dropped > 0 {
			w.log.Warn("delivery stopped with pending jobs", logx.Int("dropped", dropped))
		}
		return ctx.Err()
	}
}

// Send enqueues text for subscriberID and returns immediately. It reports
// false when the worker is not accepting jobs.
func (w *Worker) Send(subscriberID int64, text string) bool {
	w.mu.Lock()
	if !w.started || w.stopped {
		reason := ErrStopped
		if !w.started && !w.stopped {
			reason = ErrNotStarted
		}
		w.mu.Unlock()
		w.log.Warn("delivery job dropped", logx.Int64("subscriber_id", subscriberID), logx.Err(reason))
		return false
	}
	w.queue = append(w.queue, Job{SubscriberID: subscriberID, Text: text, CreatedAt: time.Now()})
	switch {
	case w.idle > 0:
		select {
		case w.wake <- struct{}{}:
		default:
		}
	case w.running < w.cfg.MaxWorkers:
		w.running++
		w.wg.Add(1)
		go w.run()
	}
	running := w.running
	w.mu.Unlock()
	w.metrics.SetDeliveryWorkers(running)
	return true
}

// Stats returns the current number of worker goroutines, idle workers and queued jobs.
func (w *Worker) Stats() (running, idle, pending int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running, w.idle, len(w.queue)
}

func (w *Worker) run() {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("delivery worker panicked", logx.Any("panic", r))
			w.mu.Lock()
			w.running--
			w.mu.Unlock()
		}
	}()

	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			j := w.queue[0]
			w.queue[0] = Job{}
			w.queue = w.queue[1:]
			w.mu.Unlock()
			w.process(j)
			continue
		}
		if w.stopped {
			w.exitLocked()
			return
		}
		w.idle++
		w.mu.Unlock()

		t := time.NewTimer(w.cfg.IdleTimeout)
		select {
		case <-w.wake:
			t.Stop()
			w.mu.Lock()
			w.idle--
			w.mu.Unlock()
		case <-w.stopCh:
			t.Stop()
			w.mu.Lock()
			w.idle--
			w.mu.Unlock()
		case <-t.C:
			w.mu.Lock()
			w.idle--
			if len(w.queue) > 0 {
				w.mu.Unlock()
				continue
			}
			w.exitLocked()
			return
		}
	}
}

// exitLocked must be called with mu held; it releases it.
func (w *Worker) exitLocked() {
	w.running--
	running := w.running
	w.mu.Unlock()
	w.metrics.SetDeliveryWorkers(running)
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeExhausted
	outcomePermanent
	outcomeAborted
)

func (w *Worker) process(j Job) {
	chunks := Chunk(j.Text, MaxMessageSize)
	for i, c := range chunks {
		res, err := w.deliverChunk(&j, i, c)
		switch res {
		case outcomePermanent:
			w.markUnreachable(j, err)
			return
		case outcomeAborted:
			w.log.Warn("delivery aborted", logx.Int64("subscriber_id", j.SubscriberID), logx.Int("chunk", i+1), logx.Int("chunks", len(chunks)))
			return
		}
	}
}

func (w *Worker) deliverChunk(j *Job, idx int, text string) (outcome, error) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if w.ctx.Err() != nil {
			return outcomeAborted, w.ctx.Err()
		}
		j.Attempts++
		sctx, cancel := context.WithTimeout(w.ctx, w.cfg.SendTimeout)
		err := w.ch.Send(sctx, j.SubscriberID, text)
		cancel()
		if err == nil {
			w.metrics.DeliveryJob("sent")
			eventbus.Emit(w.bus, eventbus.TopicDeliverySent, eventbus.DeliveryEvent{SubscriberID: j.SubscriberID, Chunk: idx + 1, Attempts: attempt})
			return outcomeSent, nil
		}
		lastErr = err
		if errors.Is(err, kit.ErrRecipientGone) {
			return outcomePermanent, err
		}
		w.log.Debug("delivery attempt failed", logx.Int64("subscriber_id", j.SubscriberID), logx.Int("chunk", idx+1), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == w.cfg.MaxAttempts {
			break
		}

		t := time.NewTimer(Backoff(w.cfg, attempt))
		select {
		case <-t.C:
		case <-w.ctx.Done():
			t.Stop()
			return outcomeAborted, w.ctx.Err()
		}
	}

	w.metrics.DeliveryJob("failed")
	w.log.Warn("delivery chunk dropped after retries",
		logx.Int64("subscriber_id", j.SubscriberID), logx.Int("chunk", idx+1), logx.Int("attempts", w.cfg.MaxAttempts), logx.Err(lastErr))
	eventbus.Emit(w.bus, eventbus.TopicDeliveryFailed, eventbus.DeliveryEvent{
		SubscriberID: j.SubscriberID, Chunk: idx + 1, Attempts: w.cfg.MaxAttempts, Error: errString(lastErr),
	})
	return outcomeExhausted, lastErr
}

func (w *Worker) markUnreachable(j Job, cause error) {
	w.metrics.DeliveryJob("unreachable")
	w.log.Warn("subscriber unreachable", logx.Int64("subscriber_id", j.SubscriberID), logx.Err(cause))
	eventbus.Emit(w.bus, eventbus.TopicDeliveryUnreachable, eventbus.DeliveryEvent{
		SubscriberID: j.SubscriberID, Attempts: j.Attempts, Error: errString(cause),
	})

	// The pool context may already be cancelled; the status write must still land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if w.status != nil {
		if err := w.status.SetSubscriberStatus(ctx, j.SubscriberID, watch.StatusUnreachable); err != nil {
			w.log.Error("mark subscriber unreachable failed", logx.Int64("subscriber_id", j.SubscriberID), logx.Err(err))
		}
	}
	if w.alert != nil {
		w.alert.Alert(ctx, fmt.Sprintf("Subscriber %d is unreachable and was marked UNREACHABLE: %v", j.SubscriberID, cause))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
