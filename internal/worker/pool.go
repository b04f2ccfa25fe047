package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maefbyyas/maef-backend/internal/notify"
	"github.com/maefbyyas/maef-backend/internal/queue"
	"github.com/maefbyyas/maef-backend/internal/store"
)

// JobStore is the subset of *store.Store the pool drives.
type JobStore interface {
	ClaimJob(ctx context.Context, workerID string, kinds []string) (*store.Job, error)
	HeartbeatJob(ctx context.Context, id int64, workerID string, attempt int) error
	CompleteJob(ctx context.Context, c store.Completion) (queue.Status, error)
	RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Subscriber delivers wake-up notifications. *notify.Listener implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) <-chan notify.Notification
}

// Config tunes a Pool. Zero fields take the defaults below.
type Config struct {
	// Concurrency is the number of loops, each executing one job at a time.
	Concurrency int
	// PollInterval bounds how long an idle loop waits without a notification.
	PollInterval time.Duration
	// StaleAfter is how long a running job may go without a heartbeat before
	// the reaper takes its claim back.
	StaleAfter time.Duration
	// ReapInterval is how often the reaper runs.
	ReapInterval time.Duration
	// HeartbeatInterval must be well below StaleAfter.
	HeartbeatInterval time.Duration
	// DefaultTimeout applies to kinds registered without a Timeout.
	DefaultTimeout time.Duration
	// WorkerID identifies this process in claimed_by. Defaults to a random UUID.
	WorkerID string
}

const (
	defaultConcurrency       = 4
	defaultPollInterval      = 2 * time.Second
	defaultStaleAfter        = 5 * time.Minute
	defaultReapInterval      = 1 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	defaultJobTimeout        = 2 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = defaultReapInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaultJobTimeout
	}
	if c.WorkerID == "" {
		c.WorkerID = uuid.New().String()
	}
	return c
}

// Option configures optional Pool collaborators.
type Option func(*Pool)

// WithSubscriber wakes idle loops on jobs_ready notifications. Without one
// the pool polls every PollInterval.
func WithSubscriber(s Subscriber) Option {
	return func(p *Pool) { p.sub = s }
}

// WithLogger sets the pool's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithMetrics records claims, outcomes and durations into m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// Pool manages goroutine loops that claim and execute jobs for the kinds in
// its registry.
type Pool struct {
	store    JobStore
	registry *Registry
	cfg      Config
	sub      Subscriber
	log      *slog.Logger
	metrics  *Metrics
}

// New creates a Pool. The registry's kinds are read when Start is called.
func New(s JobStore, r *Registry, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		store:    s,
		registry: r,
		cfg:      cfg.withDefaults(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	p.log = p.log.With("worker_id", p.cfg.WorkerID)
	return p
}

// WorkerID returns the identifier this pool claims jobs under.
func (p *Pool) WorkerID() string { return p.cfg.WorkerID }

// Start launches Concurrency loops plus the reaper, then blocks until ctx is
// cancelled. On cancellation loops stop claiming, in-flight jobs run to
// completion (bounded by their timeout) and Start returns after every
// goroutine has exited.
func (p *Pool) Start(ctx context.Context) {
	kinds := p.registry.Kinds()
	wakes := make([]chan struct{}, p.cfg.Concurrency)
	for i := range wakes {
		wakes[i] = make(chan struct{}, 1)
	}

	var wg sync.WaitGroup
	if p.sub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.fanIn(ctx, kinds, wakes)
		}()
	}

	for i := range wakes {
		wg.Add(1)
		go func(wake <-chan struct{}) {
			defer wg.Done()
			p.loop(ctx, kinds, wake)
		}(wakes[i])
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reap(ctx)
	}()

	p.log.Info("worker pool started", "concurrency", p.cfg.Concurrency, "kinds", kinds)
	wg.Wait()
	p.log.Info("worker pool stopped")
}

// fanIn relays notifications for our kinds to every loop. Sends never
// block: a loop that already has a pending wake-up needs no second one.
func (p *Pool) fanIn(ctx context.Context, kinds []string, wakes []chan struct{}) {
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	for n := range p.sub.Subscribe(ctx, notify.JobsChannel) {
		// Empty payload is the synthetic wake-up after a (re)connect.
		if n.Payload != "" && !want[n.Payload] {
			continue
		}
		for _, w := range wakes {
			select {
			case w <- struct{}{}:
			default:
			}
		}
	}
}

// loop is one worker: idle until woken or the poll interval elapses, then
// claim and execute until no eligible job remains.
func (p *Pool) loop(ctx context.Context, kinds []string, wake <-chan struct{}) {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	for {
		for ctx.Err() == nil {
			ran, err := p.runOnce(ctx, kinds)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("claim job error", "error", err)
				}
				break
			}
			if !ran {
				break
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.PollInterval)

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-timer.C:
		}
	}
}

// RunOnce claims and executes at most one job of any registered kind.
// It reports whether a job was executed.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	return p.runOnce(ctx, p.registry.Kinds())
}

func (p *Pool) runOnce(ctx context.Context, kinds []string) (bool, error) {
	job, err := p.store.ClaimJob(ctx, p.cfg.WorkerID, kinds)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.metrics.claimed.WithLabelValues(job.Kind).Inc()
	p.execute(ctx, job)
	return true, nil
}

// execute runs job's handler and records the outcome. Handler and
// completion run detached from ctx so shutdown does not abandon a claim
// halfway; the per-kind timeout still bounds the handler.
func (p *Pool) execute(ctx context.Context, job *store.Job) {
	log := p.log.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)
	runCtx := context.WithoutCancel(ctx)
	started := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(runCtx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		p.heartbeat(hbCtx, job, log)
	}()

	log.Info("executing job")
	p.metrics.inFlight.Inc()
	err := p.invoke(runCtx, job)
	p.metrics.inFlight.Dec()
	elapsed := time.Since(started)
	p.metrics.duration.WithLabelValues(job.Kind).Observe(elapsed.Seconds())

	stopHeartbeat()
	hbDone.Wait()

	c := store.Completion{
		JobID:     job.ID,
		WorkerID:  p.cfg.WorkerID,
		Attempt:   job.Attempts,
		StartedAt: started,
		Outcome:   queue.OutcomeOK,
	}
	if err != nil {
		c.Outcome = queue.OutcomeFail
		c.Log = err.Error()
		c.Permanent = queue.IsPermanent(err)
	}

	status, cerr := p.store.CompleteJob(runCtx, c)
	switch {
	case errors.Is(cerr, store.ErrClaimLost):
		log.Warn("claim lost before completion; outcome discarded", "outcome", c.Outcome)
		return
	case cerr != nil:
		log.Error("complete job error", "error", cerr)
		return
	}
	p.metrics.completed.WithLabelValues(job.Kind, string(c.Outcome), string(status)).Inc()

	if err != nil {
		log.Error("job handler failed", "error", err, "status", status, "elapsed", elapsed)
		return
	}
	log.Info("job completed", "elapsed", elapsed)
}

// invoke calls the handler in its own goroutine so that a handler ignoring
// its context still cannot hold the loop past the timeout. Panics become
// errors.
func (p *Pool) invoke(ctx context.Context, job *store.Job) error {
	k, ok := p.registry.Lookup(job.Kind)
	if !ok {
		return queue.Permanent(fmt.Errorf("no handler registered for kind %q", job.Kind))
	}
	timeout := k.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("job handler panic", "job_id", job.ID, "kind", job.Kind,
					"panic", r, "stack", string(debug.Stack()))
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- k.Handler(hctx, job.Payload)
	}()

	select {
	case err := <-done:
		if err == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("job timed out after %s", timeout)
		}
		return err
	case <-hctx.Done():
		return fmt.Errorf("job timed out after %s", timeout)
	}
}

// heartbeat extends the claim until ctx is cancelled. A lost claim is logged
// once; the handler keeps running and its outcome will be discarded.
func (p *Pool) heartbeat(ctx context.Context, job *store.Job, log *slog.Logger) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.store.HeartbeatJob(ctx, job.ID, p.cfg.WorkerID, job.Attempts)
			switch {
			case errors.Is(err, store.ErrClaimLost):
				log.Warn("heartbeat rejected: claim lost")
				return
			case err != nil && ctx.Err() == nil:
				log.Warn("heartbeat error", "error", err)
			}
		}
	}
}

// reap periodically returns jobs whose claim expired to the queue.
func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.RecoverStaleJobs(ctx, p.cfg.StaleAfter)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("stale job recovery error", "error", err)
				}
				continue
			}
			if n > 0 {
				p.metrics.reaped.Add(float64(n))
				p.log.Info("reclaimed stale jobs", "count", n)
			}
		}
	}
}
