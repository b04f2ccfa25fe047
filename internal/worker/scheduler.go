// ABOUTME: Recurring job scheduler: enqueues each registered kind once per time window.
// ABOUTME: Window-derived idempotency keys make missed or repeated ticks harmless across processes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maefbyyas/maef-backend/internal/store"
)

// Enqueuer is the subset of *store.Store the scheduler drives.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, p store.EnqueueParams) (store.EnqueueResult, error)
	HasActiveJob(ctx context.Context, kind string) (bool, error)
}

// PayloadFunc builds the payload for the window starting at window.
type PayloadFunc func(ctx context.Context, window time.Time) (json.RawMessage, error)

// StaticPayload returns a PayloadFunc that always yields payload.
func StaticPayload(payload json.RawMessage) PayloadFunc {
	return func(context.Context, time.Time) (json.RawMessage, error) { return payload, nil }
}

// RecurringOption adjusts one recurring registration.
type RecurringOption func(*recurring)

// SkipIfActive suppresses a window's job while an earlier job of the same
// kind is still pending or running.
func SkipIfActive() RecurringOption {
	return func(r *recurring) { r.skipIfActive = true }
}

type recurring struct {
	kind         string
	interval     time.Duration
	payload      PayloadFunc
	skipIfActive bool
	lastWindow   time.Time
}

// Scheduler enqueues registered kinds once per interval window. Every
// process may run one; the per-window idempotency key admits a single job.
type Scheduler struct {
	store    Enqueuer
	registry *Registry
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries []*recurring
}

// NewScheduler returns a Scheduler. registry, when non-nil, supplies
// per-kind attempt budgets and validates registrations.
func NewScheduler(s Enqueuer, registry *Registry, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:    s,
		registry: registry,
		log:      log.With("component", "scheduler"),
		now:      time.Now,
	}
}

// RegisterRecurring enqueues kind every interval with the payload built by
// payload. Windows start at time.Truncate(interval) in UTC, so an hourly
// kind runs once per clock hour.
func (s *Scheduler) RegisterRecurring(kind string, interval time.Duration, payload PayloadFunc, opts ...RecurringOption) error {
	if kind == "" {
		return errors.New("register recurring: kind is required")
	}
	if interval < time.Second {
		return fmt.Errorf("register recurring %q: interval %s is below 1s", kind, interval)
	}
	if payload == nil {
		payload = StaticPayload(json.RawMessage(`{}`))
	}
	if s.registry != nil {
		if _, ok := s.registry.Lookup(kind); !ok {
			return fmt.Errorf("register recurring %q: kind has no handler", kind)
		}
	}
	r := &recurring{kind: kind, interval: interval, payload: payload}
	for _, o := range opts {
		o(r)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.kind == kind {
			return fmt.Errorf("register recurring %q: already registered", kind)
		}
	}
	s.entries = append(s.entries, r)
	return nil
}

// WindowKey is the idempotency key of kind's job for the window containing
// t. Sub-minute intervals include seconds.
func WindowKey(kind string, interval time.Duration, t time.Time) string {
	layout := "2006-01-02T15:04"
	if interval < time.Minute {
		layout = "2006-01-02T15:04:05"
	}
	return kind + ":" + t.UTC().Truncate(interval).Format(layout)
}

// Tick enqueues the current window's job for every entry that has not yet
// been enqueued by this scheduler. Errors are collected per entry.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()
	s.mu.Lock()
	entries := make([]*recurring, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := s.tickOne(ctx, e, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) tickOne(ctx context.Context, e *recurring, now time.Time) error {
	window := now.UTC().Truncate(e.interval)
	s.mu.Lock()
	done := e.lastWindow.Equal(window)
	s.mu.Unlock()
	if done {
		return nil
	}

	if e.skipIfActive {
		active, err := s.store.HasActiveJob(ctx, e.kind)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", e.kind, err)
		}
		if active {
			s.log.Info("previous run still active, skipping window", "kind", e.kind, "window", window)
			s.markDone(e, window)
			return nil
		}
	}

	payload, err := e.payload(ctx, window)
	if err != nil {
		return fmt.Errorf("schedule %s: build payload: %w", e.kind, err)
	}
	res, err := s.store.EnqueueJob(ctx, store.EnqueueParams{
		Kind:           e.kind,
		Payload:        payload,
		IdempotencyKey: WindowKey(e.kind, e.interval, window),
		MaxAttempts:    s.maxAttempts(e.kind),
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", e.kind, err)
	}
	s.markDone(e, window)
	if !res.Existing {
		s.log.Info("scheduled job enqueued", "kind", e.kind, "job_id", res.ID, "window", window)
	}
	return nil
}

func (s *Scheduler) markDone(e *recurring, window time.Time) {
	s.mu.Lock()
	e.lastWindow = window
	s.mu.Unlock()
}

func (s *Scheduler) maxAttempts(kind string) int {
	if s.registry == nil {
		return 0
	}
	return s.registry.MaxAttempts(kind)
}

// next returns the earliest upcoming window boundary after now.
func (s *Scheduler) next(now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	for _, e := range s.entries {
		b := now.UTC().Truncate(e.interval).Add(e.interval)
		if next.IsZero() || b.Before(next) {
			next = b
		}
	}
	if next.IsZero() {
		next = now.Add(time.Minute)
	}
	return next
}

// Run ticks immediately and then at every window boundary until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	s.log.Info("scheduler started", "entries", n)
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler tick error", "error", err)
		}
		now := s.now()
		// Small slack past the boundary keeps Truncate on the new window.
		timer := time.NewTimer(s.next(now).Sub(now) + 50*time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler stopped")
			return
		case <-timer.C:
		}
	}
}

// ── Schedule file ────────────────────────────────────────────────────────────

// scheduleFile is the YAML layout read by LoadScheduleFile:
//
//	jobs:
//	  - kind: jobs.prune
//	    every: 1h
//	    skip_if_active: true
//	    payload: {}
type scheduleFile struct {
	Jobs []struct {
		Kind         string         `yaml:"kind"`
		Every        string         `yaml:"every"`
		SkipIfActive bool           `yaml:"skip_if_active"`
		Payload      map[string]any `yaml:"payload"`
	} `yaml:"jobs"`
}

// LoadScheduleFile registers every entry of the YAML schedule at path.
func (s *Scheduler) LoadScheduleFile(path string) error {
	raw, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		return fmt.Errorf("read schedule file: %w", err)
	}
	var f scheduleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse schedule file %s: %w", path, err)
	}
	for i, j := range f.Jobs {
		every, err := time.ParseDuration(j.Every)
		if err != nil {
			return fmt.Errorf("schedule file %s: entry %d (%s): every: %w", path, i, j.Kind, err)
		}
		payload := json.RawMessage(`{}`)
		if j.Payload != nil {
			if payload, err = json.Marshal(j.Payload); err != nil {
				return fmt.Errorf("schedule file %s: entry %d (%s): payload: %w", path, i, j.Kind, err)
			}
		}
		var opts []RecurringOption
		if j.SkipIfActive {
			opts = append(opts, SkipIfActive())
		}
		if err := s.RegisterRecurring(j.Kind, every, StaticPayload(payload), opts...); err != nil {
			return fmt.Errorf("schedule file %s: %w", path, err)
		}
	}
	return nil
}
