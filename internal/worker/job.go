// Package worker claims and executes jobs from the jobs table.
//
// Handlers are registered per job kind in a Registry built at process start
// and handed to New. A Pool runs a fixed number of loops that wait for a
// jobs_ready notification or the poll interval, claim one job with
// FOR UPDATE SKIP LOCKED, execute it under the kind's timeout and record the
// outcome. A reaper goroutine returns jobs whose worker stopped
// heartbeating to the queue. The Scheduler enqueues recurring jobs with
// per-window idempotency keys.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Handler is the function executed for each claimed job.
// A nil return marks the job succeeded. A non-nil return triggers retry with
// exponential backoff until max_attempts, then dead; errors wrapped with
// queue.Permanent go to dead immediately.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Kind binds a job kind name to its handler.
type Kind struct {
	Name    string
	Handler Handler
	// Timeout bounds one execution. Zero uses the pool's default.
	Timeout time.Duration
	// MaxAttempts applies to jobs enqueued through the registry. Zero uses
	// the store's retry policy.
	MaxAttempts int
	// Public kinds may be enqueued by any API caller. Kinds whose payload
	// steers signing or outbound mail must stay internal.
	Public bool
}

// Registry maps job kinds to handlers. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Register adds k. Registering the same name twice is an error.
func (r *Registry) Register(k Kind) error {
	if k.Name == "" {
		return fmt.Errorf("register job kind: name is required")
	}
	if k.Handler == nil {
		return fmt.Errorf("register job kind %q: handler is required", k.Name)
	}
	if k.Timeout < 0 || k.MaxAttempts < 0 {
		return fmt.Errorf("register job kind %q: negative timeout or max attempts", k.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.kinds[k.Name]; dup {
		return fmt.Errorf("register job kind %q: already registered", k.Name)
	}
	r.kinds[k.Name] = k
	return nil
}

// MustRegister is Register for process start-up wiring; it panics on error.
func (r *Registry) MustRegister(k Kind) {
	if err := r.Register(k); err != nil {
		panic(err)
	}
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// MaxAttempts returns the attempt budget registered for name, or 0 when the
// kind is unknown or uses the store default.
func (r *Registry) MaxAttempts(name string) int {
	k, _ := r.Lookup(name)
	return k.MaxAttempts
}

// Public reports whether name is registered and open to API callers.
func (r *Registry) Public(name string) bool {
	k, ok := r.Lookup(name)
	return ok && k.Public
}
