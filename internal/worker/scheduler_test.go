package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maefbyyas/maef-backend/internal/store"
)

// keyedEnqueuer dedupes on idempotency key like the jobs table does.
type keyedEnqueuer struct {
	mu     sync.Mutex
	byKey  map[string]int64
	params []store.EnqueueParams
	active bool
}

func (e *keyedEnqueuer) EnqueueJob(_ context.Context, p store.EnqueueParams) (store.EnqueueResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.byKey == nil {
		e.byKey = make(map[string]int64)
	}
	if id, ok := e.byKey[p.IdempotencyKey]; ok {
		return store.EnqueueResult{ID: id, Existing: true}, nil
	}
	e.params = append(e.params, p)
	id := int64(len(e.params))
	e.byKey[p.IdempotencyKey] = id
	return store.EnqueueResult{ID: id}, nil
}

func (e *keyedEnqueuer) HasActiveJob(context.Context, string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, nil
}

func (e *keyedEnqueuer) enqueued() []store.EnqueueParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]store.EnqueueParams(nil), e.params...)
}

func TestWindowKey(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 5, 1, 10, 17, 42, 0, time.UTC)
	assert.Equal(t, "ingest.stories:2024-05-01T10:10", WindowKey("ingest.stories", 10*time.Minute, at))
	assert.Equal(t, "jobs.prune:2024-05-01T10:00", WindowKey("jobs.prune", time.Hour, at))
	assert.Equal(t, "tick:2024-05-01T10:17:40", WindowKey("tick", 10*time.Second, at))

	// Same instant in another zone maps to the same key.
	loc := time.FixedZone("UTC+2", 2*3600)
	assert.Equal(t, WindowKey("k", 10*time.Minute, at), WindowKey("k", 10*time.Minute, at.In(loc)))
}

func TestScheduler_OneJobPerWindow(t *testing.T) {
	t.Parallel()
	e := &keyedEnqueuer{}
	s := NewScheduler(e, nil, nil)
	now := time.Date(2024, 5, 1, 10, 10, 5, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.RegisterRecurring("ingest.stories", 10*time.Minute,
		StaticPayload(json.RawMessage(`{"account":"maef"}`))))

	ctx := context.Background()
	require.NoError(t, s.Tick(ctx))
	now = now.Add(4 * time.Minute)
	require.NoError(t, s.Tick(ctx))
	require.Len(t, e.enqueued(), 1)

	// A second scheduler (another process) in the same window adds nothing.
	other := NewScheduler(e, nil, nil)
	other.now = s.now
	require.NoError(t, other.RegisterRecurring("ingest.stories", 10*time.Minute, nil))
	require.NoError(t, other.Tick(ctx))
	require.Len(t, e.enqueued(), 1)

	now = now.Add(6 * time.Minute)
	require.NoError(t, s.Tick(ctx))
	got := e.enqueued()
	require.Len(t, got, 2)
	assert.Equal(t, "ingest.stories:2024-05-01T10:10", got[0].IdempotencyKey)
	assert.Equal(t, "ingest.stories:2024-05-01T10:20", got[1].IdempotencyKey)
	assert.JSONEq(t, `{"account":"maef"}`, string(got[1].Payload))
}

func TestScheduler_SkipIfActive(t *testing.T) {
	t.Parallel()
	e := &keyedEnqueuer{active: true}
	s := NewScheduler(e, nil, nil)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	require.NoError(t, s.RegisterRecurring("ingest.stories", time.Minute, nil, SkipIfActive()))

	require.NoError(t, s.Tick(context.Background()))
	assert.Empty(t, e.enqueued())

	e.mu.Lock()
	e.active = false
	e.mu.Unlock()
	now = now.Add(time.Minute)
	require.NoError(t, s.Tick(context.Background()))
	assert.Len(t, e.enqueued(), 1)
}

func TestScheduler_RegisterValidation(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(Kind{Name: "jobs.prune", MaxAttempts: 2,
		Handler: func(context.Context, json.RawMessage) error { return nil }}))
	e := &keyedEnqueuer{}
	s := NewScheduler(e, r, nil)

	assert.Error(t, s.RegisterRecurring("", time.Minute, nil))
	assert.Error(t, s.RegisterRecurring("jobs.prune", 500*time.Millisecond, nil))
	assert.Error(t, s.RegisterRecurring("unregistered", time.Minute, nil))
	require.NoError(t, s.RegisterRecurring("jobs.prune", time.Hour, nil))
	assert.Error(t, s.RegisterRecurring("jobs.prune", time.Hour, nil), "duplicate")

	require.NoError(t, s.Tick(context.Background()))
	got := e.enqueued()
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].MaxAttempts)
	assert.JSONEq(t, `{}`, string(got[0].Payload))
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	e := &keyedEnqueuer{}
	s := NewScheduler(e, nil, nil)
	require.NoError(t, s.RegisterRecurring("tick", time.Second, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(e.enqueued()) >= 2 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestLoadScheduleFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schedule.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jobs:
  - kind: jobs.prune
    every: 1h
  - kind: webhook.deliver
    every: 15m
    skip_if_active: true
    payload:
      url: https://partner.example/hooks
      event: inventory.sync
      body: {full: true}
`), 0o600))

	e := &keyedEnqueuer{}
	s := NewScheduler(e, nil, nil)
	s.now = func() time.Time { return time.Date(2024, 5, 1, 10, 20, 0, 0, time.UTC) }
	require.NoError(t, s.LoadScheduleFile(path))
	require.NoError(t, s.Tick(context.Background()))

	got := e.enqueued()
	require.Len(t, got, 2)
	assert.Equal(t, "jobs.prune:2024-05-01T10:00", got[0].IdempotencyKey)
	assert.Equal(t, "webhook.deliver:2024-05-01T10:15", got[1].IdempotencyKey)
	assert.JSONEq(t, `{"url":"https://partner.example/hooks","event":"inventory.sync","body":{"full":true}}`,
		string(got[1].Payload))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("jobs:\n  - kind: x\n    every: soon\n"), 0o600))
	assert.Error(t, NewScheduler(e, nil, nil).LoadScheduleFile(bad))
	assert.Error(t, NewScheduler(e, nil, nil).LoadScheduleFile(filepath.Join(t.TempDir(), "missing.yaml")))
}
