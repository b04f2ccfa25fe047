package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maefbyyas/maef-backend/internal/notify"
	"github.com/maefbyyas/maef-backend/internal/queue"
	"github.com/maefbyyas/maef-backend/internal/store"
	dbtest "github.com/maefbyyas/maef-backend/internal/testutil"
	"github.com/maefbyyas/maef-backend/internal/worker"
)

// fakeStore hands out queued jobs and records completions.
type fakeStore struct {
	mu          sync.Mutex
	jobs        []*store.Job
	completions []store.Completion
	heartbeats  int
	claimLost   bool
	reaped      int
	claims      int
}

func (f *fakeStore) ClaimJob(_ context.Context, _ string, kinds []string) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	for i, j := range f.jobs {
		for _, k := range kinds {
			if j.Kind == k {
				f.jobs = append(f.jobs[:i], f.jobs[i+1:]...)
				j.Attempts++
				return j, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeStore) HeartbeatJob(context.Context, int64, string, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	if f.claimLost {
		return store.ErrClaimLost
	}
	return nil
}

func (f *fakeStore) CompleteJob(_ context.Context, c store.Completion) (queue.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimLost {
		return "", store.ErrClaimLost
	}
	f.completions = append(f.completions, c)
	switch {
	case c.Outcome == queue.OutcomeOK:
		return queue.StatusSucceeded, nil
	case c.Permanent:
		return queue.StatusDead, nil
	default:
		return queue.StatusPending, nil
	}
}

func (f *fakeStore) RecoverStaleJobs(context.Context, time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reaped++
	return 0, nil
}

func (f *fakeStore) add(id int64, kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, &store.Job{ID: id, Kind: kind, Payload: json.RawMessage(`{}`), Status: queue.StatusPending})
}

func (f *fakeStore) done() []store.Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Completion(nil), f.completions...)
}

func newPool(t *testing.T, s worker.JobStore, kinds ...worker.Kind) *worker.Pool {
	t.Helper()
	r := worker.NewRegistry()
	for _, k := range kinds {
		require.NoError(t, r.Register(k))
	}
	return worker.New(s, r, worker.Config{WorkerID: "test-worker", DefaultTimeout: time.Second})
}

func TestRunOnce_Outcomes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		handler   worker.Handler
		timeout   time.Duration
		outcome   queue.Outcome
		permanent bool
		logPart   string
	}{
		{
			name:    "success",
			handler: func(context.Context, json.RawMessage) error { return nil },
			outcome: queue.OutcomeOK,
		},
		{
			name:    "error",
			handler: func(context.Context, json.RawMessage) error { return errors.New("upstream 503") },
			outcome: queue.OutcomeFail,
			logPart: "upstream 503",
		},
		{
			name: "permanent",
			handler: func(context.Context, json.RawMessage) error {
				return queue.Permanent(errors.New("unsupported kind"))
			},
			outcome:   queue.OutcomeFail,
			permanent: true,
			logPart:   "unsupported kind",
		},
		{
			name:    "panic",
			handler: func(context.Context, json.RawMessage) error { panic("nil map") },
			outcome: queue.OutcomeFail,
			logPart: "handler panic: nil map",
		},
		{
			name: "timeout ignoring ctx",
			handler: func(context.Context, json.RawMessage) error {
				time.Sleep(2 * time.Second)
				return nil
			},
			timeout: 50 * time.Millisecond,
			outcome: queue.OutcomeFail,
			logPart: "timed out",
		},
		{
			name: "timeout honoring ctx",
			handler: func(ctx context.Context, _ json.RawMessage) error {
				<-ctx.Done()
				return ctx.Err()
			},
			timeout: 50 * time.Millisecond,
			outcome: queue.OutcomeFail,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := &fakeStore{}
			fs.add(1, "k")
			p := newPool(t, fs, worker.Kind{Name: "k", Handler: tc.handler, Timeout: tc.timeout})

			ran, err := p.RunOnce(context.Background())
			require.NoError(t, err)
			require.True(t, ran)

			got := fs.done()
			require.Len(t, got, 1)
			c := got[0]
			assert.Equal(t, int64(1), c.JobID)
			assert.Equal(t, "test-worker", c.WorkerID)
			assert.Equal(t, 1, c.Attempt)
			assert.Equal(t, tc.outcome, c.Outcome)
			assert.Equal(t, tc.permanent, c.Permanent)
			assert.Contains(t, c.Log, tc.logPart)
			assert.False(t, c.StartedAt.IsZero())

			ran, err = p.RunOnce(context.Background())
			require.NoError(t, err)
			assert.False(t, ran, "queue should be empty")
		})
	}
}

func TestRunOnce_ClaimLostIsNotFatal(t *testing.T) {
	t.Parallel()
	fs := &fakeStore{claimLost: true}
	fs.add(1, "k")
	p := newPool(t, fs, worker.Kind{Name: "k", Handler: nopHandler})

	ran, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Empty(t, fs.done())
}

func TestRunOnce_OnlyRegisteredKinds(t *testing.T) {
	t.Parallel()
	fs := &fakeStore{}
	fs.add(1, "other")
	p := newPool(t, fs, worker.Kind{Name: "k", Handler: nopHandler})

	ran, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestPool_HeartbeatsDuringLongJob(t *testing.T) {
	t.Parallel()
	fs := &fakeStore{}
	fs.add(1, "slow")
	r := worker.NewRegistry()
	require.NoError(t, r.Register(worker.Kind{Name: "slow", Handler: func(context.Context, json.RawMessage) error {
		time.Sleep(300 * time.Millisecond)
		return nil
	}}))
	p := worker.New(fs, r, worker.Config{HeartbeatInterval: 50 * time.Millisecond})

	ran, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.GreaterOrEqual(t, fs.heartbeats, 2)
}

func TestPool_StartDrainsAndStops(t *testing.T) {
	t.Parallel()
	fs := &fakeStore{}
	for i := range 10 {
		fs.add(int64(i+1), "k")
	}
	var n atomic.Int32
	r := worker.NewRegistry()
	require.NoError(t, r.Register(worker.Kind{Name: "k", Handler: func(context.Context, json.RawMessage) error {
		n.Add(1)
		return nil
	}}))
	reg := prometheus.NewRegistry()
	m := worker.NewMetrics(reg)
	p := worker.New(fs, r, worker.Config{Concurrency: 3, PollInterval: time.Hour, ReapInterval: 20 * time.Millisecond},
		worker.WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return n.Load() == 10 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.reaped > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	count, err := testutil.GatherAndCount(reg, "maef_jobs_claimed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, fs.done(), 10)
}

// ── Postgres-backed ──────────────────────────────────────────────────────────

func TestPool_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	db := dbtest.NewTestDB(t, store.WithRetryPolicy(queue.Policy{MaxAttempts: 5}))
	ctx := context.Background()

	var calls atomic.Int32
	r := worker.NewRegistry()
	require.NoError(t, r.Register(worker.Kind{Name: "flaky", Handler: func(context.Context, json.RawMessage) error {
		if calls.Add(1) <= 2 {
			return errors.New("transient")
		}
		return nil
	}}))
	p := worker.New(db, r, worker.Config{})

	res, err := db.EnqueueJob(ctx, store.EnqueueParams{Kind: "flaky", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	for range 3 {
		ran, err := p.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, ran)
	}

	job, err := db.GetJob(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, job.Status)
	assert.Equal(t, 3, job.Attempts)

	attempts, err := db.ListJobAttempts(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, []string{"fail", "fail", "ok"},
		[]string{attempts[0].Outcome, attempts[1].Outcome, attempts[2].Outcome})
}

func TestPool_PollsWithoutNotifier(t *testing.T) {
	t.Parallel()
	fs := &fakeStore{}
	var n atomic.Int32
	r := worker.NewRegistry()
	require.NoError(t, r.Register(worker.Kind{Name: "k", Handler: func(context.Context, json.RawMessage) error {
		n.Add(1)
		return nil
	}}))
	const interval = 50 * time.Millisecond
	p := worker.New(fs, r, worker.Config{Concurrency: 2, PollInterval: interval})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(stopped)
	}()

	// Both loops found the queue empty and went idle.
	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.claims >= 2
	}, 5*time.Second, 5*time.Millisecond)

	// Nothing will announce this job; only the poll timer can find it.
	fs.add(1, "k")
	require.Eventually(t, func() bool { return len(fs.done()) == 1 }, 10*interval, 5*time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
	assert.Equal(t, queue.OutcomeOK, fs.done()[0].Outcome)

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPool_WakesOnNotification(t *testing.T) {
	t.Parallel()
	db := dbtest.NewTestDB(t)

	got := make(chan int64, 1)
	r := worker.NewRegistry()
	require.NoError(t, r.Register(worker.Kind{Name: "ping", Handler: func(_ context.Context, payload json.RawMessage) error {
		var p struct{ N int64 }
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		got <- p.N
		return nil
	}}))
	// A one-hour poll interval means only the notification can wake the loop.
	p := worker.New(db, r, worker.Config{Concurrency: 2, PollInterval: time.Hour},
		worker.WithSubscriber(notify.NewListener(db.Pool(), nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	// Let the initial claim pass and the loops go idle.
	time.Sleep(500 * time.Millisecond)
	_, err := db.EnqueueJob(ctx, store.EnqueueParams{Kind: "ping", Payload: json.RawMessage(`{"N":42}`)})
	require.NoError(t, err)

	select {
	case n := <-got:
		assert.Equal(t, int64(42), n)
	case <-time.After(10 * time.Second):
		t.Fatal("job not executed after notification")
	}
}
