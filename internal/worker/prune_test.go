package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maefbyyas/maef-backend/internal/queue"
	"github.com/maefbyyas/maef-backend/internal/store"
	dbtest "github.com/maefbyyas/maef-backend/internal/testutil"
	"github.com/maefbyyas/maef-backend/internal/worker"
)

type countingPruner struct {
	remaining int
	calls     int
}

func (p *countingPruner) PruneSucceededJobs(_ context.Context, _ time.Duration, batch int) (int, error) {
	p.calls++
	n := min(batch, p.remaining)
	p.remaining -= n
	return n, nil
}

func TestPruneHandler_LoopsUntilShortBatch(t *testing.T) {
	t.Parallel()
	p := &countingPruner{remaining: 25}
	h := worker.PruneHandler(p, time.Hour, 10)
	require.NoError(t, h(context.Background(), nil))
	assert.Equal(t, 0, p.remaining)
	assert.Equal(t, 3, p.calls)
}

func TestPruneHandler_KeepsDeadAndRecent(t *testing.T) {
	t.Parallel()
	db := dbtest.NewTestDB(t, store.WithRetryPolicy(queue.Policy{MaxAttempts: 1}))
	ctx := context.Background()

	r := worker.NewRegistry()
	require.NoError(t, r.Register(worker.Kind{Name: "ok", Handler: nopHandler}))
	require.NoError(t, r.Register(worker.Kind{Name: "bad", Handler: func(context.Context, json.RawMessage) error {
		return queue.Permanent(assert.AnError)
	}}))
	p := worker.New(db, r, worker.Config{})

	var ids []int64
	for _, kind := range []string{"ok", "ok", "bad"} {
		res, err := db.EnqueueJob(ctx, store.EnqueueParams{Kind: kind, Payload: json.RawMessage(`{}`)})
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}
	for range ids {
		ran, err := p.RunOnce(ctx)
		require.NoError(t, err)
		require.True(t, ran)
	}
	// Age the first succeeded job and the dead one past retention.
	_, err := db.Pool().Exec(ctx,
		`UPDATE jobs SET completed_at = now() - interval '30 days' WHERE id = ANY($1::bigint[])`,
		[]int64{ids[0], ids[2]})
	require.NoError(t, err)

	require.NoError(t, worker.PruneHandler(db, 7*24*time.Hour, 1)(ctx, nil))

	gone, err := db.GetJob(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, gone)
	for _, id := range ids[1:] {
		j, err := db.GetJob(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, j, "job %d should be kept", id)
	}
}
