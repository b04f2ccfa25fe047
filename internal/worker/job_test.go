package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maefbyyas/maef-backend/internal/worker"
)

func nopHandler(context.Context, json.RawMessage) error { return nil }

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := worker.NewRegistry()

	require.NoError(t, r.Register(worker.Kind{Name: "media.derive", Handler: nopHandler, Timeout: time.Minute, MaxAttempts: 3}))
	require.NoError(t, r.Register(worker.Kind{Name: "ingest.stories", Handler: nopHandler, Public: true}))

	assert.Error(t, r.Register(worker.Kind{Name: "media.derive", Handler: nopHandler}), "duplicate")
	assert.Error(t, r.Register(worker.Kind{Name: "", Handler: nopHandler}), "no name")
	assert.Error(t, r.Register(worker.Kind{Name: "x"}), "no handler")
	assert.Error(t, r.Register(worker.Kind{Name: "y", Handler: nopHandler, Timeout: -1}), "negative timeout")

	assert.Equal(t, []string{"ingest.stories", "media.derive"}, r.Kinds())

	k, ok := r.Lookup("media.derive")
	require.True(t, ok)
	assert.Equal(t, time.Minute, k.Timeout)
	assert.Equal(t, 3, r.MaxAttempts("media.derive"))
	assert.Equal(t, 0, r.MaxAttempts("ingest.stories"))
	assert.Equal(t, 0, r.MaxAttempts("unknown"))

	_, ok = r.Lookup("unknown")
	assert.False(t, ok)

	assert.True(t, r.Public("ingest.stories"))
	assert.False(t, r.Public("media.derive"))
	assert.False(t, r.Public("unknown"))

	assert.Panics(t, func() { r.MustRegister(worker.Kind{Name: "ingest.stories", Handler: nopHandler}) })
}
