package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagegrab/backend/internal/kvstore"
)

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvstore.NewRedisKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })
	return New(kv), mr
}

func TestStoreAndCheck(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	jobID, err := e.Check(ctx, "order-42")
	require.NoError(t, err)
	assert.Empty(t, jobID, "unseen key checks empty")

	require.NoError(t, e.Store(ctx, "order-42", "job-abc"))

	jobID, err = e.Check(ctx, "order-42")
	require.NoError(t, err)
	assert.Equal(t, "job-abc", jobID)

	ok, err := e.Exists(ctx, "order-42")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyExpires(t *testing.T) {
	e, mr := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Store(ctx, "order-42", "job-abc"))
	mr.FastForward(86400*time.Second + time.Second)

	jobID, err := e.Check(ctx, "order-42")
	require.NoError(t, err)
	assert.Empty(t, jobID)
}

func TestDeleteAllowsResubmission(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Store(ctx, "order-42", "job-abc"))
	require.NoError(t, e.Delete(ctx, "order-42"))

	ok, err := e.Exists(ctx, "order-42")
	require.NoError(t, err)
	assert.False(t, ok)
}
