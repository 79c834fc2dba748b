package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func TestQueue_EnqueueDequeue(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	q := New(client, "membersync", []string{"site1"})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "member.added", "site1", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := q.Enqueue(ctx, "member.updated", "site1", json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	// FIFO within a site queue
	env, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, first, env.EventID)
	assert.Equal(t, "site1", env.SiteID)
	assert.Equal(t, "member.added", env.EventType)
	assert.Equal(t, json.RawMessage(`{"n":1}`), env.Payload)
	assert.Equal(t, 0, env.RetryCount)

	env, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, second, env.EventID)

	// Queues drained
	env, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestQueue_ClaimAndAck(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	q := New(client, "membersync", []string{"site1"})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "member.added", "site1", json.RawMessage(`{}`))
	require.NoError(t, err)

	env, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)

	// Claimed envelopes leave the queue but stay in-flight until acked.
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	inflight, err := client.HLen(ctx, "membersync:inflight").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	require.NoError(t, q.Ack(ctx, env))

	inflight, err = client.HLen(ctx, "membersync:inflight").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), inflight)

	deadlines, err := client.ZCard(ctx, "membersync:inflight:deadline").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), deadlines)
}

func TestQueue_MultiSite(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	q := New(client, "membersync", []string{"site1", "site2"})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "member.added", "site1", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "member.deleted", "site2", json.RawMessage(`{}`))
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		env, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, env)
		seen[env.SiteID] = true
	}
	assert.True(t, seen["site1"])
	assert.True(t, seen["site2"])
}

func TestQueue_RequeueAfterAndPromote(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	q := New(client, "membersync", []string{"site1"})
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }

	_, err := q.Enqueue(ctx, "member.added", "site1", json.RawMessage(`{}`))
	require.NoError(t, err)
	env, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, env))

	require.NoError(t, q.RequeueAfter(ctx, env, 5*time.Second))

	// Not due yet
	n, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Past the delay
	q.now = func() time.Time { return base.Add(6 * time.Second) }
	n, err = q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, env.EventID, got.EventID)
}

func TestQueue_ReclaimExpired(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	q := New(client, "membersync", []string{"site1"})
	ctx := context.Background()

	base := time.Now()
	q.now = func() time.Time { return base }

	_, err := q.Enqueue(ctx, "member.added", "site1", json.RawMessage(`{}`))
	require.NoError(t, err)

	// Claim without acking, as a crashed worker would.
	env, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)

	// Claim still fresh
	n, err := q.ReclaimExpired(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Claim older than the visibility timeout
	q.now = func() time.Time { return base.Add(2 * time.Minute) }
	n, err = q.ReclaimExpired(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, env.EventID, got.EventID)

	inflight, err := client.HLen(ctx, "membersync:inflight").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)
}

func TestQueue_EnqueueUnavailable(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer client.Close()

	q := New(client, "membersync", []string{"site1"})
	mr.Close()

	_, err := q.Enqueue(context.Background(), "member.added", "site1", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestQueue_Ping(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer client.Close()

	q := New(client, "membersync", []string{"site1"})
	require.NoError(t, q.Ping(context.Background()))

	mr.Close()
	assert.Error(t, q.Ping(context.Background()))
}
