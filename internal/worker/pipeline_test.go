package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternpress/membersync/internal/breaker"
	"github.com/lanternpress/membersync/internal/dlq"
	"github.com/lanternpress/membersync/internal/listclient"
	"github.com/lanternpress/membersync/internal/logging"
	"github.com/lanternpress/membersync/internal/metrics"
	"github.com/lanternpress/membersync/internal/models"
	"github.com/lanternpress/membersync/internal/processor"
	"github.com/lanternpress/membersync/internal/queue"
	"github.com/lanternpress/membersync/internal/tenant"
)

// TestPipeline_BreakerOutageAndRecovery drives an envelope through the
// real queue, processor, list client, and breaker against a downstream
// that is hard down, and verifies that the open breaker defers the
// envelope without consuming retry budget until the downstream recovers.
func TestPipeline_BreakerOutageAndRecovery(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	var down atomic.Bool
	down.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if r.Method == http.MethodGet {
			// Not in the list yet
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"Code":1,"Message":"not found"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	// The breaker tracks open_until at second granularity, so the
	// cooldown must be comfortably above one second.
	const (
		threshold  = 3
		cooldown   = 2 * time.Second
		maxRetries = 3
	)

	sites := tenant.NewRegistry(tenant.Site{ID: "site1", WebhookSecret: "s", ListID: "list-1", APIKey: "k"})
	q := queue.New(client, "membersync", sites.IDs())
	brk := breaker.New(client, "membersync", threshold, cooldown)
	clients := listclient.NewRegistry(sites, server.URL, 5*time.Second, brk)
	defer clients.Close()

	log := logging.New(slog.LevelError+1, "text")
	proc := processor.New(processor.FromRegistry(clients), log)
	dead := dlq.NewStore(client, "membersync")
	stats := metrics.NewStats()

	pool := NewPool(q, proc, dead, stats, Config{
		Workers:           1,
		PollInterval:      5 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		Retry:             RetryPolicy{MaxRetries: maxRetries, Backoff: []time.Duration{0}},
	}, log)

	payload, err := json.Marshal(models.WebhookPayload{Member: models.MemberPayload{
		Current: models.MemberData{Email: "reader@example.com", Status: "free"},
	}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.EventMemberAdded, "site1", payload)
	require.NoError(t, err)

	// step claims the next available envelope and settles one attempt,
	// promoting due delayed envelopes first.
	step := func() bool {
		if _, err := q.PromoteDue(ctx); err != nil {
			return false
		}
		env, err := q.Dequeue(ctx)
		if err != nil || env == nil {
			return false
		}
		pool.settle(ctx, env, proc.Process(ctx, env))
		return true
	}

	// Downstream is down: the first attempts burn the retry budget and
	// trip the breaker at the failure threshold.
	for i := 0; i < maxRetries; i++ {
		require.Eventually(t, step, time.Second, time.Millisecond)
	}
	err = brk.Allow(ctx, "site1")
	require.Error(t, err, "breaker should be open after %d consecutive failures", threshold)

	// Budget is spent, but the open breaker defers instead of burying.
	require.Eventually(t, step, time.Second, time.Millisecond)

	size, err := dead.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size, "deferred envelope must not be dead-lettered")

	delayed, err := client.ZCard(ctx, "membersync:delayed").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)

	// Downstream recovers; once the cooldown passes the envelope drains.
	down.Store(false)
	time.Sleep(cooldown + 100*time.Millisecond)

	require.Eventually(t, func() bool {
		step()
		return stats.Snapshot(0).EventsProcessed == 1
	}, 5*time.Second, 10*time.Millisecond)

	snap := stats.Snapshot(0)
	assert.Equal(t, int64(1), snap.EventsProcessed)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	size, err = dead.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)

	require.NoError(t, brk.Allow(ctx, "site1"))
}
