// Package queue implements the durable per-site work queue on Redis.
//
// Layout, relative to the configured queue name:
//
//	<name>:queue:<site>       list of envelope JSON, LPUSH head / RPOP tail (FIFO)
//	<name>:inflight           hash event_id -> envelope JSON for claimed work
//	<name>:inflight:deadline  zset event_id scored by claim unix time
//	<name>:delayed            zset envelope JSON scored by ready unix time
//
// Claimed envelopes that are never acked (worker crash) are returned to
// their site queue once the visibility timeout passes. FIFO holds within
// a site queue only until an envelope is retried; retries re-append at
// the back, so cross-event ordering is best effort by design.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lanternpress/membersync/internal/models"
)

// ErrUnavailable marks enqueue failures so the ingress layer can answer
// with a 5xx instead of falsely acknowledging receipt.
var ErrUnavailable = errors.New("queue unavailable")

// claimScript atomically pops the next envelope from a site queue and
// records it as in-flight with a claim timestamp.
var claimScript = redis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if not v then
	return false
end
local id = cjson.decode(v)['event_id']
redis.call('HSET', KEYS[2], id, v)
redis.call('ZADD', KEYS[3], ARGV[1], id)
return v
`)

// promoteScript moves due delayed envelopes back onto their site queues.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], 0, ARGV[1], 'LIMIT', 0, 100)
for _, v in ipairs(due) do
	local site = cjson.decode(v)['site_id']
	redis.call('LPUSH', ARGV[2] .. ':queue:' .. site, v)
	redis.call('ZREM', KEYS[1], v)
end
return #due
`)

// reclaimScript returns in-flight envelopes whose claim is older than the
// cutoff to their site queues.
var reclaimScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], 0, ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(stale) do
	local v = redis.call('HGET', KEYS[2], id)
	if v then
		local site = cjson.decode(v)['site_id']
		redis.call('LPUSH', ARGV[2] .. ':queue:' .. site, v)
		redis.call('HDEL', KEYS[2], id)
	end
	redis.call('ZREM', KEYS[1], id)
end
return #stale
`)

// Queue is the Redis-backed work queue shared by all workers.
type Queue struct {
	rdb   *redis.Client
	name  string
	sites []string
	next  atomic.Uint64

	// now is replaceable in tests
	now func() time.Time
}

// New builds a queue over the given Redis client. siteIDs fixes the set
// of site queues workers poll; sites are configured statically, so the
// set does not change at runtime.
func New(rdb *redis.Client, name string, siteIDs []string) *Queue {
	return &Queue{
		rdb:   rdb,
		name:  name,
		sites: siteIDs,
		now:   time.Now,
	}
}

func (q *Queue) queueKey(site string) string { return q.name + ":queue:" + site }
func (q *Queue) inflightKey() string         { return q.name + ":inflight" }
func (q *Queue) deadlineKey() string         { return q.name + ":inflight:deadline" }
func (q *Queue) delayedKey() string          { return q.name + ":delayed" }

// Enqueue wraps a validated notification into a fresh envelope and pushes
// it onto the site's queue. Safe for concurrent use. Returns the new
// event ID, or an error wrapping ErrUnavailable when Redis is down.
func (q *Queue) Enqueue(ctx context.Context, eventType, siteID string, payload json.RawMessage) (string, error) {
	env := &models.Envelope{
		EventID:    uuid.New().String(),
		SiteID:     siteID,
		EventType:  eventType,
		Payload:    payload,
		ReceivedAt: q.now().UTC(),
		RetryCount: 0,
	}
	if err := q.push(ctx, env); err != nil {
		return "", err
	}
	return env.EventID, nil
}

// push appends an envelope to the back of its site queue.
func (q *Queue) push(ctx context.Context, env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.queueKey(env.SiteID), data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Dequeue claims the next envelope from any site queue, or returns
// (nil, nil) when every queue is empty. Claimed envelopes stay in the
// in-flight set until Ack, so a crashed worker cannot lose them.
// Sites are scanned round-robin so one busy site cannot starve the rest.
func (q *Queue) Dequeue(ctx context.Context) (*models.Envelope, error) {
	if len(q.sites) == 0 {
		return nil, nil
	}
	start := q.next.Add(1)
	for i := range q.sites {
		site := q.sites[(start+uint64(i))%uint64(len(q.sites))]
		res, err := claimScript.Run(ctx, q.rdb,
			[]string{q.queueKey(site), q.inflightKey(), q.deadlineKey()},
			q.now().Unix(),
		).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim envelope: %w", err)
		}

		raw, ok := res.(string)
		if !ok {
			continue
		}
		var env models.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("decode claimed envelope: %w", err)
		}
		return &env, nil
	}
	return nil, nil
}

// Ack removes a claimed envelope from the in-flight set. Called after the
// envelope reached a terminal disposition or was handed to the delayed
// set or dead-letter store.
func (q *Queue) Ack(ctx context.Context, env *models.Envelope) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.inflightKey(), env.EventID)
	pipe.ZRem(ctx, q.deadlineKey(), env.EventID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack envelope: %w", err)
	}
	return nil
}

// RequeueAfter parks an envelope in the delayed set; PromoteDue moves it
// back onto its site queue once the delay passes.
func (q *Queue) RequeueAfter(ctx context.Context, env *models.Envelope, delay time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ready := q.now().Add(delay).Unix()
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(ready), Member: string(data)}).Err(); err != nil {
		return fmt.Errorf("requeue envelope: %w", err)
	}
	return nil
}

// PromoteDue returns due delayed envelopes to their site queues and
// reports how many were moved.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey()},
		q.now().Unix(), q.name,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed envelopes: %w", err)
	}
	return n, nil
}

// ReclaimExpired requeues in-flight envelopes claimed longer than
// visibility ago. This is the redelivery protection for workers that
// crashed mid-processing.
func (q *Queue) ReclaimExpired(ctx context.Context, visibility time.Duration) (int, error) {
	cutoff := q.now().Add(-visibility).Unix()
	n, err := reclaimScript.Run(ctx, q.rdb,
		[]string{q.deadlineKey(), q.inflightKey()},
		cutoff, q.name,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaim expired claims: %w", err)
	}
	return n, nil
}

// Depth returns the total number of queued envelopes across all site
// queues, excluding in-flight and delayed ones.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var total int64
	for _, site := range q.sites {
		n, err := q.rdb.LLen(ctx, q.queueKey(site)).Result()
		if err != nil {
			return 0, fmt.Errorf("queue depth: %w", err)
		}
		total += n
	}
	return total, nil
}

// Ping verifies Redis connectivity for the health endpoint.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
