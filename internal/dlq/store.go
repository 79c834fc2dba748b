// Package dlq is the durable dead-letter store for envelopes that
// exhausted their retries, plus the operator-driven replayer.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lanternpress/membersync/internal/models"
)

// Store keeps dead-letter entries in Redis:
//
//	<name>:dlq:entries  hash event_id -> entry JSON
//	<name>:dlq:by_time  zset event_id scored by failed_at unix time
//
// The zset makes date-range listing cheap for operator triage.
type Store struct {
	rdb  *redis.Client
	name string
}

// NewStore builds a dead-letter store under the given queue name.
func NewStore(rdb *redis.Client, name string) *Store {
	return &Store{rdb: rdb, name: name}
}

func (s *Store) entriesKey() string { return s.name + ":dlq:entries" }
func (s *Store) byTimeKey() string  { return s.name + ":dlq:by_time" }

// Add records a permanently failed envelope.
func (s *Store) Add(ctx context.Context, env *models.Envelope, reason string, failedAt time.Time) error {
	entry := models.DeadLetterEntry{
		OriginalEventID: env.EventID,
		Envelope:        *env,
		FailureReason:   reason,
		FailedAt:        failedAt.UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.entriesKey(), env.EventID, data)
	pipe.ZAdd(ctx, s.byTimeKey(), redis.Z{Score: float64(entry.FailedAt.Unix()), Member: env.EventID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store dead-letter entry: %w", err)
	}
	return nil
}

// List returns entries whose failure time falls inside the optional
// range, oldest first. Nil bounds are open.
func (s *Store) List(ctx context.Context, from, to *time.Time) ([]models.DeadLetterEntry, error) {
	min, max := "-inf", "+inf"
	if from != nil {
		min = fmt.Sprintf("%d", from.Unix())
	}
	if to != nil {
		max = fmt.Sprintf("%d", to.Unix())
	}

	ids, err := s.rdb.ZRangeByScore(ctx, s.byTimeKey(), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead-letter entries: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := s.rdb.HMGet(ctx, s.entriesKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch dead-letter entries: %w", err)
	}

	entries := make([]models.DeadLetterEntry, 0, len(raw))
	for _, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var entry models.DeadLetterEntry
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			return nil, fmt.Errorf("decode dead-letter entry: %w", err)
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].FailedAt.Before(entries[j].FailedAt) })
	return entries, nil
}

// Remove deletes an entry after a successful replay.
func (s *Store) Remove(ctx context.Context, eventID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, s.entriesKey(), eventID)
	pipe.ZRem(ctx, s.byTimeKey(), eventID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove dead-letter entry: %w", err)
	}
	return nil
}

// Size returns the number of stored entries.
func (s *Store) Size(ctx context.Context) (int64, error) {
	n, err := s.rdb.HLen(ctx, s.entriesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("dead-letter size: %w", err)
	}
	return n, nil
}
