// Package breaker implements a per-site circuit breaker over Redis.
//
// State is shared through Redis rather than process memory so that one
// worker tripping the breaker is immediately visible to every other
// worker for that site.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrOpen is matched with errors.Is against breaker failures.
var ErrOpen = errors.New("circuit breaker open")

// OpenError reports an open breaker along with when it may close again.
type OpenError struct {
	SiteID string
	Until  time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for site %s until %s", e.SiteID, e.Until.UTC().Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// failureScript increments the failure count and opens the breaker once
// the threshold is reached. Atomic so concurrent workers cannot race the
// count past the threshold without opening.
var failureScript = redis.NewScript(`
local f = redis.call('HINCRBY', KEYS[1], 'failures', 1)
if f >= tonumber(ARGV[1]) then
	redis.call('HSET', KEYS[1], 'open_until', ARGV[2])
	return 1
end
return 0
`)

// Breaker gates downstream calls per site.
type Breaker struct {
	rdb       *redis.Client
	name      string
	threshold int
	cooldown  time.Duration

	// now is replaceable in tests
	now func() time.Time
}

// New builds a breaker with the given trip threshold and open cooldown.
func New(rdb *redis.Client, name string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		rdb:       rdb,
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *Breaker) key(siteID string) string {
	return b.name + ":breaker:" + siteID
}

// Allow reports whether a downstream call for the site may proceed.
// While open it returns an *OpenError without touching the network.
// Once the cooldown has passed the breaker resets to closed
// optimistically before the next attempt; a failure re-opens it.
func (b *Breaker) Allow(ctx context.Context, siteID string) error {
	openUntil, err := b.rdb.HGet(ctx, b.key(siteID), "open_until").Int64()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read breaker state: %w", err)
	}

	until := time.Unix(openUntil, 0)
	if b.now().Before(until) {
		return &OpenError{SiteID: siteID, Until: until}
	}

	// Cooldown has passed; reset to closed before the attempt.
	if err := b.rdb.Del(ctx, b.key(siteID)).Err(); err != nil {
		return fmt.Errorf("reset breaker state: %w", err)
	}
	return nil
}

// RecordSuccess resets the failure count to zero.
func (b *Breaker) RecordSuccess(ctx context.Context, siteID string) error {
	if err := b.rdb.Del(ctx, b.key(siteID)).Err(); err != nil {
		return fmt.Errorf("clear breaker state: %w", err)
	}
	return nil
}

// RecordFailure increments the failure count and opens the breaker when
// it reaches the threshold. Returns true when this failure opened it.
func (b *Breaker) RecordFailure(ctx context.Context, siteID string) (bool, error) {
	openUntil := b.now().Add(b.cooldown).Unix()
	opened, err := failureScript.Run(ctx, b.rdb,
		[]string{b.key(siteID)},
		b.threshold, openUntil,
	).Int()
	if err != nil {
		return false, fmt.Errorf("record breaker failure: %w", err)
	}
	return opened == 1, nil
}
