// Package worker runs the processing side of the pipeline: a pool of
// goroutines pulling envelopes from the shared queue, plus the retry /
// dead-letter coordinator that decides what happens to failures.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lanternpress/membersync/internal/breaker"
	"github.com/lanternpress/membersync/internal/dlq"
	"github.com/lanternpress/membersync/internal/logging"
	"github.com/lanternpress/membersync/internal/metrics"
	"github.com/lanternpress/membersync/internal/models"
	"github.com/lanternpress/membersync/internal/queue"
)

// Processor is the envelope processing entry point.
// Satisfied by *processor.Processor.
type Processor interface {
	Process(ctx context.Context, env *models.Envelope) models.SyncResult
}

// RetryPolicy bounds the retry schedule. The backoff slice is indexed by
// the envelope's retry count; the last entry is reused once the count
// runs past the end.
type RetryPolicy struct {
	MaxRetries int
	Backoff    []time.Duration
}

// Delay returns the backoff before attempt retryCount+1.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if retryCount >= len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[retryCount]
}

// Config configures the worker pool.
type Config struct {
	Workers           int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	Retry             RetryPolicy
}

// Pool pulls envelopes and applies them through the processor.
type Pool struct {
	queue *queue.Queue
	proc  Processor
	dead  *dlq.Store
	stats *metrics.Stats
	cfg   Config
	log   *logging.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}

	// now is replaceable in tests
	now func() time.Time
}

// NewPool builds the pool; Start launches it.
func NewPool(q *queue.Queue, proc Processor, dead *dlq.Store, stats *metrics.Stats, cfg Config, log *logging.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Pool{
		queue: q,
		proc:  proc,
		dead:  dead,
		stats: stats,
		cfg:   cfg,
		log:   log,
		stop:  make(chan struct{}),
		now:   time.Now,
	}
}

// Start launches the workers and the janitor.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
	p.wg.Add(1)
	go p.runJanitor(ctx)

	p.log.InfoContext(ctx, "worker pool started",
		"workers", p.cfg.Workers,
		"max_retries", p.cfg.Retry.MaxRetries,
	)
}

// Stop signals every goroutine and waits for them to drain.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		env, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.log.ErrorContext(ctx, "dequeue failed", logging.Error(err), "worker", id)
			p.sleep(p.cfg.PollInterval)
			continue
		}
		if env == nil {
			p.sleep(p.cfg.PollInterval)
			continue
		}

		p.handle(ctx, env)
	}
}

// handle processes one claimed envelope and settles its disposition.
func (p *Pool) handle(ctx context.Context, env *models.Envelope) {
	p.log.InfoContext(ctx, "processing event",
		logging.SiteID(env.SiteID),
		logging.EventID(env.EventID),
		logging.EventType(env.EventType),
		logging.RetryCount(env.RetryCount),
	)

	res := p.proc.Process(ctx, env)
	p.settle(ctx, env, res)
}

// settle is the retry / dead-letter coordinator. The processor reports
// what happened; disposition of the envelope is decided here.
func (p *Pool) settle(ctx context.Context, env *models.Envelope, res models.SyncResult) {
	switch res.Disposition {
	case models.DispositionOK:
		p.stats.RecordProcessed()
		metrics.EventsProcessed.WithLabelValues(env.SiteID, "success").Inc()
		p.log.InfoContext(ctx, "event processed",
			logging.SiteID(env.SiteID),
			logging.EventID(env.EventID),
			logging.EventType(env.EventType),
			logging.EmailHash(res.Email),
			logging.Duration(int64(res.LatencyMS)),
			"status_changed", res.StatusChanged,
		)

	case models.DispositionRetry:
		p.stats.RecordFailed()
		p.retryOrBury(ctx, env, res)

	default: // DispositionDrop: the input can never be processed
		p.stats.RecordFailed()
		metrics.EventsProcessed.WithLabelValues(env.SiteID, "dropped").Inc()
		p.bury(ctx, env, res.Message)
	}

	if err := p.queue.Ack(ctx, env); err != nil {
		p.log.ErrorContext(ctx, "ack failed", logging.Error(err), logging.EventID(env.EventID))
	}
}

// retryOrBury re-enqueues a transiently failed envelope with backoff, or
// moves it to the dead-letter store once retries are exhausted. An open
// breaker waits out the remaining cooldown instead of burning retry
// budget.
func (p *Pool) retryOrBury(ctx context.Context, env *models.Envelope, res models.SyncResult) {
	var open *breaker.OpenError
	if errors.As(res.Err, &open) {
		delay := time.Until(open.Until)
		if delay < 0 {
			delay = 0
		}
		metrics.EventsRetried.WithLabelValues(env.SiteID).Inc()
		p.log.WarnContext(ctx, "breaker open, deferring event",
			logging.SiteID(env.SiteID),
			logging.EventID(env.EventID),
			logging.RetryCount(env.RetryCount),
			"retry_in", delay.String(),
		)
		if err := p.queue.RequeueAfter(ctx, env, delay); err != nil {
			p.log.ErrorContext(ctx, "requeue failed", logging.Error(err), logging.EventID(env.EventID))
		}
		return
	}

	if env.RetryCount < p.cfg.Retry.MaxRetries {
		delay := p.cfg.Retry.Delay(env.RetryCount)
		env.RetryCount++
		metrics.EventsRetried.WithLabelValues(env.SiteID).Inc()
		metrics.EventsProcessed.WithLabelValues(env.SiteID, "retry").Inc()
		p.log.WarnContext(ctx, "event failed, will retry",
			logging.SiteID(env.SiteID),
			logging.EventID(env.EventID),
			logging.EventType(env.EventType),
			logging.RetryCount(env.RetryCount),
			"retry_in", delay.String(),
			"message", res.Message,
		)
		if err := p.queue.RequeueAfter(ctx, env, delay); err != nil {
			p.log.ErrorContext(ctx, "requeue failed", logging.Error(err), logging.EventID(env.EventID))
		}
		return
	}

	metrics.EventsProcessed.WithLabelValues(env.SiteID, "exhausted").Inc()
	p.bury(ctx, env, res.Message)
}

// bury moves an envelope to the dead-letter store.
func (p *Pool) bury(ctx context.Context, env *models.Envelope, reason string) {
	if err := p.dead.Add(ctx, env, reason, p.now()); err != nil {
		p.log.ErrorContext(ctx, "dead-letter store failed", logging.Error(err), logging.EventID(env.EventID))
		return
	}
	metrics.DeadLettered.WithLabelValues(env.SiteID).Inc()
	p.log.ErrorContext(ctx, "event moved to dead-letter store",
		logging.SiteID(env.SiteID),
		logging.EventID(env.EventID),
		logging.EventType(env.EventType),
		logging.RetryCount(env.RetryCount),
		"reason", reason,
	)
}

// runJanitor promotes due delayed envelopes, requeues expired in-flight
// claims, and keeps the queue depth gauge current.
func (p *Pool) runJanitor(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if _, err := p.queue.PromoteDue(ctx); err != nil {
				p.log.ErrorContext(ctx, "promote delayed failed", logging.Error(err))
			}
			if n, err := p.queue.ReclaimExpired(ctx, p.cfg.VisibilityTimeout); err != nil {
				p.log.ErrorContext(ctx, "reclaim expired failed", logging.Error(err))
			} else if n > 0 {
				p.log.WarnContext(ctx, "requeued expired in-flight claims", "count", n)
			}
			if depth, err := p.queue.Depth(ctx); err == nil {
				metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.stop:
	case <-time.After(d):
	}
}
