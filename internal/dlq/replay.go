package dlq

import (
	"context"
	"time"

	"github.com/lanternpress/membersync/internal/logging"
	"github.com/lanternpress/membersync/internal/models"
)

// EnvelopeProcessor is the processing entry point replay re-invokes.
// Satisfied by *processor.Processor.
type EnvelopeProcessor interface {
	Process(ctx context.Context, env *models.Envelope) models.SyncResult
}

// Replayer re-runs dead-lettered envelopes on operator demand. Replay
// bypasses the queue and its retry/backoff machinery entirely: each
// entry is processed once, removed on success (unless keep is set), and
// left in the store with the failure reported otherwise.
type Replayer struct {
	store *Store
	proc  EnvelopeProcessor
	log   *logging.Logger
}

// NewReplayer builds a replayer over the store and processor.
func NewReplayer(store *Store, proc EnvelopeProcessor, log *logging.Logger) *Replayer {
	return &Replayer{store: store, proc: proc, log: log}
}

// Outcome describes one replayed entry.
type Outcome struct {
	EventID string `json:"event_id"`
	Success bool   `json:"success"`
	Removed bool   `json:"removed"`
	Message string `json:"message"`
}

// Report summarizes a replay run.
type Report struct {
	Attempted int       `json:"attempted"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Outcomes  []Outcome `json:"outcomes"`
}

// Replay processes every entry failed inside the optional time range.
// keep leaves successfully replayed entries in the store.
func (r *Replayer) Replay(ctx context.Context, from, to *time.Time, keep bool) (*Report, error) {
	entries, err := r.store.List(ctx, from, to)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, entry := range entries {
		report.Attempted++
		res := r.proc.Process(ctx, &entry.Envelope)

		outcome := Outcome{
			EventID: entry.OriginalEventID,
			Success: res.Success,
			Message: res.Message,
		}

		if res.Success {
			report.Succeeded++
			if !keep {
				if err := r.store.Remove(ctx, entry.OriginalEventID); err != nil {
					return report, err
				}
				outcome.Removed = true
			}
			r.log.InfoContext(ctx, "dead-letter entry replayed",
				logging.EventID(entry.OriginalEventID),
				logging.SiteID(entry.Envelope.SiteID),
				logging.EmailHash(res.Email),
			)
		} else {
			report.Failed++
			r.log.WarnContext(ctx, "dead-letter replay failed",
				logging.EventID(entry.OriginalEventID),
				logging.SiteID(entry.Envelope.SiteID),
				"message", res.Message,
			)
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	return report, nil
}
