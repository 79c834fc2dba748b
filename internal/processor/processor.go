// Package processor applies one envelope to the downstream list.
//
// Upserts are keyed by email and therefore idempotent and commutative
// per address: processing the same envelope twice, or two envelopes for
// different addresses concurrently, converges on the same downstream
// state. Concurrent events for the same address can race the
// read-then-write status-change detection; last write wins, which is the
// accepted consistency policy for this pipeline.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/lanternpress/membersync/internal/listclient"
	"github.com/lanternpress/membersync/internal/logging"
	"github.com/lanternpress/membersync/internal/metrics"
	"github.com/lanternpress/membersync/internal/models"
)

// SubscriberAPI is the slice of the Campaign Monitor client the
// processor needs. Satisfied by *listclient.Client.
type SubscriberAPI interface {
	GetSubscriber(ctx context.Context, email string) (*listclient.Subscriber, error)
	UpsertSubscriber(ctx context.Context, member *models.MemberData, previousStatus string, changedAt time.Time) error
	Unsubscribe(ctx context.Context, email string) error
}

// ClientSource resolves the downstream client for a site.
type ClientSource interface {
	Client(siteID string) (SubscriberAPI, bool)
}

// ClientSourceFunc adapts a function to the ClientSource interface.
type ClientSourceFunc func(siteID string) (SubscriberAPI, bool)

func (f ClientSourceFunc) Client(siteID string) (SubscriberAPI, bool) { return f(siteID) }

// FromRegistry adapts a listclient.Registry to a ClientSource.
func FromRegistry(r *listclient.Registry) ClientSource {
	return ClientSourceFunc(func(siteID string) (SubscriberAPI, bool) {
		c, ok := r.Client(siteID)
		if !ok {
			return nil, false
		}
		return c, true
	})
}

// Processor turns envelopes into downstream API calls.
type Processor struct {
	clients ClientSource
	log     *logging.Logger

	// now is replaceable in tests
	now func() time.Time
}

// New builds a processor over the given client source.
func New(clients ClientSource, log *logging.Logger) *Processor {
	return &Processor{
		clients: clients,
		log:     log,
		now:     time.Now,
	}
}

// Process applies one envelope and reports the outcome. It never decides
// retry policy: failures come back with a Disposition and the retry
// coordinator takes it from there.
func (p *Processor) Process(ctx context.Context, env *models.Envelope) models.SyncResult {
	start := p.now()

	payload, err := env.DecodePayload()
	if err != nil {
		return p.fail(env, start, "", models.DispositionDrop, fmt.Errorf("invalid payload: %w", err))
	}

	client, ok := p.clients.Client(env.SiteID)
	if !ok {
		return p.fail(env, start, "", models.DispositionDrop, fmt.Errorf("no client configured for site %s", env.SiteID))
	}

	switch env.EventType {
	case models.EventMemberAdded, models.EventMemberUpdated:
		return p.upsert(ctx, env, client, payload, start)
	case models.EventMemberDeleted:
		return p.softDelete(ctx, env, client, payload, start)
	default:
		return p.fail(env, start, payload.Member.Current.Email, models.DispositionDrop,
			fmt.Errorf("unknown event type: %s", env.EventType))
	}
}

// upsert handles member.added and member.updated. Both fetch the current
// destination record to detect a status transition, then write the full
// record; added and updated are deliberately the same operation so that
// out-of-order or duplicated events converge.
func (p *Processor) upsert(ctx context.Context, env *models.Envelope, client SubscriberAPI, payload *models.WebhookPayload, start time.Time) models.SyncResult {
	member := payload.Member.Current
	if member.Email == "" {
		return p.fail(env, start, "", models.DispositionDrop, fmt.Errorf("no email found in payload"))
	}

	existing, err := client.GetSubscriber(ctx, member.Email)
	if err != nil {
		return p.fail(env, start, member.Email, models.DispositionRetry, err)
	}

	statusChanged, previousStatus := DetectStatusChange(member.Status, existing)

	var changedAt time.Time
	prevForUpsert := ""
	if statusChanged {
		changedAt = p.now().UTC()
		prevForUpsert = previousStatus
		metrics.StatusChanges.WithLabelValues(env.SiteID).Inc()
		p.log.InfoContext(ctx, "status change detected",
			logging.SiteID(env.SiteID),
			logging.EmailHash(member.Email),
			"previous_status", previousStatus,
			"new_status", member.Status,
		)
	}

	if err := client.UpsertSubscriber(ctx, &member, prevForUpsert, changedAt); err != nil {
		return p.fail(env, start, member.Email, models.DispositionRetry, err)
	}

	return models.SyncResult{
		Success:        true,
		Disposition:    models.DispositionOK,
		Email:          member.Email,
		EventType:      env.EventType,
		Message:        "subscriber upserted",
		LatencyMS:      p.sinceMS(start),
		StatusChanged:  statusChanged,
		PreviousStatus: previousStatus,
		NewStatus:      member.Status,
	}
}

// softDelete handles member.deleted. Deletion is never a hard delete
// downstream: the subscriber is unsubscribed so history and segmentation
// survive.
func (p *Processor) softDelete(ctx context.Context, env *models.Envelope, client SubscriberAPI, payload *models.WebhookPayload, start time.Time) models.SyncResult {
	email := payload.DeleteEmail()
	if email == "" {
		return p.fail(env, start, "", models.DispositionDrop, fmt.Errorf("no email found in payload"))
	}

	if err := client.Unsubscribe(ctx, email); err != nil {
		return p.fail(env, start, email, models.DispositionRetry, err)
	}

	return models.SyncResult{
		Success:     true,
		Disposition: models.DispositionOK,
		Email:       email,
		EventType:   env.EventType,
		Message:     "subscriber unsubscribed (soft delete)",
		LatencyMS:   p.sinceMS(start),
	}
}

func (p *Processor) fail(env *models.Envelope, start time.Time, email string, disposition models.Disposition, err error) models.SyncResult {
	if email == "" {
		email = "unknown"
	}
	return models.SyncResult{
		Success:     false,
		Disposition: disposition,
		Err:         err,
		Email:       email,
		EventType:   env.EventType,
		Message:     err.Error(),
		LatencyMS:   p.sinceMS(start),
	}
}

func (p *Processor) sinceMS(start time.Time) float64 {
	return float64(p.now().Sub(start)) / float64(time.Millisecond)
}

// DetectStatusChange compares the incoming membership status with the
// destination record's last known status. No destination record, or a
// record without a recorded status, means no transition.
func DetectStatusChange(currentStatus string, sub *listclient.Subscriber) (bool, string) {
	if sub == nil {
		return false, ""
	}
	previous, ok := sub.CustomField(listclient.FieldStatus)
	if !ok || previous == "" {
		return false, ""
	}
	return previous != currentStatus, previous
}
