package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/lanternpress/membersync/internal/httputil"
	"github.com/lanternpress/membersync/internal/logging"
	"github.com/lanternpress/membersync/internal/metrics"
	"github.com/lanternpress/membersync/internal/models"
	"github.com/lanternpress/membersync/internal/queue"
	"github.com/lanternpress/membersync/internal/signature"
	"github.com/lanternpress/membersync/internal/tenant"
)

// EventHeader optionally declares the event type on inbound webhooks.
const EventHeader = "X-Ghost-Event"

// WebhookHandler accepts signed member webhooks and enqueues them. The
// ingress path only verifies and enqueues; it never calls the downstream
// API, so the 202 goes back regardless of downstream health.
type WebhookHandler struct {
	sites *tenant.Registry
	queue *queue.Queue
	stats *metrics.Stats
	log   *logging.Logger
}

// NewWebhookHandler builds the webhook ingress handler.
func NewWebhookHandler(sites *tenant.Registry, q *queue.Queue, stats *metrics.Stats, log *logging.Logger) *WebhookHandler {
	return &WebhookHandler{sites: sites, queue: q, stats: stats, log: log}
}

// Handle serves POST /webhook/{site_id}.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	siteID := r.PathValue("site_id")

	site, ok := h.sites.Get(siteID)
	if !ok {
		metrics.EventsRejected.WithLabelValues(siteID, "unknown_site").Inc()
		httputil.WriteError(w, http.StatusNotFound, "unknown site")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		metrics.EventsRejected.WithLabelValues(siteID, "body_read").Inc()
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	if !signature.Verify(body, r.Header.Get(signature.Header), site.WebhookSecret) {
		metrics.EventsRejected.WithLabelValues(siteID, "bad_signature").Inc()
		h.log.WarnContext(ctx, "webhook signature invalid",
			logging.SiteID(siteID),
			"client_ip", httputil.GetClientIP(r),
		)
		httputil.WriteError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	var payload models.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.EventsRejected.WithLabelValues(siteID, "bad_json").Inc()
		h.log.WarnContext(ctx, "webhook payload parse error", logging.SiteID(siteID), logging.Error(err))
		httputil.WriteError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	eventType := detectEventType(r, &payload)
	if eventType == "" {
		metrics.EventsRejected.WithLabelValues(siteID, "unknown_event_type").Inc()
		h.log.WarnContext(ctx, "webhook event type undetectable", logging.SiteID(siteID))
		httputil.WriteError(w, http.StatusBadRequest, "unknown event type")
		return
	}

	email := payload.Member.Current.Email

	jobID, err := h.queue.Enqueue(ctx, eventType, siteID, body)
	if err != nil {
		h.stats.RecordFailed()
		metrics.EventsRejected.WithLabelValues(siteID, "enqueue").Inc()
		h.log.ErrorContext(ctx, "webhook enqueue failed",
			logging.SiteID(siteID),
			logging.EventType(eventType),
			logging.EmailHash(email),
			logging.Error(err),
		)
		httputil.WriteError(w, http.StatusInternalServerError, "failed to queue event")
		return
	}

	h.stats.RecordReceived()
	metrics.EventsReceived.WithLabelValues(siteID, eventType).Inc()
	h.log.InfoContext(ctx, "webhook received",
		logging.SiteID(siteID),
		logging.EventType(eventType),
		logging.EmailHash(email),
		"job_id", jobID,
	)

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"job_id":     jobID,
		"event_type": eventType,
	})
}

// detectEventType resolves the event type with the documented precedence:
// explicit query parameter, then the event header, then payload shape.
// Shape inference is inherently ambiguous, so an explicit signal always
// wins over it.
func detectEventType(r *http.Request, payload *models.WebhookPayload) string {
	if et := r.URL.Query().Get("event"); models.KnownEventType(et) {
		return et
	}

	if et := r.Header.Get(EventHeader); et != "" {
		return et
	}

	// Infer from payload shape: previous data means an update, current
	// data alone means an add.
	if payload.Member.Previous != nil {
		return models.EventMemberUpdated
	}
	if hasMemberData(&payload.Member.Current) {
		return models.EventMemberAdded
	}
	return ""
}

func hasMemberData(m *models.MemberData) bool {
	return m.ID != "" || m.Email != "" || m.Name != "" || m.Status != ""
}
