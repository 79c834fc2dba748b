// Package listclient talks to the Campaign Monitor subscriber API for one
// site's list. Every call is gated by the shared circuit breaker, which
// records the outcome of each attempt.
package listclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lanternpress/membersync/internal/breaker"
	"github.com/lanternpress/membersync/internal/metrics"
	"github.com/lanternpress/membersync/internal/models"
)

// Campaign Monitor error code for "subscriber not in list". Returned with
// HTTP 400 on lookups of unknown addresses and on unsubscribes of
// addresses that were never (or are no longer) subscribed.
const codeSubscriberNotInList = 203

// Custom field keys mirrored onto the destination record.
const (
	FieldStatus          = "ghost_status"
	FieldSignupDate      = "ghost_signup_date"
	FieldLastUpdated     = "ghost_last_updated"
	FieldLabels          = "ghost_labels"
	FieldEmailEnabled    = "ghost_email_enabled"
	FieldPreviousStatus  = "ghost_previous_status"
	FieldStatusChangedAt = "ghost_status_changed_at"
)

// APIError is a Campaign Monitor API failure. All API errors are
// transient from the pipeline's point of view: the retry coordinator
// decides their fate.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("campaign monitor %s failed: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// CustomField is one key/value pair on a subscriber record.
type CustomField struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// Subscriber is the destination record as returned by the API.
type Subscriber struct {
	EmailAddress string        `json:"EmailAddress"`
	Name         string        `json:"Name"`
	State        string        `json:"State"`
	CustomFields []CustomField `json:"CustomFields"`
}

// CustomField returns the value of the named custom field, and whether
// it is present.
func (s *Subscriber) CustomField(key string) (string, bool) {
	for _, f := range s.CustomFields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

type upsertPayload struct {
	EmailAddress   string        `json:"EmailAddress"`
	Name           string        `json:"Name"`
	CustomFields   []CustomField `json:"CustomFields"`
	Resubscribe    bool          `json:"Resubscribe"`
	ConsentToTrack string        `json:"ConsentToTrack"`
}

type unsubscribePayload struct {
	EmailAddress string `json:"EmailAddress"`
}

type apiErrorBody struct {
	Code    int    `json:"Code"`
	Message string `json:"Message"`
}

// Client is the per-site Campaign Monitor API client.
type Client struct {
	siteID     string
	listID     string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	breaker    *breaker.Breaker
}

// NewClient builds a client for one site's list. The breaker is shared
// across workers; the HTTP client carries the API timeout and pools
// connections.
func NewClient(siteID, listID, apiKey, baseURL string, timeout time.Duration, brk *breaker.Breaker) *Client {
	return &Client{
		siteID:  siteID,
		listID:  listID,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: brk,
	}
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// GetSubscriber fetches the destination record for an email address, or
// nil when the address is not in the list. "Not in list" is a documented
// condition (HTTP 404, or 400 with code 203), not an error.
func (c *Client) GetSubscriber(ctx context.Context, email string) (*Subscriber, error) {
	if err := c.breaker.Allow(ctx, c.siteID); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/subscribers/%s.json?email=%s", c.baseURL, c.listID, url.QueryEscape(email))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.prepare(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.DownstreamDuration.WithLabelValues("get_subscriber").Observe(time.Since(start).Seconds())
	if err != nil {
		c.recordFailure(ctx, "get_subscriber")
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		var sub Subscriber
		if err := json.Unmarshal(body, &sub); err != nil {
			c.recordFailure(ctx, "get_subscriber")
			return nil, fmt.Errorf("decode subscriber: %w", err)
		}
		c.recordSuccess(ctx)
		return &sub, nil
	case resp.StatusCode == http.StatusNotFound:
		c.recordSuccess(ctx)
		return nil, nil
	case resp.StatusCode == http.StatusBadRequest && apiCode(body) == codeSubscriberNotInList:
		c.recordSuccess(ctx)
		return nil, nil
	default:
		c.recordFailure(ctx, "get_subscriber")
		return nil, &APIError{Op: "get_subscriber", StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// UpsertSubscriber adds or updates the destination record for a member.
// Resubscribe is always forced: the incoming event is authoritative, so a
// subscribed upstream member overrides a prior downstream unsubscribe.
// previousStatus and changedAt are set only when a status transition was
// detected for this event.
func (c *Client) UpsertSubscriber(ctx context.Context, member *models.MemberData, previousStatus string, changedAt time.Time) error {
	if err := c.breaker.Allow(ctx, c.siteID); err != nil {
		return err
	}

	fields := []CustomField{
		{Key: FieldStatus, Value: member.Status},
		{Key: FieldSignupDate, Value: member.CreatedAt.UTC().Format("2006-01-02")},
		{Key: FieldLastUpdated, Value: member.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")},
		{Key: FieldLabels, Value: strings.Join(member.LabelNames(), ",")},
		{Key: FieldEmailEnabled, Value: fmt.Sprintf("%t", member.EmailEnabled())},
	}
	if previousStatus != "" {
		fields = append(fields,
			CustomField{Key: FieldPreviousStatus, Value: previousStatus},
			CustomField{Key: FieldStatusChangedAt, Value: changedAt.UTC().Format("2006-01-02T15:04:05Z")},
		)
	}

	payload := upsertPayload{
		EmailAddress:   member.Email,
		Name:           member.Name,
		CustomFields:   fields,
		Resubscribe:    true,
		ConsentToTrack: "Yes",
	}

	endpoint := fmt.Sprintf("%s/subscribers/%s.json", c.baseURL, c.listID)
	resp, body, err := c.post(ctx, "upsert_subscriber", endpoint, payload)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		c.recordSuccess(ctx)
		return nil
	}
	c.recordFailure(ctx, "upsert_subscriber")
	return &APIError{Op: "upsert_subscriber", StatusCode: resp.StatusCode, Body: string(body)}
}

// Unsubscribe soft-deletes the destination record. Addresses that are
// not in the list count as success: the desired end state already holds.
func (c *Client) Unsubscribe(ctx context.Context, email string) error {
	if err := c.breaker.Allow(ctx, c.siteID); err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/subscribers/%s/unsubscribe.json", c.baseURL, c.listID)
	resp, body, err := c.post(ctx, "unsubscribe", endpoint, unsubscribePayload{EmailAddress: email})
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		c.recordSuccess(ctx)
		return nil
	case resp.StatusCode == http.StatusBadRequest && apiCode(body) == codeSubscriberNotInList:
		c.recordSuccess(ctx)
		return nil
	default:
		c.recordFailure(ctx, "unsubscribe")
		return &APIError{Op: "unsubscribe", StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// post sends a JSON POST and reads the response body. Network failures
// count against the breaker here; status handling is the caller's.
func (c *Client) post(ctx context.Context, op, endpoint string, payload any) (*http.Response, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	c.prepare(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.DownstreamDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		c.recordFailure(ctx, op)
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp, body, nil
}

func (c *Client) prepare(req *http.Request) {
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Content-Type", "application/json")
}

func (c *Client) recordSuccess(ctx context.Context) {
	if err := c.breaker.RecordSuccess(ctx, c.siteID); err == nil {
		metrics.BreakerOpen.WithLabelValues(c.siteID).Set(0)
	}
}

func (c *Client) recordFailure(ctx context.Context, op string) {
	metrics.DownstreamErrors.WithLabelValues(op).Inc()
	if opened, err := c.breaker.RecordFailure(ctx, c.siteID); err == nil && opened {
		metrics.BreakerOpen.WithLabelValues(c.siteID).Set(1)
	}
}

func apiCode(body []byte) int {
	var e apiErrorBody
	if err := json.Unmarshal(body, &e); err != nil {
		return 0
	}
	return e.Code
}
