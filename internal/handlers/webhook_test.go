package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanternpress/membersync/internal/logging"
	"github.com/lanternpress/membersync/internal/metrics"
	"github.com/lanternpress/membersync/internal/models"
	"github.com/lanternpress/membersync/internal/queue"
	"github.com/lanternpress/membersync/internal/signature"
	"github.com/lanternpress/membersync/internal/tenant"
)

const testSecret = "webhook-secret"

type webhookFixture struct {
	mux   *http.ServeMux
	queue *queue.Queue
	mr    *miniredis.Miniredis
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close(); mr.Close() })

	sites := tenant.NewRegistry(
		tenant.Site{ID: "site1", WebhookSecret: testSecret, ListID: "list-1", APIKey: "key-1"},
		tenant.Site{ID: "open-site", WebhookSecret: "", ListID: "list-2", APIKey: "key-2"},
	)
	q := queue.New(client, "membersync", sites.IDs())
	h := NewWebhookHandler(sites, q, metrics.NewStats(), logging.New(slog.LevelError+1, "text"))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{site_id}", h.Handle)
	return &webhookFixture{mux: mux, queue: q, mr: mr}
}

func memberBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(models.WebhookPayload{Member: models.MemberPayload{
		Current: models.MemberData{
			ID:     "mem-1",
			Email:  "reader@example.com",
			Name:   "Reader One",
			Status: "free",
		},
	}})
	require.NoError(t, err)
	return body
}

func signedRequest(t *testing.T, target string, body []byte, secret string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set(signature.Header, signature.Sign(body, secret, time.Now()))
	return req
}

func TestWebhook_Accepted(t *testing.T) {
	f := newWebhookFixture(t)
	body := memberBody(t)

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, signedRequest(t, "/webhook/site1?event=member.added", body, testSecret))

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.Equal(t, models.EventMemberAdded, resp["event_type"])
	assert.NotEmpty(t, resp["job_id"])

	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestWebhook_UnknownSite(t *testing.T) {
	f := newWebhookFixture(t)
	body := memberBody(t)

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, signedRequest(t, "/webhook/nope", body, testSecret))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_BadSignature(t *testing.T) {
	f := newWebhookFixture(t)
	body := memberBody(t)

	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{
			name: "no signature header",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhook/site1", bytes.NewReader(body))
			},
		},
		{
			name: "wrong secret",
			req: func() *http.Request {
				return signedRequest(t, "/webhook/site1", body, "other-secret")
			},
		},
		{
			name: "signature over different body",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/webhook/site1", bytes.NewReader(body))
				r.Header.Set(signature.Header, signature.Sign([]byte("other"), testSecret, time.Now()))
				return r
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.mux.ServeHTTP(rec, tt.req())
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestWebhook_NoSecretConfigured(t *testing.T) {
	f := newWebhookFixture(t)
	body := memberBody(t)

	// Sites without a secret accept unsigned posts.
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/open-site?event=member.added", bytes.NewReader(body)))

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWebhook_BadRequests(t *testing.T) {
	f := newWebhookFixture(t)

	tests := []struct {
		name string
		body []byte
	}{
		{"invalid json", []byte(`{broken`)},
		{"undetectable event type", []byte(`{}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.mux.ServeHTTP(rec, signedRequest(t, "/webhook/site1", tt.body, testSecret))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestWebhook_QueueUnavailable(t *testing.T) {
	f := newWebhookFixture(t)
	body := memberBody(t)
	f.mr.Close()

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, signedRequest(t, "/webhook/site1?event=member.added", body, testSecret))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDetectEventType(t *testing.T) {
	currentOnly := &models.WebhookPayload{Member: models.MemberPayload{
		Current: models.MemberData{Email: "reader@example.com"},
	}}
	withPrevious := &models.WebhookPayload{Member: models.MemberPayload{
		Current:  models.MemberData{Email: "reader@example.com"},
		Previous: &models.MemberData{Email: "reader@example.com"},
	}}

	tests := []struct {
		name    string
		target  string
		header  string
		payload *models.WebhookPayload
		want    string
	}{
		{
			name:    "query parameter wins",
			target:  "/webhook/site1?event=member.deleted",
			header:  models.EventMemberAdded,
			payload: withPrevious,
			want:    models.EventMemberDeleted,
		},
		{
			name:    "unknown query value falls through to header",
			target:  "/webhook/site1?event=post.published",
			header:  models.EventMemberUpdated,
			payload: currentOnly,
			want:    models.EventMemberUpdated,
		},
		{
			name:    "header wins over shape",
			target:  "/webhook/site1",
			header:  models.EventMemberDeleted,
			payload: currentOnly,
			want:    models.EventMemberDeleted,
		},
		{
			name:    "previous snapshot means update",
			target:  "/webhook/site1",
			payload: withPrevious,
			want:    models.EventMemberUpdated,
		},
		{
			name:    "current snapshot alone means add",
			target:  "/webhook/site1",
			payload: currentOnly,
			want:    models.EventMemberAdded,
		},
		{
			name:    "empty payload is undetectable",
			target:  "/webhook/site1",
			payload: &models.WebhookPayload{},
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, tt.target, nil)
			if tt.header != "" {
				r.Header.Set(EventHeader, tt.header)
			}
			assert.Equal(t, tt.want, detectEventType(r, tt.payload))
		})
	}
}
