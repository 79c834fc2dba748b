package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

// Common field names for consistent logging across the service.
const (
	FieldService    = "service"
	FieldSiteID     = "site_id"
	FieldEventID    = "event_id"
	FieldEventType  = "event_type"
	FieldEmailHash  = "email_hash"
	FieldJobID      = "job_id"
	FieldRetryCount = "retry_count"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldQueueDepth = "queue_depth"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// SiteID returns a slog attribute for the site (tenant) ID.
func SiteID(id string) slog.Attr {
	return slog.String(FieldSiteID, id)
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for a webhook event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// EmailHash returns a slog attribute carrying a hashed email address.
// Raw email addresses are never logged.
func EmailHash(email string) slog.Attr {
	return slog.String(FieldEmailHash, HashEmail(email))
}

// RetryCount returns a slog attribute for an envelope's retry count.
func RetryCount(n int) slog.Attr {
	return slog.Int(FieldRetryCount, n)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// QueueDepth returns a slog attribute for the queue depth.
func QueueDepth(n int64) slog.Attr {
	return slog.Int64(FieldQueueDepth, n)
}

// HashEmail returns a short stable hash of an email address, suitable for
// correlating log lines without exposing the address itself.
func HashEmail(email string) string {
	if email == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.ToLower(email)))
	return hex.EncodeToString(sum[:])[:12]
}
