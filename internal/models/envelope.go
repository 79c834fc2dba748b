package models

import (
	"encoding/json"
	"time"
)

// Envelope is the durable unit of queued work wrapping one webhook
// notification. EventID is assigned at ingestion and never changes; an
// envelope lives in exactly one place at a time (site queue, in-flight,
// delayed set, or dead-letter store).
type Envelope struct {
	EventID    string          `json:"event_id"`
	SiteID     string          `json:"site_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
	RetryCount int             `json:"retry_count"`
}

// DecodePayload unmarshals the raw webhook body carried by the envelope.
func (e *Envelope) DecodePayload() (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeadLetterEntry is an envelope that exhausted its retries, kept for
// operator inspection and replay.
type DeadLetterEntry struct {
	OriginalEventID string    `json:"original_event_id"`
	Envelope        Envelope  `json:"envelope"`
	FailureReason   string    `json:"failure_reason"`
	FailedAt        time.Time `json:"failed_at"`
}
