package models

// Disposition tells the retry coordinator what to do with a processing
// attempt. It replaces raise-to-the-queue-runtime control flow with an
// explicit result type; the processor never decides retry policy itself.
type Disposition int

const (
	// DispositionOK means the downstream state now matches the event.
	DispositionOK Disposition = iota
	// DispositionRetry means the failure is transient (downstream error,
	// timeout, breaker open) and the envelope should be re-enqueued.
	DispositionRetry
	// DispositionDrop means the event itself can never be processed
	// (unknown type, missing email) and must not be retried.
	DispositionDrop
)

func (d Disposition) String() string {
	switch d {
	case DispositionOK:
		return "ok"
	case DispositionRetry:
		return "retry"
	case DispositionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// SyncResult is the outcome of applying one envelope downstream.
// Err carries the underlying failure for errors.Is checks by the retry
// coordinator; Message is its operator-facing form.
type SyncResult struct {
	Success        bool        `json:"success"`
	Disposition    Disposition `json:"-"`
	Err            error       `json:"-"`
	Email          string      `json:"email"`
	EventType      string      `json:"event_type"`
	Message        string      `json:"message"`
	LatencyMS      float64     `json:"latency_ms"`
	StatusChanged  bool        `json:"status_changed"`
	PreviousStatus string      `json:"previous_status,omitempty"`
	NewStatus      string      `json:"new_status,omitempty"`
}
