package models

import "time"

// Event types delivered by the Ghost member webhooks.
const (
	EventMemberAdded   = "member.added"
	EventMemberUpdated = "member.updated"
	EventMemberDeleted = "member.deleted"
)

// KnownEventType reports whether t is one of the member webhook event types.
func KnownEventType(t string) bool {
	switch t {
	case EventMemberAdded, EventMemberUpdated, EventMemberDeleted:
		return true
	}
	return false
}

// Label is a Ghost member label.
type Label struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// MemberData is the member snapshot carried in a webhook payload.
// For delete events Ghost sends the data under "previous", leaving
// "current" mostly empty.
type MemberData struct {
	ID         string    `json:"id,omitempty"`
	Email      string    `json:"email,omitempty"`
	Name       string    `json:"name,omitempty"`
	Status     string    `json:"status,omitempty"` // free, paid, comped
	Subscribed *bool     `json:"subscribed,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
	Labels     []Label   `json:"labels,omitempty"`
}

// EmailEnabled reports whether the member has email delivery enabled.
// Ghost omits the flag for subscribed members, so absence means true.
func (m *MemberData) EmailEnabled() bool {
	return m.Subscribed == nil || *m.Subscribed
}

// LabelNames returns the label names in payload order.
func (m *MemberData) LabelNames() []string {
	names := make([]string, 0, len(m.Labels))
	for _, l := range m.Labels {
		names = append(names, l.Name)
	}
	return names
}

// MemberPayload holds the current snapshot and, for updates and deletes,
// the previous one.
type MemberPayload struct {
	Current  MemberData  `json:"current"`
	Previous *MemberData `json:"previous,omitempty"`
}

// WebhookPayload is the complete Ghost member webhook body.
type WebhookPayload struct {
	Member MemberPayload `json:"member"`
}

// DeleteEmail resolves the email address for a delete event. Ghost sends
// deletion data under "previous", so current is tried first and previous
// is the fallback. Returns "" when neither snapshot carries an address.
func (p *WebhookPayload) DeleteEmail() string {
	if p.Member.Current.Email != "" {
		return p.Member.Current.Email
	}
	if p.Member.Previous != nil {
		return p.Member.Previous.Email
	}
	return ""
}
