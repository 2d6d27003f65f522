package audit

import "time"

// Event is an immutable, append-only incident record for the voice core.
//
// Invariants:
// - Events are never updated or deleted.
// - Recording is best-effort; call flow never blocks on audit failures.
//
// Storage recommendation (Postgres):
// - Table voice_audit_events with an INSERT-only policy.
// - Optional: partition by time for retention.

type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the incident category.
	Type EventType `json:"type" db:"type"`

	// InstallationID identifies the tenant the incident belongs to, when known.
	InstallationID string `json:"installation_id,omitempty" db:"installation_id"`

	// Call identifiers (optional, depending on the event type).
	ConversationID string `json:"conversation_id,omitempty" db:"conversation_id"`
	LegID          string `json:"leg_id,omitempty" db:"leg_id"`

	// IPAddress captures the remote address of the offending request when the
	// incident originates at the webhook boundary.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeWebhookAuthFailure EventType = "webhook_auth_failure"
	EventTypeUnknownLeg         EventType = "webhook_unknown_leg"
	EventTypeInvalidTransition  EventType = "invalid_transition"
	EventTypeHangupFailure      EventType = "hangup_failure"
	EventTypePlacementFailure   EventType = "placement_failure"
)
