package calls

import "time"

// CallLeg is one endpoint's participation in a logical call.
//
// Invariants:
// - LegID is provider-assigned, globally unique and immutable once set.
// - All legs sharing a ConversationID belong to exactly one logical call;
//   the operator leg is created strictly before the customer leg.
// - Status only advances along the transition graph below; it never regresses.
// - DurationSeconds, Rate, Price, EndedAt and the error fields are write-once.
//
// CRM correlation keys (OperatorID, CampaignID, ContactID) are references only;
// their lifecycle is owned by the CRM, never by this subsystem.

type CallLeg struct {
	LegID          string `json:"leg_id" db:"leg_id"`
	ConversationID string `json:"conversation_id" db:"conversation_id"`

	Role      LegRole   `json:"role" db:"role"`
	Direction Direction `json:"direction" db:"direction"`
	Status    LegStatus `json:"status" db:"status"`

	From Party `json:"from"`
	To   Party `json:"to"`

	// Rate and Price are opaque provider-reported cost strings, set only
	// at/after completion.
	Rate  string `json:"rate,omitempty" db:"rate"`
	Price string `json:"price,omitempty" db:"price"`

	DurationSeconds int `json:"duration_seconds,omitempty" db:"duration_seconds"`

	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// Network is the carrier identifier reported by the provider; optional.
	Network string `json:"network,omitempty" db:"network"`

	AnswerWebhookURL string `json:"answer_webhook_url,omitempty" db:"answer_webhook_url"`
	EventWebhookURL  string `json:"event_webhook_url,omitempty" db:"event_webhook_url"`

	ErrorTitle  string `json:"error_title,omitempty" db:"error_title"`
	ErrorDetail string `json:"error_detail,omitempty" db:"error_detail"`

	OperatorID string `json:"operator_id,omitempty" db:"operator_id"`
	CampaignID string `json:"campaign_id,omitempty" db:"campaign_id"`
	ContactID  string `json:"contact_id,omitempty" db:"contact_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Party is a role-tagged call endpoint.
// Type is "phone" for PSTN numbers and "app" for WebRTC client endpoints,
// in which case Number carries the provider-side user name.
type Party struct {
	Type   string `json:"type" db:"type"`
	Number string `json:"number" db:"number"`
}

type LegRole string

const (
	LegRoleOperator LegRole = "operator"
	LegRoleCustomer LegRole = "customer"
)

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

type LegStatus string

const (
	StatusRequested LegStatus = "requested"
	StatusRinging   LegStatus = "ringing"
	StatusAnswered  LegStatus = "answered"
	StatusCompleted LegStatus = "completed"
	StatusFailed    LegStatus = "failed"
	StatusNoAnswer  LegStatus = "no_answer"
	StatusBusy      LegStatus = "busy"
)

// transitions is the directed status graph. A leg may only be written with a
// status reachable from its current status.
var transitions = map[LegStatus][]LegStatus{
	StatusRequested: {StatusRinging, StatusFailed},
	StatusRinging:   {StatusAnswered, StatusFailed, StatusNoAnswer, StatusBusy},
	StatusAnswered:  {StatusCompleted, StatusBusy},
}

// CanTransition reports whether next is reachable from from through one or
// more edges of the graph. Webhook delivery is not ordered, so an event that
// skips intermediate statuses is still a legal forward move; only backward
// and post-terminal moves are rejected.
func CanTransition(from, next LegStatus) bool {
	if from == next {
		return false
	}
	stack := []LegStatus{from}
	seen := map[LegStatus]bool{from: true}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range transitions[cur] {
			if s == next {
				return true
			}
			if !seen[s] {
				seen[s] = true
				stack = append(stack, s)
			}
		}
	}
	return false
}

// IsTerminal reports whether a status admits no further transitions.
// Events arriving for a terminal leg are accepted and recorded as no-ops;
// webhook delivery is not exactly-once.
func (s LegStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy:
		return true
	}
	return false
}

// Valid reports whether s is part of the status vocabulary.
func (s LegStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusRinging, StatusAnswered,
		StatusCompleted, StatusFailed, StatusNoAnswer, StatusBusy:
		return true
	}
	return false
}
