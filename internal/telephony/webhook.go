package telephony

import (
	"fmt"
	"strconv"
	"time"

	"crm-voice/internal/calls"
)

// EventPayload is the provider's status webhook body. Numeric fields arrive
// as strings on the wire; cost fields are kept opaque.
type EventPayload struct {
	UUID             string `json:"uuid"`
	CallUUID         string `json:"call_uuid"`
	ConversationUUID string `json:"conversation_uuid"`
	Status           string `json:"status"`
	Direction        string `json:"direction"`
	From             string `json:"from"`
	To               string `json:"to"`
	Timestamp        string `json:"timestamp"`
	Duration         string `json:"duration"`
	Rate             string `json:"rate"`
	Price            string `json:"price"`
	Network          string `json:"network"`
	Detail           string `json:"detail"`
}

// Normalize maps the provider payload onto the internal event vocabulary.
func (p EventPayload) Normalize() (calls.Event, error) {
	legID := p.UUID
	if legID == "" {
		legID = p.CallUUID
	}
	if legID == "" {
		return calls.Event{}, fmt.Errorf("%w: event without call uuid", calls.ErrInvalidArgument)
	}

	status, err := normalizeStatus(p.Status)
	if err != nil {
		return calls.Event{}, err
	}

	ev := calls.Event{
		LegID:          legID,
		ConversationID: p.ConversationUUID,
		Status:         status,
		Rate:           p.Rate,
		Price:          p.Price,
		Network:        p.Network,
	}
	if p.Duration != "" {
		if n, err := strconv.Atoi(p.Duration); err == nil {
			ev.DurationSeconds = n
		}
	}
	if p.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
			ev.Timestamp = ts.UTC()
		}
	}
	if status == calls.StatusFailed {
		ev.ErrorTitle = p.Status
		ev.ErrorDetail = p.Detail
	}
	return ev, nil
}

// normalizeStatus folds the provider status vocabulary into the internal one.
// The provider distinguishes timeout, unanswered and cancelled; all three mean
// the same thing here: nobody picked up.
func normalizeStatus(s string) (calls.LegStatus, error) {
	switch s {
	case "started":
		return calls.StatusRequested, nil
	case "ringing":
		return calls.StatusRinging, nil
	case "answered", "human", "machine":
		return calls.StatusAnswered, nil
	case "completed", "complete":
		return calls.StatusCompleted, nil
	case "busy":
		return calls.StatusBusy, nil
	case "failed", "rejected":
		return calls.StatusFailed, nil
	case "timeout", "unanswered", "cancelled":
		return calls.StatusNoAnswer, nil
	}
	return "", fmt.Errorf("telephony: unrecognized provider status %q", s)
}
