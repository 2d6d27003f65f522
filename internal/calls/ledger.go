package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("calls: leg not found")
	ErrAlreadyExists     = errors.New("calls: leg already exists")
	ErrInvalidTransition = errors.New("calls: transition not reachable from current status")
	ErrInvalidArgument   = errors.New("calls: invalid argument")
)

// Ledger is the durable store of call-leg records.
//
// Rules:
// - Append/update only; active records are never physically deleted.
// - ApplyTransition performs an atomic read-modify-write per leg and rejects
//   statuses that are not reachable from the stored status.
// - Write-once fields (duration, rate, price, ended_at, error fields) are set
//   by the first transition that carries them and never overwritten.
type Ledger interface {
	Create(ctx context.Context, leg CallLeg) error
	ApplyTransition(ctx context.Context, legID string, next LegStatus, fields TransitionFields) (CallLeg, error)

	FindByLeg(ctx context.Context, legID string) (CallLeg, error)
	FindByConversation(ctx context.Context, conversationID string) ([]CallLeg, error)
	FindByCrmKeys(ctx context.Context, filter CrmFilter, page Page) ([]CallLeg, error)
}

// TransitionFields carries the optional per-event data applied together with
// a status change. Zero values mean "not reported by this event".
type TransitionFields struct {
	DurationSeconds int
	Rate            string
	Price           string
	Network         string

	StartedAt *time.Time
	EndedAt   *time.Time

	ErrorTitle  string
	ErrorDetail string
}

// CrmFilter selects legs by their CRM correlation keys.
// Empty fields are ignored; at least one must be set.
type CrmFilter struct {
	OperatorID string
	CampaignID string
	ContactID  string
}

func (f CrmFilter) Empty() bool {
	return f.OperatorID == "" && f.CampaignID == "" && f.ContactID == ""
}

// Page is offset pagination. Limit 0 falls back to a server-side default.
type Page struct {
	Limit  int
	Offset int
}

const defaultPageLimit = 50

func (p Page) withDefaults() Page {
	out := p
	if out.Limit <= 0 || out.Limit > 500 {
		out.Limit = defaultPageLimit
	}
	if out.Offset < 0 {
		out.Offset = 0
	}
	return out
}

// applyTransitionFields merges event-reported fields into a leg, honoring the
// write-once discipline. Shared by ledger implementations.
func applyTransitionFields(leg *CallLeg, next LegStatus, f TransitionFields, now time.Time) {
	leg.Status = next
	leg.UpdatedAt = now

	if leg.StartedAt == nil && f.StartedAt != nil {
		t := *f.StartedAt
		leg.StartedAt = &t
	}
	if next.IsTerminal() && leg.EndedAt == nil {
		t := now
		if f.EndedAt != nil {
			t = *f.EndedAt
		}
		leg.EndedAt = &t
	}
	if leg.DurationSeconds == 0 && f.DurationSeconds > 0 {
		leg.DurationSeconds = f.DurationSeconds
	}
	if leg.Rate == "" && f.Rate != "" {
		leg.Rate = f.Rate
	}
	if leg.Price == "" && f.Price != "" {
		leg.Price = f.Price
	}
	if leg.Network == "" && f.Network != "" {
		leg.Network = f.Network
	}
	if leg.ErrorTitle == "" && f.ErrorTitle != "" {
		leg.ErrorTitle = f.ErrorTitle
	}
	if leg.ErrorDetail == "" && f.ErrorDetail != "" {
		leg.ErrorDetail = f.ErrorDetail
	}
}
