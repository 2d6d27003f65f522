package calls

import (
	"context"
	"time"
)

// Dialer is the capability set the orchestrator needs from a VoIP provider.
// One concrete implementation exists today (internal/telephony); additional
// providers plug in without touching the orchestrator.
//
// Provider-side rejections (busy destination, invalid number) are reported as
// *DialRejectedError; any other error is a transport failure of the request
// itself. Neither is ever silently dropped.
type Dialer interface {
	Name() string
	PlaceCall(ctx context.Context, req DialRequest) (DialResult, error)
	HangUp(ctx context.Context, legID string) error
}

// DialRequest asks the provider to originate one leg.
type DialRequest struct {
	To             Party
	ConversationID string

	// WaitForPeer places the leg on hold until its counterpart joins the
	// conversation (used for the operator leg of operator-first dialing).
	WaitForPeer bool

	AnswerURL string
	EventURL  string
}

// DialResult is the provider's synchronous placement acknowledgement.
type DialResult struct {
	LegID string

	// From is the originating endpoint as reported by the provider
	// (typically its configured outbound number).
	From Party

	// ProviderStatus is the provider's initial status string, recorded as-is;
	// the leg starts in StatusRequested regardless.
	ProviderStatus string

	Direction Direction
}

// DialRejectedError is a provider-side rejection carried in a successful API
// exchange, as opposed to a transport failure reaching the provider.
type DialRejectedError struct {
	Title  string
	Detail string
}

func (e *DialRejectedError) Error() string {
	if e.Detail == "" {
		return "calls: dial rejected: " + e.Title
	}
	return "calls: dial rejected: " + e.Title + ": " + e.Detail
}

// URLSigner builds the per-installation signed webhook URLs handed to the
// provider at call placement. Implemented by internal/installs.
type URLSigner interface {
	EventURL(ctx context.Context, conversationID string) (string, error)
	AnswerURL(ctx context.Context, conversationID, role string) (string, error)
}

// OperatorLimiter caps live calls per operator. Acquire returns false when
// the operator already has a call in flight.
type OperatorLimiter interface {
	Acquire(ctx context.Context, operatorID string) (bool, error)
	Release(ctx context.Context, operatorID string) error
}

// Event is a normalized, already-authenticated provider status event.
type Event struct {
	LegID          string
	ConversationID string
	Status         LegStatus
	Timestamp      time.Time

	DurationSeconds int
	Rate            string
	Price           string
	Network         string

	ErrorTitle  string
	ErrorDetail string
}
