package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal incidents (auth failures, dropped events, hangup
// problems). Callers treat it as best-effort: failures are returned but must
// never abort the call flow.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogWebhookAuthFailure records a rejected webhook delivery for an installation.
func (s *Service) LogWebhookAuthFailure(ctx context.Context, installationID, ip, message string) error {
	return s.Append(ctx, Event{
		Type:           EventTypeWebhookAuthFailure,
		InstallationID: installationID,
		IPAddress:      ip,
		Message:        message,
	})
}

// LogDroppedEvent records an event that was authenticated but could not be
// applied (unknown leg or transition not reachable from the stored status).
func (s *Service) LogDroppedEvent(ctx context.Context, typ EventType, conversationID, legID, message string) error {
	return s.Append(ctx, Event{
		Type:           typ,
		ConversationID: conversationID,
		LegID:          legID,
		Message:        message,
	})
}

// LogCallIncident records a provider-side problem on an established
// conversation (failed hangup, failed customer-leg placement).
func (s *Service) LogCallIncident(ctx context.Context, typ EventType, conversationID, legID, message string) error {
	return s.Append(ctx, Event{
		Type:           typ,
		ConversationID: conversationID,
		LegID:          legID,
		Message:        message,
	})
}
