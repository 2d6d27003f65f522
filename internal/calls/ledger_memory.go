package calls

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLedger is an in-memory Ledger used by tests and local runs.
// It enforces the same transition discipline as the Postgres implementation.
type MemoryLedger struct {
	mu   sync.Mutex
	legs map[string]CallLeg

	clock func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		legs:  make(map[string]CallLeg),
		clock: time.Now,
	}
}

// SetClock overrides the ledger clock for deterministic tests.
func (l *MemoryLedger) SetClock(clock func() time.Time) { l.clock = clock }

func (l *MemoryLedger) Create(ctx context.Context, leg CallLeg) error {
	if leg.LegID == "" || leg.ConversationID == "" {
		return ErrInvalidArgument
	}
	if !leg.Status.Valid() {
		return ErrInvalidArgument
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.legs[leg.LegID]; ok {
		return ErrAlreadyExists
	}

	now := l.clock().UTC()
	if leg.CreatedAt.IsZero() {
		leg.CreatedAt = now
	}
	if leg.UpdatedAt.IsZero() {
		leg.UpdatedAt = now
	}
	l.legs[leg.LegID] = leg
	return nil
}

func (l *MemoryLedger) ApplyTransition(ctx context.Context, legID string, next LegStatus, fields TransitionFields) (CallLeg, error) {
	if legID == "" || !next.Valid() {
		return CallLeg{}, ErrInvalidArgument
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	leg, ok := l.legs[legID]
	if !ok {
		return CallLeg{}, ErrNotFound
	}
	if !CanTransition(leg.Status, next) {
		return leg, ErrInvalidTransition
	}

	applyTransitionFields(&leg, next, fields, l.clock().UTC())
	l.legs[legID] = leg
	return leg, nil
}

func (l *MemoryLedger) FindByLeg(ctx context.Context, legID string) (CallLeg, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	leg, ok := l.legs[legID]
	if !ok {
		return CallLeg{}, ErrNotFound
	}
	return leg, nil
}

func (l *MemoryLedger) FindByConversation(ctx context.Context, conversationID string) ([]CallLeg, error) {
	if conversationID == "" {
		return nil, ErrInvalidArgument
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []CallLeg
	for _, leg := range l.legs {
		if leg.ConversationID == conversationID {
			out = append(out, leg)
		}
	}
	sortByCreation(out)
	return out, nil
}

func (l *MemoryLedger) FindByCrmKeys(ctx context.Context, filter CrmFilter, page Page) ([]CallLeg, error) {
	if filter.Empty() {
		return nil, ErrInvalidArgument
	}
	page = page.withDefaults()

	l.mu.Lock()
	defer l.mu.Unlock()

	var matched []CallLeg
	for _, leg := range l.legs {
		if filter.OperatorID != "" && leg.OperatorID != filter.OperatorID {
			continue
		}
		if filter.CampaignID != "" && leg.CampaignID != filter.CampaignID {
			continue
		}
		if filter.ContactID != "" && leg.ContactID != filter.ContactID {
			continue
		}
		matched = append(matched, leg)
	}
	sortByCreation(matched)

	if page.Offset >= len(matched) {
		return nil, nil
	}
	end := page.Offset + page.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[page.Offset:end], nil
}

func sortByCreation(legs []CallLeg) {
	sort.Slice(legs, func(i, j int) bool {
		if legs[i].CreatedAt.Equal(legs[j].CreatedAt) {
			return legs[i].LegID < legs[j].LegID
		}
		return legs[i].CreatedAt.Before(legs[j].CreatedAt)
	})
}
