package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crm-voice/internal/audit"
	"crm-voice/internal/crm"
)

var (
	ErrUnknownReference = errors.New("calls: unknown CRM reference")
	ErrOperatorBusy     = errors.New("calls: operator already has a call in flight")
)

// Orchestrator drives operator-first outbound dialing.
//
// Protocol:
//  1. StartCall places the operator leg only and persists it as requested.
//  2. The customer leg is placed when a webhook reports the operator leg
//     answered, never earlier. An operator is never kept waiting on a
//     customer who doesn't answer, and no customer is dialed for a call the
//     operator abandoned before connecting.
//  3. Once either leg goes terminal, the surviving leg is hung up
//     best-effort.
//
// All state mutations for one leg are serialized through a keyed lock, as is
// the bridging decision per conversation. Events for unrelated legs proceed
// in parallel; there is no global lock.
type Orchestrator struct {
	ledger    Ledger
	dialer    Dialer
	directory crm.Directory
	urls      URLSigner

	limiter OperatorLimiter // optional
	audit   *audit.Service  // optional, best-effort

	locks *keyedLocks
	log   *slog.Logger
	clock func() time.Time

	hangupTimeout time.Duration
}

// OrchestratorOptions carries the optional collaborators.
type OrchestratorOptions struct {
	Limiter OperatorLimiter
	Audit   *audit.Service
	Logger  *slog.Logger

	// HangupTimeout bounds the best-effort hangup request for the surviving
	// leg; zero applies a 5s default.
	HangupTimeout time.Duration
}

func NewOrchestrator(ledger Ledger, dialer Dialer, directory crm.Directory, urls URLSigner, opts OrchestratorOptions) (*Orchestrator, error) {
	if ledger == nil {
		return nil, errors.New("calls: ledger is required")
	}
	if dialer == nil {
		return nil, errors.New("calls: dialer is required")
	}
	if directory == nil {
		return nil, errors.New("calls: directory is required")
	}
	if urls == nil {
		return nil, errors.New("calls: url signer is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HangupTimeout <= 0 {
		opts.HangupTimeout = 5 * time.Second
	}
	return &Orchestrator{
		ledger:        ledger,
		dialer:        dialer,
		directory:     directory,
		urls:          urls,
		limiter:       opts.Limiter,
		audit:         opts.Audit,
		locks:         newKeyedLocks(),
		log:           opts.Logger,
		clock:         time.Now,
		hangupTimeout: opts.HangupTimeout,
	}, nil
}

// SetClock overrides the orchestrator clock for deterministic tests.
func (o *Orchestrator) SetClock(clock func() time.Time) { o.clock = clock }

// StartCall validates the CRM references, places the operator leg and returns
// the conversation id. No provider interaction happens for dangling
// references.
func (o *Orchestrator) StartCall(ctx context.Context, operatorID, contactID, campaignID string) (string, error) {
	if operatorID == "" || contactID == "" || campaignID == "" {
		return "", ErrInvalidArgument
	}

	op, err := o.directory.Operator(ctx, operatorID)
	if err != nil {
		if errors.Is(err, crm.ErrNotFound) {
			return "", fmt.Errorf("%w: operator %q", ErrUnknownReference, operatorID)
		}
		return "", err
	}
	if _, err := o.directory.Contact(ctx, contactID); err != nil {
		if errors.Is(err, crm.ErrNotFound) {
			return "", fmt.Errorf("%w: contact %q", ErrUnknownReference, contactID)
		}
		return "", err
	}
	ok, err := o.directory.CampaignExists(ctx, campaignID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: campaign %q", ErrUnknownReference, campaignID)
	}

	if o.limiter != nil {
		acquired, err := o.limiter.Acquire(ctx, operatorID)
		if err != nil {
			return "", err
		}
		if !acquired {
			return "", ErrOperatorBusy
		}
	}

	conversationID := uuid.NewString()
	leg, err := o.placeLeg(ctx, placement{
		conversationID: conversationID,
		role:           LegRoleOperator,
		to:             Party{Type: op.EndpointType, Number: op.Endpoint},
		waitForPeer:    true,
		operatorID:     operatorID,
		campaignID:     campaignID,
		contactID:      contactID,
	})
	if err != nil {
		o.releaseSlot(ctx, operatorID)
		return "", err
	}

	o.log.Info("operator leg placed",
		"conversation_id", conversationID, "leg_id", leg.LegID, "operator_id", operatorID)
	return conversationID, nil
}

// PlaceTestCall dials an arbitrary number outside any campaign so an
// installation can verify provider connectivity end to end. The leg occupies
// the operator's slot and is tracked like any other.
func (o *Orchestrator) PlaceTestCall(ctx context.Context, operatorID, number string) (string, error) {
	if operatorID == "" || number == "" {
		return "", ErrInvalidArgument
	}
	if _, err := o.directory.Operator(ctx, operatorID); err != nil {
		if errors.Is(err, crm.ErrNotFound) {
			return "", fmt.Errorf("%w: operator %q", ErrUnknownReference, operatorID)
		}
		return "", err
	}

	if o.limiter != nil {
		acquired, err := o.limiter.Acquire(ctx, operatorID)
		if err != nil {
			return "", err
		}
		if !acquired {
			return "", ErrOperatorBusy
		}
	}

	conversationID := uuid.NewString()
	leg, err := o.placeLeg(ctx, placement{
		conversationID: conversationID,
		role:           LegRoleCustomer,
		to:             Party{Type: "phone", Number: number},
		waitForPeer:    false,
		operatorID:     operatorID,
	})
	if err != nil {
		o.releaseSlot(ctx, operatorID)
		return "", err
	}

	o.log.Info("test call placed",
		"conversation_id", conversationID, "leg_id", leg.LegID, "operator_id", operatorID)
	return conversationID, nil
}

// GetCallStatus returns all legs of a conversation, oldest first.
func (o *Orchestrator) GetCallStatus(ctx context.Context, conversationID string) ([]CallLeg, error) {
	legs, err := o.ledger.FindByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		return nil, ErrNotFound
	}
	return legs, nil
}

// ListCalls pages through legs by CRM correlation keys.
func (o *Orchestrator) ListCalls(ctx context.Context, filter CrmFilter, page Page) ([]CallLeg, error) {
	return o.ledger.FindByCrmKeys(ctx, filter, page)
}

// HandleEvent applies one authenticated provider event. Duplicate, stale and
// post-terminal deliveries are accepted as no-ops: rejecting them cannot undo
// anything and would only add noise.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev Event) error {
	if ev.LegID == "" || !ev.Status.Valid() {
		return ErrInvalidArgument
	}

	unlockLeg := o.locks.Lock("leg:" + ev.LegID)
	defer unlockLeg()

	leg, err := o.ledger.FindByLeg(ctx, ev.LegID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			o.log.Warn("event for unknown leg dropped", "leg_id", ev.LegID, "status", ev.Status)
			o.auditDrop(ctx, audit.EventTypeUnknownLeg, ev.ConversationID, ev.LegID,
				"event for unassigned leg id")
			return nil
		}
		return err
	}

	if leg.Status.IsTerminal() || leg.Status == ev.Status {
		o.log.Debug("event is a no-op", "leg_id", ev.LegID, "stored", leg.Status, "event", ev.Status)
		return nil
	}
	if !CanTransition(leg.Status, ev.Status) {
		o.log.Warn("transition not reachable, event dropped",
			"leg_id", ev.LegID, "stored", leg.Status, "event", ev.Status)
		o.auditDrop(ctx, audit.EventTypeInvalidTransition, leg.ConversationID, leg.LegID,
			fmt.Sprintf("%s -> %s", leg.Status, ev.Status))
		return nil
	}

	updated, err := o.ledger.ApplyTransition(ctx, ev.LegID, ev.Status, o.fieldsFrom(ev))
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return err
	}

	o.log.Info("leg transition applied",
		"conversation_id", updated.ConversationID, "leg_id", updated.LegID,
		"role", updated.Role, "status", updated.Status)

	unlockConv := o.locks.Lock("conv:" + updated.ConversationID)
	defer unlockConv()

	legs, err := o.ledger.FindByConversation(ctx, updated.ConversationID)
	if err != nil {
		return err
	}

	if updated.Role == LegRoleOperator && updated.Status == StatusAnswered && findByRole(legs, LegRoleCustomer) == nil {
		o.placeCustomerLeg(ctx, updated)
		// refresh the conversation view for the checks below
		if refreshed, err := o.ledger.FindByConversation(ctx, updated.ConversationID); err == nil {
			legs = refreshed
		}
	}

	if op, cust := findByRole(legs, LegRoleOperator), findByRole(legs, LegRoleCustomer); op != nil && cust != nil &&
		op.Status == StatusAnswered && cust.Status == StatusAnswered {
		o.log.Info("conversation bridged", "conversation_id", updated.ConversationID)
	}

	if updated.Status.IsTerminal() {
		o.settleConversation(ctx, legs, updated)
	}
	return nil
}

// HangUp tears down a conversation at the operator's request: the named leg
// and every non-terminal counterpart are hung up at the provider. Ledger
// state advances only via the resulting webhooks.
func (o *Orchestrator) HangUp(ctx context.Context, legID string) error {
	leg, err := o.ledger.FindByLeg(ctx, legID)
	if err != nil {
		return err
	}
	legs, err := o.ledger.FindByConversation(ctx, leg.ConversationID)
	if err != nil {
		return err
	}

	var errs []error
	for _, l := range legs {
		if l.Status.IsTerminal() {
			continue
		}
		if err := o.dialer.HangUp(ctx, l.LegID); err != nil {
			errs = append(errs, fmt.Errorf("leg %s: %w", l.LegID, err))
		}
	}
	return errors.Join(errs...)
}

// placement is the internal request for one leg.
type placement struct {
	conversationID string
	role           LegRole
	to             Party
	waitForPeer    bool

	operatorID string
	campaignID string
	contactID  string
}

// placeLeg signs the webhook URLs, asks the provider to originate the leg and
// records it. A placement failure is recorded as a locally failed leg: no
// webhook will ever arrive for it.
func (o *Orchestrator) placeLeg(ctx context.Context, p placement) (CallLeg, error) {
	eventURL, err := o.urls.EventURL(ctx, p.conversationID)
	if err != nil {
		return CallLeg{}, err
	}
	answerURL, err := o.urls.AnswerURL(ctx, p.conversationID, string(p.role))
	if err != nil {
		return CallLeg{}, err
	}

	leg := CallLeg{
		ConversationID:   p.conversationID,
		Role:             p.role,
		Direction:        DirectionOutbound,
		Status:           StatusRequested,
		To:               p.to,
		AnswerWebhookURL: answerURL,
		EventWebhookURL:  eventURL,
		OperatorID:       p.operatorID,
		CampaignID:       p.campaignID,
		ContactID:        p.contactID,
	}

	res, err := o.dialer.PlaceCall(ctx, DialRequest{
		To:             p.to,
		ConversationID: p.conversationID,
		WaitForPeer:    p.waitForPeer,
		AnswerURL:      answerURL,
		EventURL:       eventURL,
	})
	if err != nil {
		leg.LegID = "local-" + uuid.NewString()
		o.recordPlacementFailure(ctx, leg, err)
		return CallLeg{}, fmt.Errorf("calls: %s leg placement failed: %w", p.role, err)
	}

	leg.LegID = res.LegID
	leg.From = res.From
	if res.Direction != "" {
		leg.Direction = res.Direction
	}
	if err := o.ledger.Create(ctx, leg); err != nil {
		// The provider is already dialing a leg we failed to record; tear it
		// down rather than leave an untracked call ringing.
		o.bestEffortHangUp(ctx, leg)
		return CallLeg{}, err
	}
	return leg, nil
}

// recordPlacementFailure persists a leg that never reached the provider (or
// was rejected synchronously), so the failure shows up in call history.
func (o *Orchestrator) recordPlacementFailure(ctx context.Context, leg CallLeg, cause error) {
	title := "placement failed"
	var rejected *DialRejectedError
	if errors.As(cause, &rejected) {
		title = rejected.Title
	}

	if err := o.ledger.Create(ctx, leg); err != nil {
		o.log.Error("failed to record placement failure", "conversation_id", leg.ConversationID, "err", err)
		return
	}
	if _, err := o.ledger.ApplyTransition(ctx, leg.LegID, StatusFailed, TransitionFields{
		ErrorTitle:  title,
		ErrorDetail: cause.Error(),
	}); err != nil {
		o.log.Error("failed to mark leg failed", "leg_id", leg.LegID, "err", err)
	}
	o.auditDrop(ctx, audit.EventTypePlacementFailure, leg.ConversationID, leg.LegID, cause.Error())
}

// placeCustomerLeg dials the contact once the operator leg is answered. A
// failure here leaves the operator leg connected; the incident is logged and
// audited so the CRM surface can inform the operator.
func (o *Orchestrator) placeCustomerLeg(ctx context.Context, operatorLeg CallLeg) {
	contact, err := o.directory.Contact(ctx, operatorLeg.ContactID)
	if err != nil {
		o.log.Error("customer leg aborted: contact lookup failed",
			"conversation_id", operatorLeg.ConversationID, "contact_id", operatorLeg.ContactID, "err", err)
		o.auditDrop(ctx, audit.EventTypePlacementFailure, operatorLeg.ConversationID, "",
			"contact lookup failed: "+err.Error())
		return
	}

	leg, err := o.placeLeg(ctx, placement{
		conversationID: operatorLeg.ConversationID,
		role:           LegRoleCustomer,
		to:             Party{Type: "phone", Number: contact.PhoneNumber},
		waitForPeer:    false,
		operatorID:     operatorLeg.OperatorID,
		campaignID:     operatorLeg.CampaignID,
		contactID:      operatorLeg.ContactID,
	})
	if err != nil {
		o.log.Error("customer leg placement failed",
			"conversation_id", operatorLeg.ConversationID, "err", err)
		return
	}
	o.log.Info("customer leg placed",
		"conversation_id", leg.ConversationID, "leg_id", leg.LegID, "contact_id", leg.ContactID)
}

// settleConversation runs after a leg reaches a terminal status: hang up the
// surviving counterpart and release the operator slot once every leg is done.
func (o *Orchestrator) settleConversation(ctx context.Context, legs []CallLeg, ended CallLeg) {
	allTerminal := true
	for _, l := range legs {
		if l.LegID == ended.LegID {
			continue
		}
		if !l.Status.IsTerminal() {
			allTerminal = false
			o.bestEffortHangUp(ctx, l)
		}
	}

	customerAbsent := findByRole(legs, LegRoleCustomer) == nil
	if allTerminal || (ended.Role == LegRoleOperator && customerAbsent) {
		o.releaseSlot(ctx, ended.OperatorID)
	}
}

// bestEffortHangUp is fire-and-forget: a failed hangup is logged and audited
// but never rolls back the already-terminal counterpart.
func (o *Orchestrator) bestEffortHangUp(ctx context.Context, leg CallLeg) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.hangupTimeout)
	defer cancel()

	if err := o.dialer.HangUp(hctx, leg.LegID); err != nil {
		o.log.Warn("hangup failed", "conversation_id", leg.ConversationID, "leg_id", leg.LegID, "err", err)
		o.auditDrop(ctx, audit.EventTypeHangupFailure, leg.ConversationID, leg.LegID, err.Error())
	}
}

func (o *Orchestrator) releaseSlot(ctx context.Context, operatorID string) {
	if o.limiter == nil || operatorID == "" {
		return
	}
	if err := o.limiter.Release(ctx, operatorID); err != nil {
		o.log.Warn("operator slot release failed", "operator_id", operatorID, "err", err)
	}
}

func (o *Orchestrator) auditDrop(ctx context.Context, typ audit.EventType, conversationID, legID, message string) {
	if o.audit == nil {
		return
	}
	if err := o.audit.LogDroppedEvent(ctx, typ, conversationID, legID, message); err != nil {
		o.log.Warn("audit append failed", "type", typ, "err", err)
	}
}

func (o *Orchestrator) fieldsFrom(ev Event) TransitionFields {
	f := TransitionFields{
		DurationSeconds: ev.DurationSeconds,
		Rate:            ev.Rate,
		Price:           ev.Price,
		Network:         ev.Network,
		ErrorTitle:      ev.ErrorTitle,
		ErrorDetail:     ev.ErrorDetail,
	}
	if ev.Status == StatusAnswered {
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = o.clock().UTC()
		}
		f.StartedAt = &ts
	}
	if ev.Status.IsTerminal() && !ev.Timestamp.IsZero() {
		ts := ev.Timestamp
		f.EndedAt = &ts
	}
	return f
}

func findByRole(legs []CallLeg, role LegRole) *CallLeg {
	for i := range legs {
		if legs[i].Role == role {
			return &legs[i]
		}
	}
	return nil
}
