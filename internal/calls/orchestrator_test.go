package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crm-voice/internal/audit"
	"crm-voice/internal/crm"
)

type fakeDialer struct {
	mu     sync.Mutex
	nextID int
	placed []DialRequest
	hungUp []string

	placeErr error
	hangErr  error
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) PlaceCall(ctx context.Context, req DialRequest) (DialResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.placeErr != nil {
		return DialResult{}, d.placeErr
	}
	d.nextID++
	d.placed = append(d.placed, req)
	return DialResult{
		LegID:          fmt.Sprintf("leg-%d", d.nextID),
		From:           Party{Type: "phone", Number: "15550100"},
		ProviderStatus: "started",
		Direction:      DirectionOutbound,
	}, nil
}

func (d *fakeDialer) HangUp(ctx context.Context, legID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hangErr != nil {
		return d.hangErr
	}
	d.hungUp = append(d.hungUp, legID)
	return nil
}

func (d *fakeDialer) placedCalls() []DialRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DialRequest, len(d.placed))
	copy(out, d.placed)
	return out
}

func (d *fakeDialer) hangUps() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.hungUp))
	copy(out, d.hungUp)
	return out
}

type staticSigner struct{}

func (staticSigner) EventURL(ctx context.Context, conversationID string) (string, error) {
	return "https://crm.example/webhooks/voice/events?conversation_uuid=" + conversationID, nil
}

func (staticSigner) AnswerURL(ctx context.Context, conversationID, role string) (string, error) {
	return "https://crm.example/webhooks/voice/answer/" + role + "?conversation_uuid=" + conversationID, nil
}

type orchestratorFixture struct {
	orch    *Orchestrator
	ledger  *MemoryLedger
	dialer  *fakeDialer
	limiter *MemoryLimiter
	auditRc *audit.MemoryRepo
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	dir := crm.NewMemoryDirectory()
	dir.PutOperator(crm.Operator{ID: "7", EndpointType: "app", Endpoint: "operator-7"})
	dir.PutContact(crm.Contact{ID: "42", PhoneNumber: "14155550142"})
	dir.PutCampaign("3")

	ledger := NewMemoryLedger()
	dialer := &fakeDialer{}
	limiter := NewMemoryLimiter()
	auditRepo := audit.NewMemoryRepo()

	orch, err := NewOrchestrator(ledger, dialer, dir, staticSigner{}, OrchestratorOptions{
		Limiter: limiter,
		Audit:   audit.NewService(auditRepo),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return &orchestratorFixture{orch: orch, ledger: ledger, dialer: dialer, limiter: limiter, auditRc: auditRepo}
}

func (f *orchestratorFixture) deliver(t *testing.T, ev Event) {
	t.Helper()
	if err := f.orch.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleEvent(%s -> %s): %v", ev.LegID, ev.Status, err)
	}
}

func (f *orchestratorFixture) leg(t *testing.T, legID string) CallLeg {
	t.Helper()
	leg, err := f.ledger.FindByLeg(context.Background(), legID)
	if err != nil {
		t.Fatalf("FindByLeg(%s): %v", legID, err)
	}
	return leg
}

func TestStartCallPlacesOnlyOperatorLeg(t *testing.T) {
	f := newOrchestratorFixture(t)

	convID, err := f.orch.StartCall(context.Background(), "7", "42", "3")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if convID == "" {
		t.Fatal("expected a conversation id")
	}

	placed := f.dialer.placedCalls()
	if len(placed) != 1 {
		t.Fatalf("expected exactly one placed call, got %d", len(placed))
	}
	if !placed[0].WaitForPeer {
		t.Error("operator leg must wait on hold for the customer")
	}
	if placed[0].To != (Party{Type: "app", Number: "operator-7"}) {
		t.Errorf("unexpected destination: %+v", placed[0].To)
	}

	legs, err := f.orch.GetCallStatus(context.Background(), convID)
	if err != nil {
		t.Fatalf("GetCallStatus: %v", err)
	}
	if len(legs) != 1 || legs[0].Role != LegRoleOperator || legs[0].Status != StatusRequested {
		t.Fatalf("unexpected ledger state: %+v", legs)
	}
	if legs[0].OperatorID != "7" || legs[0].ContactID != "42" || legs[0].CampaignID != "3" {
		t.Errorf("CRM keys not recorded: %+v", legs[0])
	}
}

func TestStartCallRejectsUnknownReferences(t *testing.T) {
	f := newOrchestratorFixture(t)

	cases := []struct{ op, contact, campaign string }{
		{"999", "42", "3"},
		{"7", "999", "3"},
		{"7", "42", "999"},
	}
	for _, tc := range cases {
		if _, err := f.orch.StartCall(context.Background(), tc.op, tc.contact, tc.campaign); !errors.Is(err, ErrUnknownReference) {
			t.Errorf("StartCall(%s,%s,%s): got %v, want ErrUnknownReference", tc.op, tc.contact, tc.campaign, err)
		}
	}
	if n := len(f.dialer.placedCalls()); n != 0 {
		t.Fatalf("no provider interaction expected for dangling references, got %d calls", n)
	}
}

func TestStartCallEnforcesOperatorSlot(t *testing.T) {
	f := newOrchestratorFixture(t)

	if _, err := f.orch.StartCall(context.Background(), "7", "42", "3"); err != nil {
		t.Fatalf("first StartCall: %v", err)
	}
	if _, err := f.orch.StartCall(context.Background(), "7", "42", "3"); !errors.Is(err, ErrOperatorBusy) {
		t.Fatalf("second StartCall: got %v, want ErrOperatorBusy", err)
	}
}

func TestStartCallRecordsPlacementFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.dialer.placeErr = &DialRejectedError{Title: "Bad Request", Detail: "invalid destination"}

	if _, err := f.orch.StartCall(context.Background(), "7", "42", "3"); err == nil {
		t.Fatal("expected an error")
	}

	legs, err := f.ledger.FindByCrmKeys(context.Background(), CrmFilter{OperatorID: "7"}, Page{})
	if err != nil {
		t.Fatalf("FindByCrmKeys: %v", err)
	}
	if len(legs) != 1 {
		t.Fatalf("expected one recorded leg, got %d", len(legs))
	}
	if legs[0].Status != StatusFailed || legs[0].ErrorTitle != "Bad Request" {
		t.Errorf("failure not recorded: %+v", legs[0])
	}

	// slot must be free again
	f.dialer.placeErr = nil
	if _, err := f.orch.StartCall(context.Background(), "7", "42", "3"); err != nil {
		t.Fatalf("StartCall after failure: %v", err)
	}
}

// Full operator-first lifecycle: the customer is dialed only after the
// operator answers, both legs bridge, and the hangup of one ends the other.
func TestOperatorFirstLifecycle(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	convID, err := f.orch.StartCall(ctx, "7", "42", "3")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	opLeg := "leg-1"

	f.deliver(t, Event{LegID: opLeg, ConversationID: convID, Status: StatusRinging})
	if n := len(f.dialer.placedCalls()); n != 1 {
		t.Fatalf("customer must not be dialed while the operator is ringing, got %d calls", n)
	}

	f.deliver(t, Event{LegID: opLeg, ConversationID: convID, Status: StatusAnswered})

	placed := f.dialer.placedCalls()
	if len(placed) != 2 {
		t.Fatalf("expected customer leg after operator answer, got %d calls", len(placed))
	}
	custReq := placed[1]
	if custReq.WaitForPeer {
		t.Error("customer leg must join immediately, not wait")
	}
	if custReq.To != (Party{Type: "phone", Number: "14155550142"}) {
		t.Errorf("unexpected customer destination: %+v", custReq.To)
	}
	if custReq.ConversationID != convID {
		t.Errorf("customer leg placed into conversation %q, want %q", custReq.ConversationID, convID)
	}
	custLeg := "leg-2"

	f.deliver(t, Event{LegID: custLeg, ConversationID: convID, Status: StatusRinging})
	f.deliver(t, Event{LegID: custLeg, ConversationID: convID, Status: StatusAnswered})

	ended := time.Date(2026, 2, 11, 10, 31, 2, 0, time.UTC)
	f.deliver(t, Event{
		LegID: custLeg, ConversationID: convID, Status: StatusCompleted,
		Timestamp: ended, DurationSeconds: 37, Rate: "0.0075", Price: "0.0046",
	})

	got := f.leg(t, custLeg)
	if got.Status != StatusCompleted || got.DurationSeconds != 37 || got.Price != "0.0046" {
		t.Errorf("customer leg not settled: %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("ended_at not taken from the event: %v", got.EndedAt)
	}

	if hung := f.dialer.hangUps(); len(hung) != 1 || hung[0] != opLeg {
		t.Fatalf("surviving operator leg must be hung up, got %v", hung)
	}

	f.deliver(t, Event{LegID: opLeg, ConversationID: convID, Status: StatusCompleted, DurationSeconds: 55})

	// conversation fully terminal, slot released
	if _, err := f.orch.StartCall(ctx, "7", "42", "3"); err != nil {
		t.Fatalf("operator slot not released after conversation end: %v", err)
	}
}

func TestNoCustomerLegWhenOperatorNeverAnswers(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	convID, err := f.orch.StartCall(ctx, "7", "42", "3")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusRinging})
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusNoAnswer})

	if n := len(f.dialer.placedCalls()); n != 1 {
		t.Fatalf("customer must never be dialed, got %d calls", n)
	}
	if n := len(f.dialer.hangUps()); n != 0 {
		t.Fatalf("nothing to hang up, got %v", f.dialer.hangUps())
	}

	// abandoned operator leg frees the slot
	if _, err := f.orch.StartCall(ctx, "7", "42", "3"); err != nil {
		t.Fatalf("slot not released: %v", err)
	}
}

func TestCustomerPlacementFailureLeavesOperatorConnected(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	convID, err := f.orch.StartCall(ctx, "7", "42", "3")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusRinging})

	f.dialer.placeErr = errors.New("provider unreachable")
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusAnswered})

	op := f.leg(t, "leg-1")
	if op.Status != StatusAnswered {
		t.Fatalf("operator leg must stay connected, got %s", op.Status)
	}
	if n := len(f.dialer.hangUps()); n != 0 {
		t.Fatalf("operator must not be hung up, got %v", f.dialer.hangUps())
	}

	legs, _ := f.ledger.FindByConversation(ctx, convID)
	var failed *CallLeg
	for i := range legs {
		if legs[i].Role == LegRoleCustomer {
			failed = &legs[i]
		}
	}
	if failed == nil || failed.Status != StatusFailed {
		t.Fatalf("customer placement failure must be recorded as a failed leg: %+v", legs)
	}
	if len(f.auditRc.ByType(audit.EventTypePlacementFailure)) == 0 {
		t.Error("expected a placement_failure audit record")
	}
}

func TestHandleEventReplayIsIdempotent(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	convID, err := f.orch.StartCall(ctx, "7", "42", "3")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusRinging})
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusFailed, ErrorTitle: "carrier error"})
	after := f.leg(t, "leg-1")

	// replay the terminal event, then a stale earlier one
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusFailed, ErrorTitle: "different title"})
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusRinging})

	replayed := f.leg(t, "leg-1")
	if replayed.Status != after.Status || replayed.ErrorTitle != after.ErrorTitle || !replayed.UpdatedAt.Equal(after.UpdatedAt) {
		t.Fatalf("replay mutated the leg:\n before %+v\n after  %+v", after, replayed)
	}
}

// Webhook delivery is not ordered: a status skipping intermediate steps must
// still advance the leg, and the late stragglers must not regress it.
func TestOutOfOrderEventsStillAdvance(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	convID, err := f.orch.StartCall(ctx, "7", "42", "3")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	// answered arrives before ringing
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusAnswered})

	if got := f.leg(t, "leg-1"); got.Status != StatusAnswered {
		t.Fatalf("forward jump dropped, leg stuck at %s", got.Status)
	}
	if n := len(f.dialer.placedCalls()); n != 2 {
		t.Fatalf("customer leg must follow the operator answer, got %d calls", n)
	}

	// the straggling ringing must not regress the leg
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusRinging})
	if got := f.leg(t, "leg-1"); got.Status != StatusAnswered {
		t.Fatalf("stale event regressed the leg to %s", got.Status)
	}

	// customer goes terminal without ever reporting answered
	f.deliver(t, Event{LegID: "leg-2", ConversationID: convID, Status: StatusCompleted, DurationSeconds: 12})
	if got := f.leg(t, "leg-2"); got.Status != StatusCompleted {
		t.Fatalf("customer jump dropped, leg stuck at %s", got.Status)
	}
	if hung := f.dialer.hangUps(); len(hung) != 1 || hung[0] != "leg-1" {
		t.Fatalf("surviving operator leg must be hung up, got %v", hung)
	}
}

func TestHandleEventDropsBackwardTransition(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	convID, err := f.orch.StartCall(ctx, "7", "42", "3")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusRinging})
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusAnswered})

	// answered -> ringing has no path through the graph
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusRinging})

	if got := f.leg(t, "leg-1"); got.Status != StatusAnswered {
		t.Fatalf("backward transition applied: %s", got.Status)
	}
	if len(f.auditRc.ByType(audit.EventTypeInvalidTransition)) != 1 {
		t.Error("expected an invalid_transition audit record")
	}
}

func TestHandleEventUnknownLegIsNoOp(t *testing.T) {
	f := newOrchestratorFixture(t)

	f.deliver(t, Event{LegID: "ghost", ConversationID: "nowhere", Status: StatusRinging})

	if len(f.auditRc.ByType(audit.EventTypeUnknownLeg)) != 1 {
		t.Error("expected a webhook_unknown_leg audit record")
	}
	if n := len(f.dialer.placedCalls()); n != 0 {
		t.Errorf("unknown leg must not trigger dialing, got %d calls", n)
	}
}

func TestConcurrentEventsConverge(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	convID, err := f.orch.StartCall(ctx, "7", "42", "3")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	// A storm of duplicated and reordered deliveries for the operator leg.
	events := []Event{
		{LegID: "leg-1", ConversationID: convID, Status: StatusRinging},
		{LegID: "leg-1", ConversationID: convID, Status: StatusRinging},
		{LegID: "leg-1", ConversationID: convID, Status: StatusAnswered},
		{LegID: "leg-1", ConversationID: convID, Status: StatusAnswered},
		{LegID: "leg-1", ConversationID: convID, Status: StatusRinging},
	}
	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		go func(ev Event) {
			defer wg.Done()
			if err := f.orch.HandleEvent(ctx, ev); err != nil {
				t.Errorf("HandleEvent: %v", err)
			}
		}(ev)
	}
	wg.Wait()

	if got := f.leg(t, "leg-1"); got.Status != StatusAnswered {
		t.Fatalf("expected answered after the storm, got %s", got.Status)
	}

	var customers int
	for _, req := range f.dialer.placedCalls()[1:] {
		if req.ConversationID == convID {
			customers++
		}
	}
	if customers != 1 {
		t.Fatalf("customer leg must be placed exactly once, got %d", customers)
	}
}

func TestHangUpTearsDownAllLiveLegs(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	convID, err := f.orch.StartCall(ctx, "7", "42", "3")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusRinging})
	f.deliver(t, Event{LegID: "leg-1", ConversationID: convID, Status: StatusAnswered})
	f.deliver(t, Event{LegID: "leg-2", ConversationID: convID, Status: StatusRinging})

	if err := f.orch.HangUp(ctx, "leg-2"); err != nil {
		t.Fatalf("HangUp: %v", err)
	}

	hung := f.dialer.hangUps()
	if len(hung) != 2 {
		t.Fatalf("both live legs must be hung up, got %v", hung)
	}
}

func TestHangUpUnknownLeg(t *testing.T) {
	f := newOrchestratorFixture(t)
	if err := f.orch.HangUp(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestGetCallStatusUnknownConversation(t *testing.T) {
	f := newOrchestratorFixture(t)
	if _, err := f.orch.GetCallStatus(context.Background(), "nowhere"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
