package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialtide/voicebridge/internal/billing"
	"github.com/dialtide/voicebridge/internal/pool"
	"github.com/dialtide/voicebridge/internal/storage"
	"github.com/dialtide/voicebridge/internal/telephony"
	"github.com/dialtide/voicebridge/internal/types"
)

type fakeProvider struct {
	mu         sync.Mutex
	createErr  error
	detail     *telephony.CallDetail
	detailErr  error
	hangups    int
	getCallers int
}

func (p *fakeProvider) CreateCall(ctx context.Context, from, to, twiml, statusCallback string) (string, error) {
	if p.createErr != nil {
		return "", p.createErr
	}
	return "PSID-" + to, nil
}

func (p *fakeProvider) GetCall(ctx context.Context, sid string) (*telephony.CallDetail, error) {
	p.mu.Lock()
	p.getCallers++
	p.mu.Unlock()
	if p.detailErr != nil {
		return nil, p.detailErr
	}
	return p.detail, nil
}

func (p *fakeProvider) HangupCall(ctx context.Context, sid string) error {
	p.mu.Lock()
	p.hangups++
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) RedirectCall(ctx context.Context, sid, url string) error     { return nil }
func (p *fakeProvider) StopStream(ctx context.Context, sid, streamSID string) error { return nil }
func (p *fakeProvider) PlayAudio(ctx context.Context, sid, url string) error        { return nil }
func (p *fakeProvider) FetchAudioSize(ctx context.Context, url string) (int64, error) {
	return 0, nil
}

type fixture struct {
	service  *Service
	store    *storage.MemoryStore
	ledger   *billing.MemoryLedger
	pool     *pool.Manager
	provider *fakeProvider
}

func newFixture(credits int) *fixture {
	f := &fixture{
		store:    storage.NewMemoryStore(),
		ledger:   billing.NewMemoryLedger(map[string]int{"owner-1": credits}),
		pool:     pool.NewManager(5, zerolog.Nop()),
		provider: &fakeProvider{},
	}
	f.service = NewService(Options{
		Store:          f.store,
		Ledger:         f.ledger,
		Pool:           f.pool,
		Provider:       f.provider,
		StreamURL:      func(callID string) string { return "wss://voice.example.com/stream/" + callID },
		StatusCallback: "https://voice.example.com/webhooks/voice/status",
		StaleAfter:     5 * time.Minute,
		AbandonAfter:   20 * time.Minute,
		Logger:         zerolog.Nop(),
	})
	return f
}

func (f *fixture) agent() types.AgentConfig {
	return types.AgentConfig{AgentID: "agent-1", Instructions: "Be helpful.", Voice: "alloy"}
}

func TestInitiateCall(t *testing.T) {
	f := newFixture(10)

	call, err := f.service.InitiateCall(context.Background(), "+15550001111", "+15550002222", "owner-1", "cred-1", f.agent())
	if err != nil {
		t.Fatalf("InitiateCall failed: %v", err)
	}
	if call.Status != types.CallStatusInitiated {
		t.Errorf("expected initiated, got %s", call.Status)
	}
	if call.ProviderSID == "" {
		t.Error("provider sid not stored")
	}
	if got := f.pool.ActiveCount("cred-1"); got != 1 {
		t.Errorf("expected 1 reserved slot, got %d", got)
	}
	if got := f.service.ResolveCallID(call.ProviderSID); got != call.CallID {
		t.Errorf("sid mapping broken: %s", got)
	}
}

func TestInitiateCallInsufficientCredit(t *testing.T) {
	f := newFixture(0)

	if _, err := f.service.InitiateCall(context.Background(), "+1555", "+1556", "owner-1", "cred-1", f.agent()); err == nil {
		t.Fatal("expected credit rejection")
	}
	if got := f.pool.TotalActive(); got != 0 {
		t.Errorf("no slot should be reserved, got %d", got)
	}
}

func TestInitiateCallProviderFailureReleasesSlot(t *testing.T) {
	f := newFixture(10)
	f.provider.createErr = errors.New("number unreachable")

	_, err := f.service.InitiateCall(context.Background(), "+1555", "+1556", "owner-1", "cred-1", f.agent())
	if err == nil {
		t.Fatal("expected provider error")
	}
	if got := f.pool.TotalActive(); got != 0 {
		t.Errorf("slot leaked, %d active", got)
	}

	// The failed record carries the reason
	calls, _ := f.store.ListStaleCalls(time.Now().Add(time.Hour))
	if len(calls) != 0 {
		t.Errorf("failed call should be terminal, got %d stale", len(calls))
	}
}

func seedCall(f *fixture, callID string, status types.CallStatus, answeredAgo time.Duration) {
	call := types.Call{
		CallID:       callID,
		ProviderSID:  "PSID-" + callID,
		Direction:    types.DirectionOutbound,
		CredentialID: "cred-1",
		OwnerID:      "owner-1",
		Status:       status,
		StartedAt:    time.Now().Add(-answeredAgo - time.Minute),
	}
	if answeredAgo > 0 {
		answered := time.Now().Add(-answeredAgo)
		call.AnsweredAt = &answered
	}
	f.store.SaveCall(call)
	f.pool.Reserve(callID, "cred-1")
}

func TestBillingDeductsCeilOfMinutes(t *testing.T) {
	f := newFixture(10)
	seedCall(f, "call-1", types.CallStatusInProgress, time.Minute)

	duration := 125
	if err := f.service.HandleStatusUpdate("call-1", types.CallStatusCompleted, nil, &duration); err != nil {
		t.Fatalf("HandleStatusUpdate failed: %v", err)
	}

	balance, _ := f.ledger.Balance("owner-1")
	if balance != 7 {
		t.Errorf("expected 3 units deducted (balance 7), got balance %d", balance)
	}

	call, _ := f.store.GetCall("call-1")
	if call.DurationSecs != 125 || !call.CreditsDeducted {
		t.Errorf("finalization wrong: %+v", call)
	}
	if got := f.pool.TotalActive(); got != 0 {
		t.Errorf("slot not released, %d active", got)
	}
}

func TestRepeatedTerminalDeliveryIsNoOp(t *testing.T) {
	f := newFixture(10)
	seedCall(f, "call-1", types.CallStatusInProgress, time.Minute)

	duration := 61
	f.service.HandleStatusUpdate("call-1", types.CallStatusCompleted, nil, &duration)
	f.service.HandleStatusUpdate("call-1", types.CallStatusCompleted, nil, &duration)
	f.service.HandleStatusUpdate("call-1", types.CallStatusFailed, nil, nil)

	balance, _ := f.ledger.Balance("owner-1")
	if balance != 8 {
		t.Errorf("expected one 2-unit deduction (balance 8), got %d", balance)
	}
	call, _ := f.store.GetCall("call-1")
	if call.Status != types.CallStatusCompleted {
		t.Errorf("terminal status must not change, got %s", call.Status)
	}
}

func TestBillingFailureOverridesStatus(t *testing.T) {
	f := newFixture(1)
	seedCall(f, "call-1", types.CallStatusInProgress, time.Minute)

	duration := 600 // 10 units, balance only has 1
	f.service.HandleStatusUpdate("call-1", types.CallStatusCompleted, nil, &duration)

	call, _ := f.store.GetCall("call-1")
	if call.Status != types.CallStatusFailed {
		t.Errorf("billing failure must win, got %s", call.Status)
	}
	if call.Metadata["billingError"] == "" {
		t.Error("billing failure reason not recorded")
	}
	balance, _ := f.ledger.Balance("owner-1")
	if balance != 1 {
		t.Errorf("no partial deduction allowed, balance %d", balance)
	}
}

func TestDurationFallsBackToAnsweredAt(t *testing.T) {
	f := newFixture(10)
	seedCall(f, "call-1", types.CallStatusInProgress, 90*time.Second)

	f.service.HandleStatusUpdate("call-1", types.CallStatusCompleted, nil, nil)

	call, _ := f.store.GetCall("call-1")
	if call.DurationSecs < 89 || call.DurationSecs > 92 {
		t.Errorf("expected ~90s duration, got %d", call.DurationSecs)
	}
	balance, _ := f.ledger.Balance("owner-1")
	if balance != 8 {
		t.Errorf("expected 2 units deducted, balance %d", balance)
	}
}

func TestUnansweredTerminalBillsNothing(t *testing.T) {
	f := newFixture(10)
	seedCall(f, "call-1", types.CallStatusRinging, 0)

	f.service.HandleStatusUpdate("call-1", types.CallStatusNoAnswer, nil, nil)

	balance, _ := f.ledger.Balance("owner-1")
	if balance != 10 {
		t.Errorf("no deduction expected, balance %d", balance)
	}
	call, _ := f.store.GetCall("call-1")
	if call.DurationSecs != 0 {
		t.Errorf("expected 0 duration, got %d", call.DurationSecs)
	}
}

func TestStatusDoesNotRegress(t *testing.T) {
	f := newFixture(10)
	seedCall(f, "call-1", types.CallStatusInProgress, time.Minute)

	f.service.HandleStatusUpdate("call-1", types.CallStatusRinging, nil, nil)

	call, _ := f.store.GetCall("call-1")
	if call.Status != types.CallStatusInProgress {
		t.Errorf("late ringing event regressed status to %s", call.Status)
	}
}

func TestMapProviderStatus(t *testing.T) {
	tests := []struct {
		provider string
		cause    string
		want     types.CallStatus
	}{
		{"queued", "", types.CallStatusInitiated},
		{"ringing", "", types.CallStatusRinging},
		{"in-progress", "", types.CallStatusInProgress},
		{"answered", "", types.CallStatusInProgress},
		{"completed", "", types.CallStatusCompleted},
		{"busy", "", types.CallStatusBusy},
		{"no-answer", "", types.CallStatusNoAnswer},
		{"canceled", "", types.CallStatusCanceled},
		{"failed", "", types.CallStatusFailed},
		{"something-new", "normal_clearing", types.CallStatusCompleted},
		{"", "normal_clearing", types.CallStatusCompleted},
		{"something-new", "", types.CallStatusFailed},
		{"", "", types.CallStatusFailed},
	}

	for _, tt := range tests {
		if got := MapProviderStatus(tt.provider, tt.cause); got != tt.want {
			t.Errorf("MapProviderStatus(%q, %q) = %s, want %s", tt.provider, tt.cause, got, tt.want)
		}
	}
}

func TestReconcileFromProvider(t *testing.T) {
	f := newFixture(10)
	seedCall(f, "call-1", types.CallStatusInitiated, 0)
	f.provider.detail = &telephony.CallDetail{SID: "PSID-call-1", Status: "completed", Duration: "65"}

	if err := f.service.ReconcileFromProvider(context.Background(), "call-1"); err != nil {
		t.Fatalf("ReconcileFromProvider failed: %v", err)
	}

	call, _ := f.store.GetCall("call-1")
	if call.Status != types.CallStatusCompleted {
		t.Errorf("expected completed, got %s", call.Status)
	}
	if call.DurationSecs != 65 {
		t.Errorf("provider duration not applied, got %d", call.DurationSecs)
	}
	balance, _ := f.ledger.Balance("owner-1")
	if balance != 8 {
		t.Errorf("expected 2 units deducted, balance %d", balance)
	}
}

func TestReconcileSkipsTerminalCalls(t *testing.T) {
	f := newFixture(10)
	seedCall(f, "call-1", types.CallStatusInProgress, time.Minute)
	duration := 60
	f.service.HandleStatusUpdate("call-1", types.CallStatusCompleted, nil, &duration)

	if err := f.service.ReconcileFromProvider(context.Background(), "call-1"); err != nil {
		t.Fatalf("ReconcileFromProvider failed: %v", err)
	}
	if f.provider.getCallers != 0 {
		t.Errorf("no provider fetch expected for terminal call, got %d", f.provider.getCallers)
	}
}

func TestSweepAbandonsOldUnansweredCalls(t *testing.T) {
	f := newFixture(10)
	seedCall(f, "call-1", types.CallStatusInitiated, 0)

	// Age the record past the abandon window
	call, _ := f.store.GetCall("call-1")
	call.StartedAt = time.Now().Add(-25 * time.Minute)
	f.store.SaveCall(*call)

	f.service.sweep(context.Background())

	call, _ = f.store.GetCall("call-1")
	if call.Status != types.CallStatusFailed {
		t.Errorf("expected forced failure, got %s", call.Status)
	}
	if f.provider.getCallers != 0 {
		t.Errorf("abandonment must not call the provider, got %d fetches", f.provider.getCallers)
	}
	if got := f.pool.TotalActive(); got != 0 {
		t.Errorf("slot not released, %d active", got)
	}
}

func TestSweepReconcilesStaleCalls(t *testing.T) {
	f := newFixture(10)
	seedCall(f, "call-1", types.CallStatusInitiated, 0)
	f.provider.detail = &telephony.CallDetail{SID: "PSID-call-1", Status: "no-answer"}

	call, _ := f.store.GetCall("call-1")
	call.StartedAt = time.Now().Add(-10 * time.Minute)
	f.store.SaveCall(*call)

	f.service.sweep(context.Background())

	call, _ = f.store.GetCall("call-1")
	if call.Status != types.CallStatusNoAnswer {
		t.Errorf("expected no-answer from reconciliation, got %s", call.Status)
	}
}

func TestForceEndHangsUp(t *testing.T) {
	f := newFixture(10)
	seedCall(f, "call-1", types.CallStatusInProgress, time.Minute)

	if err := f.service.ForceEnd(context.Background(), "call-1", types.CallStatusCompleted); err != nil {
		t.Fatalf("ForceEnd failed: %v", err)
	}
	if f.provider.hangups != 1 {
		t.Errorf("expected 1 hangup, got %d", f.provider.hangups)
	}
	call, _ := f.store.GetCall("call-1")
	if !call.Status.IsTerminal() {
		t.Errorf("expected terminal status, got %s", call.Status)
	}

	// A second force-end is a no-op
	f.service.ForceEnd(context.Background(), "call-1", types.CallStatusCompleted)
	if f.provider.hangups != 1 {
		t.Errorf("expected no second hangup, got %d", f.provider.hangups)
	}
}
