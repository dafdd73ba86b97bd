// Package lifecycle owns the call state machine, billing finalization and
// the reconciliation fallback against the provider's call-detail API.
package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dialtide/voicebridge/internal/billing"
	"github.com/dialtide/voicebridge/internal/metrics"
	"github.com/dialtide/voicebridge/internal/pool"
	"github.com/dialtide/voicebridge/internal/storage"
	"github.com/dialtide/voicebridge/internal/telephony"
	"github.com/dialtide/voicebridge/internal/types"
)

// Service drives calls through pending → initiated → ringing → in-progress
// → terminal, and guarantees exactly one pool release and one billing
// finalization per call no matter which termination path fires first.
type Service struct {
	store    storage.Store
	ledger   billing.Ledger
	pool     *pool.Manager
	provider telephony.CallControl

	streamURL      func(callID string) string
	statusCallback string

	staleAfter   time.Duration
	abandonAfter time.Duration

	// mu serializes status transitions; webhook, socket-close and sweeper
	// paths may race on the same call
	mu sync.Mutex

	sidMu  sync.Mutex
	sidMap map[string]string // provider sid -> call id

	onTransition func(types.Call)

	logger zerolog.Logger
}

// Options configures a lifecycle Service
type Options struct {
	Store          storage.Store
	Ledger         billing.Ledger
	Pool           *pool.Manager
	Provider       telephony.CallControl
	StreamURL      func(callID string) string
	StatusCallback string
	StaleAfter     time.Duration
	AbandonAfter   time.Duration
	// OnTransition, when set, observes every applied status change
	OnTransition func(types.Call)
	Logger       zerolog.Logger
}

// NewService creates a lifecycle service
func NewService(opts Options) *Service {
	return &Service{
		store:          opts.Store,
		ledger:         opts.Ledger,
		pool:           opts.Pool,
		provider:       opts.Provider,
		streamURL:      opts.StreamURL,
		statusCallback: opts.StatusCallback,
		staleAfter:     opts.StaleAfter,
		abandonAfter:   opts.AbandonAfter,
		sidMap:         make(map[string]string),
		onTransition:   opts.OnTransition,
		logger:         opts.Logger,
	}
}

// RegisterProviderSID records the provider's correlation id for a call so
// webhook deliveries keyed by provider sid can find it
func (s *Service) RegisterProviderSID(providerSID, callID string) {
	if providerSID == "" {
		return
	}
	s.sidMu.Lock()
	s.sidMap[providerSID] = callID
	s.sidMu.Unlock()
}

// ResolveCallID maps a provider sid back to the internal call id. Returns
// the sid itself when no mapping exists (inbound calls keyed directly).
func (s *Service) ResolveCallID(providerSID string) string {
	s.sidMu.Lock()
	defer s.sidMu.Unlock()
	if callID, ok := s.sidMap[providerSID]; ok {
		return callID
	}
	return providerSID
}

// InitiateCall validates credit, reserves a pool slot, creates the pending
// record and places the outbound call. The slot never leaks: any failure
// after reservation releases it and marks the call failed.
func (s *Service) InitiateCall(ctx context.Context, from, to, ownerID, credentialID string, agent types.AgentConfig) (*types.Call, error) {
	balance, err := s.ledger.Balance(ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check credit balance: %w", err)
	}
	if balance < 1 {
		return nil, fmt.Errorf("insufficient credit for owner %s", ownerID)
	}

	callID := uuid.NewString()
	if !s.pool.Reserve(callID, credentialID) {
		return nil, fmt.Errorf("no pool capacity for credential %s", credentialID)
	}

	call := types.Call{
		CallID:       callID,
		Direction:    types.DirectionOutbound,
		From:         from,
		To:           to,
		CredentialID: credentialID,
		OwnerID:      ownerID,
		Status:       types.CallStatusPending,
		StartedAt:    time.Now(),
		Metadata:     map[string]string{"agentId": agent.AgentID},
	}
	if err := s.store.SaveCall(call); err != nil {
		s.pool.Release(callID)
		return nil, fmt.Errorf("failed to persist call record: %w", err)
	}

	twiml := telephony.ConnectStream(s.streamURL(callID))
	providerSID, err := s.provider.CreateCall(ctx, from, to, twiml, s.statusCallback)
	if err != nil {
		s.pool.Release(callID)
		call.Status = types.CallStatusFailed
		call.Metadata["error"] = err.Error()
		now := time.Now()
		call.EndedAt = &now
		if saveErr := s.store.SaveCall(call); saveErr != nil {
			s.logger.Error().Err(saveErr).Str("call_id", callID).Msg("failed to persist failed call")
		}
		metrics.Get().RecordCallStatus(types.CallStatusFailed)
		return nil, fmt.Errorf("provider rejected call: %w", err)
	}

	call.ProviderSID = providerSID
	call.Status = types.CallStatusInitiated
	if err := s.store.SaveCall(call); err != nil {
		s.logger.Error().Err(err).Str("call_id", callID).Msg("failed to persist initiated call")
	}
	s.RegisterProviderSID(providerSID, callID)

	metrics.Get().RecordCallInitiated()
	metrics.Get().RecordCallStatus(types.CallStatusInitiated)
	s.logger.Info().
		Str("call_id", callID).
		Str("provider_sid", providerSID).
		Str("to", to).
		Msg("outbound call initiated")
	return &call, nil
}

// CreateInboundCall records a freshly answered inbound call in pending
func (s *Service) CreateInboundCall(callID, providerSID, from, to, ownerID, credentialID string, agent types.AgentConfig) (*types.Call, error) {
	call := types.Call{
		CallID:       callID,
		ProviderSID:  providerSID,
		Direction:    types.DirectionInbound,
		From:         from,
		To:           to,
		CredentialID: credentialID,
		OwnerID:      ownerID,
		Status:       types.CallStatusPending,
		StartedAt:    time.Now(),
		Metadata:     map[string]string{"agentId": agent.AgentID},
	}
	if err := s.store.SaveCall(call); err != nil {
		return nil, fmt.Errorf("failed to persist inbound call: %w", err)
	}
	s.RegisterProviderSID(providerSID, callID)
	return &call, nil
}

// GetCall returns the stored record for a call
func (s *Service) GetCall(callID string) (*types.Call, error) {
	return s.store.GetCall(callID)
}

// HandleStatusUpdate applies one status event to the call. Both push
// (webhooks, socket close) and pull (reconciliation) paths funnel through
// here; the terminal short-circuit makes duplicate deliveries no-ops.
// explicitDurationSecs overrides the computed duration when non-nil.
func (s *Service) HandleStatusUpdate(callID string, newStatus types.CallStatus, meta map[string]string, explicitDurationSecs *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, err := s.store.GetCall(callID)
	if err != nil {
		return fmt.Errorf("failed to load call %s: %w", callID, err)
	}
	if call == nil {
		return fmt.Errorf("unknown call %s", callID)
	}
	if call.Status.IsTerminal() {
		s.logger.Debug().
			Str("call_id", callID).
			Str("status", string(call.Status)).
			Str("delivered", string(newStatus)).
			Msg("status update for terminal call ignored")
		return nil
	}

	if call.Metadata == nil {
		call.Metadata = make(map[string]string)
	}
	for k, v := range meta {
		call.Metadata[k] = v
	}

	now := time.Now()
	switch {
	case newStatus == types.CallStatusInProgress:
		if call.AnsweredAt == nil {
			call.AnsweredAt = &now
		}
		call.Status = newStatus
	case newStatus.IsTerminal():
		s.finalize(call, newStatus, explicitDurationSecs, now)
	default:
		// Out-of-order deliveries must not walk the call backwards
		if statusRank(newStatus) > statusRank(call.Status) {
			call.Status = newStatus
		}
	}

	if err := s.store.SaveCall(*call); err != nil {
		return fmt.Errorf("failed to persist status update: %w", err)
	}
	metrics.Get().RecordCallStatus(call.Status)
	if s.onTransition != nil {
		s.onTransition(*call)
	}
	return nil
}

// finalize performs the one-time terminal transition: slot release,
// duration computation and credit deduction. Billing failure overrides the
// delivered status.
func (s *Service) finalize(call *types.Call, newStatus types.CallStatus, explicitDurationSecs *int, now time.Time) {
	call.Status = newStatus
	call.EndedAt = &now
	s.pool.Release(call.CallID)

	switch {
	case explicitDurationSecs != nil:
		call.DurationSecs = *explicitDurationSecs
	case call.AnsweredAt != nil:
		call.DurationSecs = int(now.Sub(*call.AnsweredAt).Seconds())
	default:
		call.DurationSecs = 0
	}

	units := (call.DurationSecs + 59) / 60
	if units > 0 && !call.CreditsDeducted {
		if err := s.ledger.Deduct(call.OwnerID, units); err != nil {
			call.Status = types.CallStatusFailed
			call.Metadata["billingError"] = err.Error()
			metrics.Get().RecordBillingFailure()
			s.logger.Error().
				Err(err).
				Str("call_id", call.CallID).
				Int("units", units).
				Msg("credit deduction failed")
		} else {
			call.CreditsDeducted = true
			metrics.Get().RecordCreditsDeducted(units)
		}
	}

	s.logger.Info().
		Str("call_id", call.CallID).
		Str("status", string(call.Status)).
		Int("duration_secs", call.DurationSecs).
		Int("units", units).
		Msg("call finalized")
}

// AttachTranscript stores the flattened transcript from a finished bridge
// session
func (s *Service) AttachTranscript(callID, transcript string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, err := s.store.GetCall(callID)
	if err != nil || call == nil {
		return
	}
	call.Transcript = transcript
	if err := s.store.SaveCall(*call); err != nil {
		s.logger.Error().Err(err).Str("call_id", callID).Msg("failed to persist transcript")
	}
}

// AttachRecording stores the recording reference delivered by the provider
func (s *Service) AttachRecording(callID, recordingURL, recordingSID string, durationSecs int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, err := s.store.GetCall(callID)
	if err != nil || call == nil {
		return
	}
	call.RecordingURL = recordingURL
	call.RecordingSID = recordingSID
	call.RecordingDuration = durationSecs
	if err := s.store.SaveCall(*call); err != nil {
		s.logger.Error().Err(err).Str("call_id", callID).Msg("failed to persist recording")
	}
}

// ForceEnd hangs the call up at the provider and marks it with the given
// terminal status. Used by the campaign watcher's max-duration cap and by
// cancellation.
func (s *Service) ForceEnd(ctx context.Context, callID string, status types.CallStatus) error {
	call, err := s.store.GetCall(callID)
	if err != nil {
		return err
	}
	if call == nil || call.Status.IsTerminal() {
		return nil
	}

	if call.ProviderSID != "" {
		if err := s.provider.HangupCall(ctx, call.ProviderSID); err != nil {
			s.logger.Warn().Err(err).Str("call_id", callID).Msg("force-end hangup failed")
		}
	}
	return s.HandleStatusUpdate(callID, status, map[string]string{"forceEnded": "true"}, nil)
}

// ReconcileFromProvider pulls the provider's call detail and funnels the
// mapped status back through HandleStatusUpdate. This is the fallback for
// lost webhooks.
func (s *Service) ReconcileFromProvider(ctx context.Context, callID string) error {
	call, err := s.store.GetCall(callID)
	if err != nil {
		return err
	}
	if call == nil || call.Status.IsTerminal() {
		return nil
	}

	metrics.Get().RecordReconciliation()

	detail, err := s.provider.GetCall(ctx, call.ProviderSID)
	if err != nil {
		return fmt.Errorf("provider detail fetch failed for %s: %w", callID, err)
	}

	mapped := MapProviderStatus(detail.Status, detail.HangupCause)
	meta := map[string]string{"reconciled": "true"}
	if detail.HangupCause != "" {
		meta["hangupCause"] = detail.HangupCause
	}

	var durationPtr *int
	if detail.Duration != "" {
		if secs, convErr := strconv.Atoi(detail.Duration); convErr == nil {
			durationPtr = &secs
		}
	}
	return s.HandleStatusUpdate(callID, mapped, meta, durationPtr)
}

// statusRank orders the non-terminal statuses for regression checks
func statusRank(status types.CallStatus) int {
	switch status {
	case types.CallStatusPending:
		return 0
	case types.CallStatusInitiated:
		return 1
	case types.CallStatusRinging:
		return 2
	case types.CallStatusInProgress:
		return 3
	}
	return 4
}

// MapProviderStatus translates the provider's status vocabulary onto the
// internal enum. An unrecognized or empty status with a hangup cause means
// the call did end; without one the call is considered failed.
func MapProviderStatus(providerStatus, hangupCause string) types.CallStatus {
	switch providerStatus {
	case "queued", "initiated":
		return types.CallStatusInitiated
	case "ringing":
		return types.CallStatusRinging
	case "in-progress", "answered":
		return types.CallStatusInProgress
	case "completed":
		return types.CallStatusCompleted
	case "busy":
		return types.CallStatusBusy
	case "failed":
		return types.CallStatusFailed
	case "no-answer":
		return types.CallStatusNoAnswer
	case "canceled":
		return types.CallStatusCanceled
	}
	if hangupCause != "" {
		return types.CallStatusCompleted
	}
	return types.CallStatusFailed
}
