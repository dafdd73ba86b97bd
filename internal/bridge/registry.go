// Package bridge runs the per-call audio and control-plane bridge between
// the telephony provider's media stream and the speech-AI realtime
// connection: transcoding both directions, accumulating the transcript,
// and executing mid-call tool invocations.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialtide/voicebridge/internal/pool"
	"github.com/dialtide/voicebridge/internal/speech"
	"github.com/dialtide/voicebridge/internal/telephony"
)

// SpeechDialer opens realtime speech sessions. Satisfied by speech.Dialer
// and by fakes in tests.
type SpeechDialer interface {
	Dial(ctx context.Context) (speech.Conn, error)
}

// Transfer is a pending call transfer awaiting the provider's follow-up
// markup fetch
type Transfer struct {
	Target   string
	CallerID string
}

// Registry tracks the one live session and at most one pending transfer
// per call id. Webhook handlers, socket handlers and timers all look
// sessions up here.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	transfers map[string]Transfer

	pool     *pool.Manager
	provider telephony.CallControl
	dialer   SpeechDialer

	publicBaseURL string
	transferPause time.Duration
	logger        zerolog.Logger
}

// NewRegistry creates a session registry sharing one pool, provider client
// and speech dialer across all calls
func NewRegistry(p *pool.Manager, provider telephony.CallControl, dialer SpeechDialer, publicBaseURL string, logger zerolog.Logger) *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		transfers:     make(map[string]Transfer),
		pool:          p,
		provider:      provider,
		dialer:        dialer,
		publicBaseURL: publicBaseURL,
		transferPause: 3 * time.Second,
		logger:        logger,
	}
}

// Create reserves a pool slot, connects to the speech service and registers
// a new session for the call. Fails without side effects when the call
// already has a session or the credential is at its ceiling.
func (r *Registry) Create(ctx context.Context, params SessionParams) (*Session, error) {
	r.mu.Lock()
	if _, exists := r.sessions[params.CallID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("session already exists for call %s", params.CallID)
	}
	// Claim the call id before dialing so a concurrent create for the
	// same call fails fast instead of racing the speech dial
	r.sessions[params.CallID] = nil
	r.mu.Unlock()

	// A slot reserved at initiate time for this call carries over; Reserve
	// only rejects at the ceiling or on a credential mismatch
	if !r.pool.Reserve(params.CallID, params.CredentialID) {
		r.Remove(params.CallID)
		return nil, fmt.Errorf("no pool capacity for credential %s", params.CredentialID)
	}

	session, err := newSession(ctx, r, params)
	if err != nil {
		r.pool.Release(params.CallID)
		r.Remove(params.CallID)
		return nil, err
	}

	r.mu.Lock()
	r.sessions[params.CallID] = session
	r.mu.Unlock()

	return session, nil
}

// Get returns the live session for the call, or nil
func (r *Registry) Get(callID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[callID]
}

// Remove drops the session from the registry. The session itself is torn
// down by End.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	delete(r.sessions, callID)
	r.mu.Unlock()
}

// ActiveSessions returns the number of registered sessions
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SetPendingTransfer records the transfer the provider's markup fetch will
// consume. A second transfer for the same call supersedes the first.
func (r *Registry) SetPendingTransfer(callID string, t Transfer) {
	r.mu.Lock()
	r.transfers[callID] = t
	r.mu.Unlock()
}

// TakePendingTransfer consumes and clears the pending transfer for the call
func (r *Registry) TakePendingTransfer(callID string) (Transfer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[callID]
	if ok {
		delete(r.transfers, callID)
	}
	return t, ok
}
