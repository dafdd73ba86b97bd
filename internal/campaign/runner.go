// Package campaign schedules batches of outbound calls against a
// concurrency ceiling, refilling its queue from the contact store and
// reconciling completions idempotently.
package campaign

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialtide/voicebridge/internal/lifecycle"
	"github.com/dialtide/voicebridge/internal/metrics"
	"github.com/dialtide/voicebridge/internal/pool"
	"github.com/dialtide/voicebridge/internal/storage"
	"github.com/dialtide/voicebridge/internal/types"
	"github.com/dialtide/voicebridge/internal/webhook"
)

const (
	refillBatchSize    = 50
	refillLowWater     = 5
	idleWait           = 2 * time.Second
	watchPollEvery     = 3 * time.Second
	defaultMaxCallTime = 15 * time.Minute
)

// Config describes one campaign run
type Config struct {
	CampaignID      string
	From            string // outbound caller id
	CredentialID    string
	OwnerID         string
	Agent           types.AgentConfig
	Concurrency     int
	InterCallDelay  time.Duration
	MaxCallDuration time.Duration
}

// runner drives one campaign's dial loop
type runner struct {
	cfg       Config
	store     storage.Store
	lifecycle *lifecycle.Service
	pool      *pool.Manager
	setups    *webhook.Setups
	logger    zerolog.Logger

	mu        sync.Mutex
	queue     []types.Contact
	inFlight  map[string]types.Contact // call id -> contact
	counted   map[string]bool          // contact id -> completion already recorded
	completed int
	failed    int
	paused    bool
	running   bool

	cancel context.CancelFunc
	done   chan struct{}

	// poll cadences, overridable in tests
	pollEvery time.Duration
	idle      time.Duration
}

func newRunner(cfg Config, store storage.Store, lc *lifecycle.Service, p *pool.Manager, setups *webhook.Setups, logger zerolog.Logger) *runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = defaultMaxCallTime
	}
	return &runner{
		cfg:       cfg,
		store:     store,
		lifecycle: lc,
		pool:      p,
		setups:    setups,
		logger:    logger.With().Str("campaign_id", cfg.CampaignID).Logger(),
		inFlight:  make(map[string]types.Contact),
		counted:   make(map[string]bool),
		done:      make(chan struct{}),
		pollEvery: watchPollEvery,
		idle:      idleWait,
	}
}

func (r *runner) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()
	go r.loop(ctx)
}

// loop is the dial loop: refill, dial up to the ceiling, delay, repeat.
// Exits when the queue and in-flight set are both drained or the campaign
// is cancelled.
func (r *runner) loop(ctx context.Context) {
	defer close(r.done)
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	r.logger.Info().Int("concurrency", r.cfg.Concurrency).Msg("campaign started")

	for {
		if ctx.Err() != nil {
			r.drainOnCancel()
			return
		}

		if r.isPaused() {
			select {
			case <-ctx.Done():
				r.drainOnCancel()
				return
			case <-time.After(r.idle):
			}
			continue
		}

		r.refill()

		r.mu.Lock()
		queueEmpty := len(r.queue) == 0
		inFlightEmpty := len(r.inFlight) == 0
		completed, failed := r.completed, r.failed
		r.mu.Unlock()

		if queueEmpty && inFlightEmpty {
			r.logger.Info().Int("completed", completed).Int("failed", failed).Msg("campaign drained")
			return
		}

		started := r.tryStartNext(ctx)

		var wait time.Duration
		if started {
			wait = r.cfg.InterCallDelay
		} else {
			wait = r.idle
		}
		select {
		case <-ctx.Done():
			r.drainOnCancel()
			return
		case <-time.After(wait):
		}
	}
}

// refill tops the queue up from persisted pending contacts when it runs low
func (r *runner) refill() {
	r.mu.Lock()
	low := len(r.queue) < refillLowWater
	r.mu.Unlock()
	if !low {
		return
	}

	contacts, err := r.store.ListPendingContacts(r.cfg.CampaignID, refillBatchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("queue refill failed")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	queued := make(map[string]bool, len(r.queue))
	for _, c := range r.queue {
		queued[c.ContactID] = true
	}
	inFlightContacts := make(map[string]bool, len(r.inFlight))
	for _, c := range r.inFlight {
		inFlightContacts[c.ContactID] = true
	}

	for _, c := range contacts {
		if queued[c.ContactID] || inFlightContacts[c.ContactID] || r.counted[c.ContactID] {
			continue
		}
		r.queue = append(r.queue, c)
	}
}

// tryStartNext dials the next contact if the concurrency ceiling and the
// pool both have room. Returns true when a call was started.
func (r *runner) tryStartNext(ctx context.Context) bool {
	r.mu.Lock()
	if len(r.queue) == 0 || len(r.inFlight) >= r.cfg.Concurrency {
		r.mu.Unlock()
		return false
	}
	if !r.pool.CanReserve(r.cfg.CredentialID) {
		r.mu.Unlock()
		return false
	}
	contact := r.queue[0]
	r.queue = r.queue[1:]
	r.mu.Unlock()

	// Each dial is independent; one failure never blocks the loop
	call, err := r.lifecycle.InitiateCall(ctx, r.cfg.From, contact.Phone, r.cfg.OwnerID, r.cfg.CredentialID, r.cfg.Agent)
	if err != nil {
		r.logger.Warn().Err(err).Str("contact_id", contact.ContactID).Msg("dial failed")
		r.finishContact(contact, "", false)
		return false
	}

	contact.Status = types.ContactStatusDialing
	contact.CallID = call.CallID
	contact.UpdatedAt = time.Now()
	if err := r.store.SaveContact(contact); err != nil {
		r.logger.Error().Err(err).Str("contact_id", contact.ContactID).Msg("failed to persist dialing contact")
	}

	r.setups.Register(call.CallID, webhook.Setup{
		ProviderSID:  call.ProviderSID,
		CredentialID: r.cfg.CredentialID,
		OwnerID:      r.cfg.OwnerID,
		Direction:    types.DirectionOutbound,
		From:         r.cfg.From,
		To:           contact.Phone,
		Agent:        r.cfg.Agent,
	})

	r.mu.Lock()
	r.inFlight[call.CallID] = contact
	r.mu.Unlock()

	metrics.Get().RecordCampaignCallStarted()
	go r.watch(ctx, call.CallID, contact)
	return true
}

// watch polls the call until it goes terminal, force-ending it at the max
// call duration
func (r *runner) watch(ctx context.Context, callID string, contact types.Contact) {
	deadline := time.Now().Add(r.cfg.MaxCallDuration)
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		call, err := r.lifecycle.GetCall(callID)
		if err != nil || call == nil {
			continue
		}
		if call.Status.IsTerminal() {
			r.finishContact(contact, callID, call.Status == types.CallStatusCompleted)
			return
		}

		if time.Now().After(deadline) {
			r.logger.Warn().Str("call_id", callID).Msg("max call duration reached, force-ending")
			if err := r.lifecycle.ForceEnd(ctx, callID, types.CallStatusCompleted); err != nil {
				r.logger.Error().Err(err).Str("call_id", callID).Msg("force-end failed")
			}
			r.finishContact(contact, callID, true)
			return
		}
	}
}

// finishContact records one contact's outcome exactly once, no matter how
// many paths observe the terminal status
func (r *runner) finishContact(contact types.Contact, callID string, succeeded bool) {
	r.mu.Lock()
	if r.counted[contact.ContactID] {
		r.mu.Unlock()
		return
	}
	r.counted[contact.ContactID] = true
	if callID != "" {
		delete(r.inFlight, callID)
	}
	if succeeded {
		r.completed++
	} else {
		r.failed++
	}
	r.mu.Unlock()

	status := types.ContactStatusFailed
	if succeeded {
		status = types.ContactStatusCompleted
		metrics.Get().RecordCampaignCallCompleted()
	} else {
		metrics.Get().RecordCampaignCallFailed()
	}

	contact.Status = status
	contact.CallID = callID
	contact.UpdatedAt = time.Now()
	if err := r.store.SaveContact(contact); err != nil {
		r.logger.Error().Err(err).Str("contact_id", contact.ContactID).Msg("failed to persist contact outcome")
	}
}

// drainOnCancel fails all queued contacts and force-ends in-flight calls
func (r *runner) drainOnCancel() {
	r.mu.Lock()
	queued := r.queue
	r.queue = nil
	inFlight := make(map[string]types.Contact, len(r.inFlight))
	for id, c := range r.inFlight {
		inFlight[id] = c
	}
	r.mu.Unlock()

	for _, contact := range queued {
		r.finishContact(contact, "", false)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for callID, contact := range inFlight {
		if err := r.lifecycle.ForceEnd(ctx, callID, types.CallStatusCanceled); err != nil {
			r.logger.Error().Err(err).Str("call_id", callID).Msg("cancel force-end failed")
		}
		r.setups.Drop(callID)
		r.finishContact(contact, callID, false)
	}

	r.mu.Lock()
	completed, failed := r.completed, r.failed
	r.mu.Unlock()
	r.logger.Info().Int("completed", completed).Int("failed", failed).Msg("campaign cancelled")
}

func (r *runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *runner) setPaused(paused bool) {
	r.mu.Lock()
	r.paused = paused
	r.mu.Unlock()
}

func (r *runner) snapshot() types.CampaignSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.CampaignSnapshot{
		CampaignID: r.cfg.CampaignID,
		Running:    r.running,
		Paused:     r.paused,
		QueueDepth: len(r.queue),
		InFlight:   len(r.inFlight),
		Completed:  r.completed,
		Failed:     r.failed,
		Timestamp:  time.Now(),
	}
}
