package campaign

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dialtide/voicebridge/internal/lifecycle"
	"github.com/dialtide/voicebridge/internal/pool"
	"github.com/dialtide/voicebridge/internal/storage"
	"github.com/dialtide/voicebridge/internal/types"
	"github.com/dialtide/voicebridge/internal/webhook"
)

// Manager owns all campaign runners
type Manager struct {
	mu      sync.Mutex
	runners map[string]*runner

	store     storage.Store
	lifecycle *lifecycle.Service
	pool      *pool.Manager
	setups    *webhook.Setups
	logger    zerolog.Logger
}

// NewManager creates a campaign manager
func NewManager(store storage.Store, lc *lifecycle.Service, p *pool.Manager, setups *webhook.Setups, logger zerolog.Logger) *Manager {
	return &Manager{
		runners:   make(map[string]*runner),
		store:     store,
		lifecycle: lc,
		pool:      p,
		setups:    setups,
		logger:    logger,
	}
}

// Start launches a campaign. A campaign that is already running is rejected;
// a drained one may be started again.
func (m *Manager) Start(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.runners[cfg.CampaignID]; ok {
		if existing.snapshot().Running {
			return fmt.Errorf("campaign %s is already running", cfg.CampaignID)
		}
	}

	r := newRunner(cfg, m.store, m.lifecycle, m.pool, m.setups, m.logger)
	m.runners[cfg.CampaignID] = r
	r.start(ctx)
	return nil
}

func (m *Manager) get(campaignID string) (*runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[campaignID]
	if !ok {
		return nil, fmt.Errorf("unknown campaign %s", campaignID)
	}
	return r, nil
}

// Pause suspends dialing; in-flight calls run to completion
func (m *Manager) Pause(campaignID string) error {
	r, err := m.get(campaignID)
	if err != nil {
		return err
	}
	r.setPaused(true)
	m.logger.Info().Str("campaign_id", campaignID).Msg("campaign paused")
	return nil
}

// Resume restarts dialing after a pause
func (m *Manager) Resume(campaignID string) error {
	r, err := m.get(campaignID)
	if err != nil {
		return err
	}
	r.setPaused(false)
	m.logger.Info().Str("campaign_id", campaignID).Msg("campaign resumed")
	return nil
}

// Cancel stops the campaign: queued contacts fail immediately, in-flight
// calls are force-ended
func (m *Manager) Cancel(campaignID string) error {
	r, err := m.get(campaignID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Snapshots returns a point-in-time snapshot of every known campaign
func (m *Manager) Snapshots() []types.CampaignSnapshot {
	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	snapshots := make([]types.CampaignSnapshot, 0, len(runners))
	for _, r := range runners {
		snapshots = append(snapshots, r.snapshot())
	}
	return snapshots
}

// Status returns a point-in-time snapshot of the campaign
func (m *Manager) Status(campaignID string) (types.CampaignSnapshot, error) {
	r, err := m.get(campaignID)
	if err != nil {
		return types.CampaignSnapshot{}, err
	}
	return r.snapshot(), nil
}

// Wait blocks until the campaign's loop exits. Used by tests and shutdown.
func (m *Manager) Wait(campaignID string) error {
	r, err := m.get(campaignID)
	if err != nil {
		return err
	}
	<-r.done
	return nil
}

// Shutdown cancels every running campaign and waits for the loops to exit
func (m *Manager) Shutdown() {
	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		r.mu.Lock()
		cancel := r.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	for _, r := range runners {
		<-r.done
	}
}
