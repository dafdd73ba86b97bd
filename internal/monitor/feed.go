package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialtide/voicebridge/internal/metrics"
	"github.com/dialtide/voicebridge/internal/types"
)

// CampaignSource exposes campaign snapshots to the feed
type CampaignSource interface {
	Snapshots() []types.CampaignSnapshot
}

// PoolSource exposes pool occupancy to the feed
type PoolSource interface {
	Ceiling() int
	Snapshot() map[string]int
	TotalActive() int
}

// SessionSource exposes the live bridge session count to the feed
type SessionSource interface {
	ActiveSessions() int
}

// Frame is one broadcast of the operations feed
type Frame struct {
	Type             string                   `json:"type"`
	Timestamp        time.Time                `json:"timestamp"`
	PoolCeiling      int                      `json:"poolCeiling"`
	PoolByCredential map[string]int           `json:"poolByCredential"`
	PoolActive       int                      `json:"poolActive"`
	ActiveSessions   int                      `json:"activeSessions"`
	Campaigns        []types.CampaignSnapshot `json:"campaigns"`
	Transitions      []Transition             `json:"transitions,omitempty"`
	Alerts           []Alert                  `json:"alerts,omitempty"`
}

// Feed periodically collects pool, session and campaign state and
// broadcasts it to the hub's clients
type Feed struct {
	pool        PoolSource
	sessions    SessionSource
	campaigns   CampaignSource
	transitions *TransitionLog
	hub         *Hub
	interval    time.Duration
	logger      zerolog.Logger
}

// NewFeed creates a feed broadcasting every interval
func NewFeed(pool PoolSource, sessions SessionSource, campaigns CampaignSource, transitions *TransitionLog, hub *Hub, interval time.Duration, logger zerolog.Logger) *Feed {
	return &Feed{
		pool:        pool,
		sessions:    sessions,
		campaigns:   campaigns,
		transitions: transitions,
		hub:         hub,
		interval:    interval,
		logger:      logger,
	}
}

// Start begins collecting and broadcasting feed frames
func (f *Feed) Start(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Info().Dur("interval", f.interval).Msg("operations feed started")

	for {
		select {
		case <-ctx.Done():
			f.logger.Info().Msg("operations feed stopped")
			return

		case <-ticker.C:
			// Transitions drain and the pool gauge updates even with no
			// clients connected so neither goes stale
			transitions := f.transitions.GetAndClear()
			metrics.Get().UpdatePoolStats(f.pool.Snapshot())
			if f.hub.ClientCount() == 0 {
				continue
			}

			frame := f.collect(transitions)
			data, err := json.Marshal(frame)
			if err != nil {
				f.logger.Error().Err(err).Msg("failed to marshal feed frame")
				continue
			}
			f.hub.Broadcast(data)

			f.logger.Debug().
				Int("transitions", len(transitions)).
				Int("campaigns", len(frame.Campaigns)).
				Int("alerts", len(frame.Alerts)).
				Int("clients", f.hub.ClientCount()).
				Msg("feed frame broadcasted")
		}
	}
}

func (f *Feed) collect(transitions []Transition) Frame {
	poolByCredential := f.pool.Snapshot()
	campaigns := f.campaigns.Snapshots()

	return Frame{
		Type:             "ops_overview",
		Timestamp:        time.Now(),
		PoolCeiling:      f.pool.Ceiling(),
		PoolByCredential: poolByCredential,
		PoolActive:       f.pool.TotalActive(),
		ActiveSessions:   f.sessions.ActiveSessions(),
		Campaigns:        campaigns,
		Transitions:      transitions,
		Alerts:           CheckAlerts(f.pool.Ceiling(), poolByCredential, campaigns),
	}
}
