package lifecycle

import (
	"context"
	"time"

	"github.com/dialtide/voicebridge/internal/metrics"
	"github.com/dialtide/voicebridge/internal/types"
)

// RunSweeper periodically reconciles calls stuck in a non-terminal status.
// Calls stale past the short window get a provider detail fetch; calls
// unanswered past the long window are force-failed without an API call.
// Blocks until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", interval).
		Dur("stale_after", s.staleAfter).
		Dur("abandon_after", s.abandonAfter).
		Msg("reconciliation sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("reconciliation sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	now := time.Now()
	stale, err := s.store.ListStaleCalls(now.Add(-s.staleAfter))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list stale calls")
		return
	}

	for _, call := range stale {
		if ctx.Err() != nil {
			return
		}
		// Answered calls terminate through webhooks or socket close; the
		// sweeper only chases calls the provider never confirmed.
		if call.Status == types.CallStatusInProgress {
			continue
		}

		if call.AnsweredAt == nil && now.Sub(call.StartedAt) > s.abandonAfter {
			s.logger.Warn().
				Str("call_id", call.CallID).
				Str("status", string(call.Status)).
				Msg("abandoning call stuck past the long window")
			metrics.Get().RecordForcedFailure()
			if err := s.HandleStatusUpdate(call.CallID, types.CallStatusFailed,
				map[string]string{"error": "abandoned after staleness timeout"}, nil); err != nil {
				s.logger.Error().Err(err).Str("call_id", call.CallID).Msg("failed to abandon call")
			}
			continue
		}

		if err := s.ReconcileFromProvider(ctx, call.CallID); err != nil {
			s.logger.Warn().Err(err).Str("call_id", call.CallID).Msg("reconciliation failed")
		}
	}
}
