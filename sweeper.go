package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically collects sessions past their TTL and feeds them into
// the registered handler. Expiry rides the same cascade as a disconnect so
// both paths maintain identical invariants.
type Sweeper struct {
	Interval time.Duration
	Sessions SessionRegistry
	OnExpire func(ctx context.Context, batch []Session)
	Log      zerolog.Logger
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	batch, err := s.Sessions.ExpiredSessions(ctx)

	if err != nil {
		s.Log.Error().Err(err).Msg("expiry scan failed")
		return
	}

	if len(batch) == 0 {
		return
	}

	s.Log.Info().Int("count", len(batch)).Msg("expiring sessions")

	if s.OnExpire != nil {
		s.OnExpire(ctx, batch)
	}
}
