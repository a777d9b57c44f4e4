package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweep runs one expiry pass and records a failure for every session
// it expired
func (p *Pipeline) Sweep(ctx context.Context) (expired, removed int, err error) {
	sweepCtx, cancel := p.storeContext(ctx)
	res, err := p.sessions.Sweep(sweepCtx)
	cancel()
	if res == nil {
		return 0, 0, err
	}

	// Sessions already moved to Expired are reported even during shutdown
	for _, s := range res.Expired {
		storeCtx, cancel := p.storeContext(context.WithoutCancel(ctx))
		rerr := p.router.ReportClosed(storeCtx, s)
		cancel()
		if rerr != nil {
			log.Error().Err(rerr).Str("session", s.Key.String()).Msg("Failed to record expired session")
		}
	}
	return len(res.Expired), res.Removed, err
}

// RunSweeper sweeps on every interval tick until ctx is done
func (p *Pipeline) RunSweeper(ctx context.Context) {
	interval := p.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Session sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session sweeper stopped")
			return
		case <-ticker.C:
			expired, removed, err := p.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Session sweep failed")
			}
			if expired > 0 || removed > 0 {
				log.Info().Int("expired", expired).Int("removed", removed).Msg("Session sweep completed")
			}
		}
	}
}
