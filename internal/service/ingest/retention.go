package ingest

import (
	"context"
	"time"
)

const sweepTimeout = 30 * time.Second

// Run deletes samples older than the retention period, once at start and
// then every sweep interval. It blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	if s == nil {
		return
	}
	s.logger.Info("retention sweeper started", "retention", s.retention, "interval", s.sweep)
	s.sweepOnce(ctx)

	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	cutoff := s.now().UTC().Add(-s.retention)
	removed, err := s.repo.DeleteSamplesBefore(runCtx, cutoff)
	if err != nil {
		s.logger.Warn("retention sweep failed", "error", err, "cutoff", cutoff)
		return
	}
	if removed > 0 {
		s.logger.Info("expired samples removed", "count", removed, "cutoff", cutoff)
	}
}
