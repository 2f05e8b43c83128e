package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// syncRefresh keeps the token refresh loop running exactly while a profile
// is present.
func (s *Synchronizer) syncRefresh(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case active && s.refreshStop == nil:
		if s.closed || s.ctx == nil || s.ctx.Err() != nil {
			return
		}
		stop := make(chan struct{})
		s.refreshStop = stop
		s.wg.Add(1)
		go s.refreshLoop(s.ctx, stop)
	case !active && s.refreshStop != nil:
		close(s.refreshStop)
		s.refreshStop = nil
	}
}

func (s *Synchronizer) refreshLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.deps.Identity.RefreshToken(ctx, true); err != nil {
				s.log.Warn("failed to refresh identity token", zap.Error(err))
				continue
			}
			s.log.Debug("identity token refreshed")
		}
	}
}
