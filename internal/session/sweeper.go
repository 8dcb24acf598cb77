package session

import (
	"context"
	"time"
)

// Sweeper periodically deletes sessions past their retention window. It runs
// on its own timer so sweep cost never lands on a request path.
type Sweeper struct {
	manager   *Manager
	retention time.Duration
	interval  time.Duration
}

// NewSweeper creates a Sweeper. If interval is <= 0, it defaults to 5 minutes.
func NewSweeper(manager *Manager, retention, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{manager: manager, retention: retention, interval: interval}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.manager.Sweep(s.retention); err != nil {
				s.manager.logger.Error("session sweep failed", "error", err)
			}
		}
	}
}
