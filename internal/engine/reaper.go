package engine

import (
	"context"
	"time"
)

// RunReaper expires stale sessions every interval until ctx is done.
func (e *Engine) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.ExpireStale(ctx)
			if err != nil {
				e.logger.Printf("reaper: %v", err)
			}
			if n > 0 {
				e.logger.Printf("reaper: expired %d sessions", n)
			}
		}
	}
}
