package main

import (
	"context"
	"log"
	"time"

	"chathub/server/internal/roster"
)

// RunMetrics logs roster occupancy every interval until ctx is canceled,
// skipping intervals in which the roster holds no entries at all.
func RunMetrics(ctx context.Context, ros *roster.Roster, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := ros.Stats()
			if s.Active > 0 || s.Total > 0 {
				log.Printf("[metrics] active=%d total=%d", s.Active, s.Total)
			}
		}
	}
}
