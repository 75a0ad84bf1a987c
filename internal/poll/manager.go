package poll

import (
	"context"
	"log"
	"time"
)

// Manager runs periodic poll passes in the background for deployments
// without an external scheduler hitting the poll endpoints.
type Manager struct {
	Poller    *Poller
	Interval  time.Duration
	Providers []string
}

// Run polls each configured provider every Interval until ctx is cancelled.
// Passes for the providers run sequentially; a pass failure is logged and the
// next tick retries.
func (m *Manager) Run(ctx context.Context) {
	if m.Interval <= 0 || len(m.Providers) == 0 {
		return
	}

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	log.Printf("poll scheduler: every %s for %v", m.Interval, m.Providers)
	for {
		select {
		case <-ctx.Done():
			log.Printf("poll scheduler: stopping")
			return
		case <-ticker.C:
			for _, provider := range m.Providers {
				res, err := m.Poller.Run(ctx, provider)
				if err != nil {
					log.Printf("poll scheduler: %s pass failed: %v", provider, err)
					continue
				}
				if res.Processed > 0 {
					log.Printf("poll scheduler: %s pass processed %d messages", provider, res.Processed)
				}
			}
		}
	}
}
