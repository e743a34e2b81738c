package signing

import (
	"context"
	"sync"
	"time"
)

// LocalGate is an in-process RefreshGate for single-instance deployments.
type LocalGate struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

// NewLocalGate admits one refresh per sheet per cooldown.
func NewLocalGate(cooldown time.Duration) *LocalGate {
	return &LocalGate{
		cooldown: cooldown,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether a refresh for sheetID may proceed now.
func (g *LocalGate) Allow(_ context.Context, sheetID string) (bool, error) {
	if g.cooldown <= 0 {
		return true, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if last, ok := g.last[sheetID]; ok && now.Sub(last) < g.cooldown {
		return false, nil
	}
	g.last[sheetID] = now
	// Drop stale entries so the map does not grow without bound.
	if len(g.last) > 10000 {
		for id, t := range g.last {
			if now.Sub(t) >= g.cooldown {
				delete(g.last, id)
			}
		}
	}
	return true, nil
}
