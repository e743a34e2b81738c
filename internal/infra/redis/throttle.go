package redis

import (
	"context"
	"fmt"
	"time"
)

// RefreshGate throttles manual status refreshes per sheet across instances.
type RefreshGate struct {
	client   *Client
	cooldown time.Duration
}

// NewRefreshGate creates a gate that admits one refresh per sheet per cooldown.
func NewRefreshGate(client *Client, cooldown time.Duration) *RefreshGate {
	return &RefreshGate{client: client, cooldown: cooldown}
}

// Allow reports whether a refresh for sheetID may proceed now.
func (g *RefreshGate) Allow(ctx context.Context, sheetID string) (bool, error) {
	if g.cooldown <= 0 {
		return true, nil
	}
	ok, err := g.client.rdb.SetNX(ctx, g.client.key("refresh", sheetID), "1", g.cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}
