package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/secretpredictions/engine/internal/domain"
)

// revealTTL bounds how long a pending-reveal marker survives without being
// cleared. The poller re-requests from the persistent store after expiry.
const revealTTL = 24 * time.Hour

// RevealCache implements domain.RevealCache using a Redis set of gateway
// handles per market.
//
// Key schema:
//
//	reveal:pending:{marketID} - set of reveal handle strings
type RevealCache struct {
	rdb *redis.Client
}

// NewRevealCache creates a RevealCache backed by the given Client.
func NewRevealCache(c *Client) *RevealCache {
	return &RevealCache{rdb: c.Underlying()}
}

func revealKey(marketID string) string { return "reveal:pending:" + marketID }

// SetPending records an in-flight reveal handle for a market.
func (rc *RevealCache) SetPending(ctx context.Context, marketID string, h domain.RevealHandle) error {
	key := revealKey(marketID)

	pipe := rc.rdb.TxPipeline()
	pipe.SAdd(ctx, key, string(h))
	pipe.Expire(ctx, key, revealTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set pending reveal %s: %w", marketID, err)
	}
	return nil
}

// ClearPending drops all pending markers for a market.
func (rc *RevealCache) ClearPending(ctx context.Context, marketID string) error {
	if err := rc.rdb.Del(ctx, revealKey(marketID)).Err(); err != nil {
		return fmt.Errorf("redis: clear pending reveals %s: %w", marketID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RevealCache = (*RevealCache)(nil)
