package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard deduplicates across consumer replicas by claiming event
// IDs in Redis with SET NX. Keys are scoped per service so that the
// reminder engine and the audit ingestor can each process the same
// event once.
type RedisGuard struct {
	client  *redis.Client
	service string
	ttl     time.Duration
}

// NewRedisGuard creates a guard backed by client. A non-positive ttl
// falls back to DefaultTTL.
func NewRedisGuard(client *redis.Client, service string, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, service: service, ttl: ttl}
}

// Seen claims eventID for this service. The first caller to claim an ID
// gets false; every later caller within the TTL gets true. Errors from
// Redis are returned so callers can fail open.
func (g *RedisGuard) Seen(ctx context.Context, eventID string) (bool, error) {
	key := fmt.Sprintf("dedup:%s:%s", g.service, eventID)
	set, err := g.client.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check for %s: %w", eventID, err)
	}
	return !set, nil
}
