// Package dedup suppresses duplicate event deliveries. At-least-once
// brokers redeliver on consumer restarts and nacks, so consumers check
// each envelope's event ID against a guard before handling it.
package dedup

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long an event ID stays marked as seen. Redeliveries
// arrive within seconds of the original, so an hour is generous.
const DefaultTTL = time.Hour

// Guard reports whether an event ID has already been processed and
// marks it as seen in the same call. Implementations must be safe for
// concurrent use.
//
// A non-nil error means the guard could not answer. Callers treat that
// as "not seen" and process the event anyway: duplicate handling is
// preferable to dropping deliveries when the guard's backing store is
// down.
type Guard interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

// MemoryGuard tracks seen event IDs in process memory. It protects a
// single consumer instance against broker redeliveries but not against
// duplicates across replicas; deployments with multiple consumer
// replicas use RedisGuard instead.
type MemoryGuard struct {
	mu      sync.Mutex
	expires map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryGuard creates an in-process guard. A non-positive ttl falls
// back to DefaultTTL.
func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryGuard{
		expires: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Seen marks eventID as seen and reports whether it was already marked.
func (g *MemoryGuard) Seen(_ context.Context, eventID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.prune(now)

	if exp, ok := g.expires[eventID]; ok && exp.After(now) {
		return true, nil
	}
	g.expires[eventID] = now.Add(g.ttl)
	return false, nil
}

// prune drops expired entries. Called under the lock on every Seen;
// event volume is bounded by the per-connection rate limits upstream,
// so a linear sweep stays cheap.
func (g *MemoryGuard) prune(now time.Time) {
	for id, exp := range g.expires {
		if !exp.After(now) {
			delete(g.expires, id)
		}
	}
}

// Len reports how many unexpired IDs the guard currently tracks.
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prune(g.now())
	return len(g.expires)
}

// NopGuard never reports an event as seen. Used when deduplication is
// disabled.
type NopGuard struct{}

// Seen always returns false.
func (NopGuard) Seen(context.Context, string) (bool, error) {
	return false, nil
}
