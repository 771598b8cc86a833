// Package tier caches subscription tiers so goal-limit checks do not hit
// storage on every request.
package tier

import (
	"context"
	"sync"
	"time"

	"github.com/tasbih-app/tasbih/internal/domain"
	"github.com/tasbih-app/tasbih/internal/infra/observability"
)

// Source resolves a user's tier from the system of record.
type Source interface {
	GetTier(ctx context.Context, userID string) (domain.Tier, error)
}

// DefaultFreeGoalLimit is the number of active goals a free user may hold.
const DefaultFreeGoalLimit = 3

type entry struct {
	tier    domain.Tier
	expires time.Time
}

// Cache is a per-user tier cache with a fixed time-to-live.
type Cache struct {
	// TTL bounds how long a lookup is reused. Zero disables caching.
	TTL time.Duration
	// FreeGoalLimit caps active goals on the free tier. Zero or less
	// means unlimited.
	FreeGoalLimit int

	src Source
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// NewCache creates a cache in front of src.
func NewCache(src Source, ttl time.Duration) *Cache {
	return &Cache{
		TTL:           ttl,
		FreeGoalLimit: DefaultFreeGoalLimit,
		src:           src,
		now:           time.Now,
		entries:       make(map[string]entry),
	}
}

// Get returns the user's tier, consulting the source when the cached value
// is missing or expired. Source failures are returned and not cached.
func (c *Cache) Get(ctx context.Context, userID string) (domain.Tier, error) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[userID]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		observability.TierCacheLookups.WithLabelValues("hit").Inc()
		return e.tier, nil
	}
	observability.TierCacheLookups.WithLabelValues("miss").Inc()

	t, err := c.src.GetTier(ctx, userID)
	if err != nil {
		return "", err
	}
	if c.TTL > 0 {
		c.mu.Lock()
		c.entries[userID] = entry{tier: t, expires: now.Add(c.TTL)}
		c.mu.Unlock()
	}
	return t, nil
}

// Invalidate drops the cached tier for userID, e.g. after a purchase.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// GoalLimit returns the maximum number of active goals for userID, or 0
// when unlimited.
func (c *Cache) GoalLimit(ctx context.Context, userID string) (int, error) {
	t, err := c.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	if t == domain.TierPremium || c.FreeGoalLimit <= 0 {
		return 0, nil
	}
	return c.FreeGoalLimit, nil
}
