package rules

import (
	"context"
	"sync"
	"time"

	"github.com/badgekeep/badgekeep-backend/pkg/db/models"
	"github.com/badgekeep/badgekeep-backend/pkg/enums"
)

// CachedRule pairs a rule with its parsed condition so evaluation never
// re-parses the expression document.
type CachedRule struct {
	Rule      models.BadgeRule
	Condition Condition
}

// Cache serves parsed rules per event type with a short TTL. Invalidation on
// every rule mutation (create, update, deactivate, supply change) is a
// correctness requirement: evaluating against a stale supply ceiling could
// permit oversupply.
type Cache struct {
	repo Repository
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[enums.ActivityEventType]cacheEntry
}

type cacheEntry struct {
	rules     []CachedRule
	expiresAt time.Time
}

// NewCache builds a read-through rule cache over the repository.
func NewCache(repo Repository, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		repo:    repo,
		ttl:     ttl,
		now:     time.Now,
		entries: map[enums.ActivityEventType]cacheEntry{},
	}
}

// ValidForType returns the currently valid rules for the event type, parsed
// and ordered. Rules whose condition fails to parse are skipped; the caller
// sees only evaluable rules.
func (c *Cache) ValidForType(ctx context.Context, eventType enums.ActivityEventType) ([]CachedRule, error) {
	now := c.now()

	c.mu.Lock()
	if entry, ok := c.entries[eventType]; ok && now.Before(entry.expiresAt) {
		cached := entry.rules
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	rules, err := c.repo.ListValidForType(ctx, eventType, now.UTC())
	if err != nil {
		return nil, err
	}

	parsed := make([]CachedRule, 0, len(rules))
	for _, rule := range rules {
		condition, err := ParseCondition(rule.Condition)
		if err != nil {
			continue
		}
		parsed = append(parsed, CachedRule{Rule: rule, Condition: condition})
	}

	c.mu.Lock()
	c.entries[eventType] = cacheEntry{rules: parsed, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return parsed, nil
}

// Invalidate drops the cached rules for one event type.
func (c *Cache) Invalidate(eventType enums.ActivityEventType) {
	c.mu.Lock()
	delete(c.entries, eventType)
	c.mu.Unlock()
}

// InvalidateAll drops every cached entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = map[enums.ActivityEventType]cacheEntry{}
	c.mu.Unlock()
}
