package store

import (
	"context"
	"time"

	"github.com/sells-group/comp-engine/internal/cache"
	"github.com/sells-group/comp-engine/internal/model"
)

// CachedRules decorates a RowSource so FetchRules is served from a TTL
// cache. Rows and entities always go to the underlying source. Every caller
// gets its own copy of a cached rule set.
type CachedRules struct {
	RowSource
	rules *cache.TTL[string, *model.RuleSet]
}

// NewCachedRules wraps src. A non-positive ttl passes every call through.
func NewCachedRules(src RowSource, ttl time.Duration, maxEntries int, now func() time.Time) *CachedRules {
	return &CachedRules{
		RowSource: src,
		rules:     cache.NewTTL[string, *model.RuleSet](ttl, maxEntries, now),
	}
}

func (c *CachedRules) FetchRules(ctx context.Context, tenantID, ruleSetID string) (*model.RuleSet, error) {
	key := ruleSetKey(tenantID, ruleSetID)
	if rs, ok := c.rules.Get(key); ok {
		return rs.Clone(), nil
	}
	rs, err := c.RowSource.FetchRules(ctx, tenantID, ruleSetID)
	if err != nil {
		return nil, err
	}
	c.rules.Set(key, rs.Clone())
	return rs, nil
}

// Invalidate drops a cached rule set, e.g. after it is re-saved.
func (c *CachedRules) Invalidate(tenantID, ruleSetID string) {
	c.rules.Delete(ruleSetKey(tenantID, ruleSetID))
}

// Stats reports cache counters.
func (c *CachedRules) Stats() cache.Stats { return c.rules.Stats() }
