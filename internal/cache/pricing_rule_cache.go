package cache

import (
	"strings"
	"time"

	pricingdomain "github.com/creditgate/creditgate/internal/pricing/domain"
)

const defaultRuleTTL = 5 * time.Minute

// PricingRuleCache keeps resolved pricing rules out of the per-request
// hot path. Entries are invalidated whenever an administrator rewrites
// a rule.
type PricingRuleCache interface {
	Get(modelID string) (pricingdomain.PricingRule, bool)
	Set(modelID string, rule pricingdomain.PricingRule)
	Invalidate(modelID string)
}

type pricingRuleCache struct {
	rules Cache[string, pricingdomain.PricingRule]
	ttl   time.Duration
}

// NewPricingRuleCache returns an in-memory cache tuned for rule lookups.
func NewPricingRuleCache() PricingRuleCache {
	return &pricingRuleCache{
		rules: NewTTLCache[string, pricingdomain.PricingRule](),
		ttl:   defaultRuleTTL,
	}
}

func (c *pricingRuleCache) Get(modelID string) (pricingdomain.PricingRule, bool) {
	return c.rules.Get(ruleKey(modelID))
}

func (c *pricingRuleCache) Set(modelID string, rule pricingdomain.PricingRule) {
	c.rules.Set(ruleKey(modelID), rule, c.ttl)
}

func (c *pricingRuleCache) Invalidate(modelID string) {
	c.rules.Delete(ruleKey(modelID))
}

func ruleKey(modelID string) string {
	return strings.ToLower(strings.TrimSpace(modelID))
}
