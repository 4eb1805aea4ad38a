package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/creditgate/creditgate/internal/cache"
	pricingdomain "github.com/creditgate/creditgate/internal/pricing/domain"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, ruleCache cache.PricingRuleCache) pricingdomain.Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&pricingdomain.PricingRule{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	return NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		RuleCache: ruleCache,
	})
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCalculateCost_DefaultRule(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	cost, err := svc.CalculateCost(ctx, "unpriced-model", 100, 100)
	assert.NoError(t, err)
	assert.True(t, cost.Equal(dec("2")), "100+100 tokens at 100/credit = 2, got %s", cost)
}

func TestCalculateCost_CeilingNeverUndercharges(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	// A single token must still cost a cent.
	cost, err := svc.CalculateCost(ctx, "m", 1, 0)
	assert.NoError(t, err)
	assert.True(t, cost.Equal(dec("0.01")), "1 token must round up to 0.01, got %s", cost)

	// 101/100 divides to exact cents; no rounding applies.
	cost, err = svc.CalculateCost(ctx, "m", 101, 0)
	assert.NoError(t, err)
	assert.True(t, cost.Equal(dec("1.01")), "101 tokens at 100/credit cost exactly 1.01, got %s", cost)

	// A coarser rule leaves a sub-cent remainder: 101/1000 = 0.101,
	// which must ceil to 0.11, never truncate to 0.10.
	_, err = svc.SetRule(ctx, pricingdomain.SetRuleRequest{
		ModelID:          "coarse",
		TokensPerCredit:  dec("1000"),
		InputMultiplier:  dec("1"),
		OutputMultiplier: dec("1"),
		IsActive:         true,
	})
	assert.NoError(t, err)
	cost, err = svc.CalculateCost(ctx, "coarse", 101, 0)
	assert.NoError(t, err)
	assert.True(t, cost.Equal(dec("0.11")), "0.101 must ceil to 0.11, got %s", cost)

	cost, err = svc.CalculateCost(ctx, "m", 0, 0)
	assert.NoError(t, err)
	assert.True(t, cost.IsZero())
}

func TestCalculateCost_Monotonic(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	prev := decimal.Zero
	for tokens := int64(0); tokens <= 500; tokens += 37 {
		cost, err := svc.CalculateCost(ctx, "m", tokens, tokens/2)
		assert.NoError(t, err)
		assert.True(t, cost.GreaterThanOrEqual(prev),
			"cost must be non-decreasing in token counts: %s < %s at %d", cost, prev, tokens)
		prev = cost
	}
}

func TestCalculateCost_Validation(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.CalculateCost(context.Background(), "m", -1, 0)
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidTokenCount)
}

func TestSetRule_SupersedesActiveRule(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.SetRule(ctx, pricingdomain.SetRuleRequest{
		ModelID:          "gpt-x",
		TokensPerCredit:  dec("1000"),
		InputMultiplier:  dec("1"),
		OutputMultiplier: dec("1"),
		IsActive:         true,
	})
	assert.NoError(t, err)

	_, err = svc.SetRule(ctx, pricingdomain.SetRuleRequest{
		ModelID:          "gpt-x",
		TokensPerCredit:  dec("200"),
		InputMultiplier:  dec("1"),
		OutputMultiplier: dec("2"),
		IsActive:         true,
	})
	assert.NoError(t, err)

	rule, err := svc.RuleForModel(ctx, "gpt-x")
	assert.NoError(t, err)
	assert.True(t, rule.TokensPerCredit.Equal(dec("200")), "latest rule must win")

	rules, err := svc.ListRules(ctx)
	assert.NoError(t, err)
	active := 0
	for _, r := range rules {
		if r.ModelID == "gpt-x" && r.IsActive {
			active++
		}
	}
	assert.Equal(t, 1, active, "at most one active rule per model")

	// Output now costs double.
	cost, err := svc.CalculateCost(ctx, "gpt-x", 100, 100)
	assert.NoError(t, err)
	assert.True(t, cost.Equal(dec("1.5")), "got %s", cost)
}

func TestSetRule_GlobalOverrideAndValidation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.SetRule(ctx, pricingdomain.SetRuleRequest{
		TokensPerCredit:  dec("0"),
		InputMultiplier:  dec("1"),
		OutputMultiplier: dec("1"),
	})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidRule)

	// An empty model id replaces the built-in default for every model.
	_, err = svc.SetRule(ctx, pricingdomain.SetRuleRequest{
		ModelID:          "",
		TokensPerCredit:  dec("50"),
		InputMultiplier:  dec("1"),
		OutputMultiplier: dec("1"),
		IsActive:         true,
	})
	assert.NoError(t, err)

	cost, err := svc.CalculateCost(ctx, "anything", 50, 0)
	assert.NoError(t, err)
	assert.True(t, cost.Equal(dec("1")), "global override must apply, got %s", cost)
}

func TestRuleForModel_CacheInvalidation(t *testing.T) {
	ruleCache := cache.NewPricingRuleCache()
	svc := newTestService(t, ruleCache)
	ctx := context.Background()

	rule, err := svc.RuleForModel(ctx, "cached-model")
	assert.NoError(t, err)
	assert.True(t, rule.TokensPerCredit.Equal(dec("100")))

	_, err = svc.SetRule(ctx, pricingdomain.SetRuleRequest{
		ModelID:          "cached-model",
		TokensPerCredit:  dec("10"),
		InputMultiplier:  dec("1"),
		OutputMultiplier: dec("1"),
		IsActive:         true,
	})
	assert.NoError(t, err)

	rule, err = svc.RuleForModel(ctx, "cached-model")
	assert.NoError(t, err)
	assert.True(t, rule.TokensPerCredit.Equal(dec("10")), "SetRule must invalidate the cached rule")
}
