package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type SetRuleRequest struct {
	ModelID          string
	Provider         string
	TokensPerCredit  decimal.Decimal
	InputMultiplier  decimal.Decimal
	OutputMultiplier decimal.Decimal
	IsActive         bool
}

type Service interface {
	// RuleForModel returns the active rule for the model, the stored
	// global override, or the built-in default, in that order.
	RuleForModel(ctx context.Context, modelID string) (PricingRule, error)
	// SetRule upserts the rule for a model, deactivating any previously
	// active rule for the same model id.
	SetRule(ctx context.Context, req SetRuleRequest) (*PricingRule, error)
	ListRules(ctx context.Context) ([]PricingRule, error)
	DeleteRule(ctx context.Context, id string) error
	// CalculateCost prices a request in credits, ceiling-rounded to two
	// decimal places.
	CalculateCost(ctx context.Context, modelID string, tokensInput, tokensOutput int64) (decimal.Decimal, error)
}

var (
	ErrInvalidTokenCount = errors.New("invalid_token_count")
	ErrInvalidRule       = errors.New("invalid_pricing_rule")
	ErrRuleNotFound      = errors.New("pricing_rule_not_found")
)
