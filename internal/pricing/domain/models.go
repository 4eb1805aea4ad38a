package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// DefaultRule is the global fallback applied when a model carries no
// active rule. Billing never fails for lack of configuration.
func DefaultRule() PricingRule {
	return PricingRule{
		TokensPerCredit:  decimal.NewFromInt(100),
		InputMultiplier:  decimal.NewFromInt(1),
		OutputMultiplier: decimal.NewFromInt(1),
		IsActive:         true,
	}
}

// PricingRule maps token counts to credit cost for one model. At most
// one active rule exists per model id; an empty ModelID overrides the
// built-in default for all models.
type PricingRule struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	ModelID          string          `gorm:"type:text;not null;index:ix_pricing_rules_model_id" json:"model_id"`
	Provider         string          `gorm:"type:text" json:"provider,omitempty"`
	TokensPerCredit  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"tokens_per_credit"`
	InputMultiplier  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"input_multiplier"`
	OutputMultiplier decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"output_multiplier"`
	IsActive         bool            `gorm:"not null;default:true" json:"is_active"`
	CreatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (PricingRule) TableName() string { return "pricing_rules" }

// Cost prices a request against this rule. The result is rounded up to
// two decimal places so the charge never falls below the provider's
// real cost.
func (r PricingRule) Cost(tokensInput, tokensOutput int64) decimal.Decimal {
	perCredit := r.TokensPerCredit
	if !perCredit.IsPositive() {
		perCredit = decimal.NewFromInt(100)
	}
	effective := decimal.NewFromInt(tokensInput).Mul(r.InputMultiplier).
		Add(decimal.NewFromInt(tokensOutput).Mul(r.OutputMultiplier))
	if !effective.IsPositive() {
		return decimal.Zero
	}
	return effective.Div(perCredit).RoundCeil(2)
}
