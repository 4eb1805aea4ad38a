package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/creditgate/creditgate/internal/cache"
	pricingdomain "github.com/creditgate/creditgate/internal/pricing/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	RuleCache cache.PricingRuleCache `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	ruleCache cache.PricingRuleCache
}

func NewService(p Params) pricingdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("pricing.service"),
		genID:     p.GenID,
		ruleCache: p.RuleCache,
	}
}

func (s *Service) RuleForModel(ctx context.Context, modelID string) (pricingdomain.PricingRule, error) {
	if s.ruleCache != nil {
		if rule, ok := s.ruleCache.Get(modelID); ok {
			return rule, nil
		}
	}

	rule, err := s.lookupRule(ctx, modelID)
	if err != nil {
		return pricingdomain.PricingRule{}, err
	}

	if s.ruleCache != nil {
		s.ruleCache.Set(modelID, rule)
	}
	return rule, nil
}

// lookupRule resolves model-specific → stored global override →
// built-in default.
func (s *Service) lookupRule(ctx context.Context, modelID string) (pricingdomain.PricingRule, error) {
	var rule pricingdomain.PricingRule
	if modelID != "" {
		err := s.db.WithContext(ctx).
			Where("model_id = ? AND is_active = ?", modelID, true).
			Order("updated_at DESC").
			First(&rule).Error
		if err == nil {
			return rule, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return pricingdomain.PricingRule{}, err
		}
	}

	err := s.db.WithContext(ctx).
		Where("model_id = ? AND is_active = ?", "", true).
		Order("updated_at DESC").
		First(&rule).Error
	if err == nil {
		return rule, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return pricingdomain.PricingRule{}, err
	}
	return pricingdomain.DefaultRule(), nil
}

func (s *Service) SetRule(ctx context.Context, req pricingdomain.SetRuleRequest) (*pricingdomain.PricingRule, error) {
	if !req.TokensPerCredit.IsPositive() {
		return nil, pricingdomain.ErrInvalidRule
	}
	if req.InputMultiplier.IsNegative() || req.OutputMultiplier.IsNegative() {
		return nil, pricingdomain.ErrInvalidRule
	}

	rule := pricingdomain.PricingRule{
		ID:               s.genID.Generate(),
		ModelID:          req.ModelID,
		Provider:         req.Provider,
		TokensPerCredit:  req.TokensPerCredit,
		InputMultiplier:  req.InputMultiplier,
		OutputMultiplier: req.OutputMultiplier,
		IsActive:         req.IsActive,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// At most one active rule per model id; the new rule supersedes
		// whatever was active before it.
		if req.IsActive {
			if err := tx.Model(&pricingdomain.PricingRule{}).
				Where("model_id = ? AND is_active = ?", req.ModelID, true).
				Updates(map[string]any{
					"is_active":  false,
					"updated_at": time.Now().UTC(),
				}).Error; err != nil {
				return err
			}
		}
		return tx.Create(&rule).Error
	})
	if err != nil {
		return nil, err
	}

	if s.ruleCache != nil {
		s.ruleCache.Invalidate(req.ModelID)
	}
	s.log.Info("pricing rule set",
		zap.String("model_id", req.ModelID),
		zap.String("tokens_per_credit", req.TokensPerCredit.String()),
		zap.Bool("is_active", req.IsActive),
	)
	return &rule, nil
}

func (s *Service) ListRules(ctx context.Context) ([]pricingdomain.PricingRule, error) {
	var rules []pricingdomain.PricingRule
	err := s.db.WithContext(ctx).
		Order("model_id ASC, updated_at DESC").
		Find(&rules).Error
	return rules, err
}

func (s *Service) DeleteRule(ctx context.Context, id string) error {
	var rule pricingdomain.PricingRule
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pricingdomain.ErrRuleNotFound
	}
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(&rule).Error; err != nil {
		return err
	}
	if s.ruleCache != nil {
		s.ruleCache.Invalidate(rule.ModelID)
	}
	return nil
}

func (s *Service) CalculateCost(ctx context.Context, modelID string, tokensInput, tokensOutput int64) (decimal.Decimal, error) {
	if tokensInput < 0 || tokensOutput < 0 {
		return decimal.Zero, pricingdomain.ErrInvalidTokenCount
	}
	rule, err := s.RuleForModel(ctx, modelID)
	if err != nil {
		return decimal.Zero, err
	}
	return rule.Cost(tokensInput, tokensOutput), nil
}
