package server

import (
	"net/http"

	pricingdomain "github.com/creditgate/creditgate/internal/pricing/domain"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (s *Server) ListPricingRules(c *gin.Context) {
	rules, err := s.pricingSvc.ListRules(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

type setRuleRequest struct {
	ModelID          string `json:"model_id"`
	Provider         string `json:"provider"`
	TokensPerCredit  string `json:"tokens_per_credit" binding:"required"`
	InputMultiplier  string `json:"input_multiplier"`
	OutputMultiplier string `json:"output_multiplier"`
	IsActive         *bool  `json:"is_active"`
}

// SetPricingRule upserts the rule for a model, or the global override
// when model_id is empty. The previous active rule is superseded.
func (s *Server) SetPricingRule(c *gin.Context) {
	var req setRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	perCredit, err := decimal.NewFromString(req.TokensPerCredit)
	if err != nil {
		AbortWithError(c, pricingdomain.ErrInvalidRule)
		return
	}
	inMult, err := optionalDecimal(req.InputMultiplier, decimal.NewFromInt(1))
	if err != nil {
		AbortWithError(c, pricingdomain.ErrInvalidRule)
		return
	}
	outMult, err := optionalDecimal(req.OutputMultiplier, decimal.NewFromInt(1))
	if err != nil {
		AbortWithError(c, pricingdomain.ErrInvalidRule)
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	rule, err := s.pricingSvc.SetRule(c.Request.Context(), pricingdomain.SetRuleRequest{
		ModelID:          req.ModelID,
		Provider:         req.Provider,
		TokensPerCredit:  perCredit,
		InputMultiplier:  inMult,
		OutputMultiplier: outMult,
		IsActive:         active,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) DeletePricingRule(c *gin.Context) {
	if err := s.pricingSvc.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func optionalDecimal(raw string, def decimal.Decimal) (decimal.Decimal, error) {
	if raw == "" {
		return def, nil
	}
	return decimal.NewFromString(raw)
}
