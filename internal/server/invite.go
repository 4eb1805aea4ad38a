package server

import (
	"net/http"
	"time"

	invitedomain "github.com/creditgate/creditgate/internal/invite/domain"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type validateCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

// ValidateInviteCode is the advisory pre-signup check. It never
// consumes a use.
func (s *Server) ValidateInviteCode(c *gin.Context) {
	var req validateCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	code, err := s.inviteSvc.Validate(c.Request.Context(), req.Code)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":           true,
		"initial_credits": code.InitialCredits.StringFixed(2),
	})
}

type createCodeRequest struct {
	Code           string     `json:"code" binding:"required"`
	MaxUses        int        `json:"max_uses" binding:"required"`
	InitialCredits string     `json:"initial_credits"`
	ExpiresAt      *time.Time `json:"expires_at"`
	Notes          string     `json:"notes"`
}

func (s *Server) CreateInviteCode(c *gin.Context) {
	var req createCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	credits := decimal.Zero
	if req.InitialCredits != "" {
		var err error
		credits, err = decimal.NewFromString(req.InitialCredits)
		if err != nil {
			AbortWithError(c, invitedomain.ErrInvalidCredits)
			return
		}
	}

	code, err := s.inviteSvc.Create(c.Request.Context(), invitedomain.CreateCodeRequest{
		Code:           req.Code,
		MaxUses:        req.MaxUses,
		InitialCredits: credits,
		ExpiresAt:      req.ExpiresAt,
		Notes:          req.Notes,
		CreatedBy:      callerUsername(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, code)
}

func (s *Server) ListInviteCodes(c *gin.Context) {
	codes, err := s.inviteSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invite_codes": codes})
}

func (s *Server) GetInviteCode(c *gin.Context) {
	code, err := s.inviteSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, code)
}

type updateCodeRequest struct {
	MaxUses        *int       `json:"max_uses"`
	InitialCredits *string    `json:"initial_credits"`
	ExpiresAt      *time.Time `json:"expires_at"`
	IsActive       *bool      `json:"is_active"`
	Notes          *string    `json:"notes"`
}

func (s *Server) UpdateInviteCode(c *gin.Context) {
	var req updateCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var credits *decimal.Decimal
	if req.InitialCredits != nil {
		parsed, err := decimal.NewFromString(*req.InitialCredits)
		if err != nil {
			AbortWithError(c, invitedomain.ErrInvalidCredits)
			return
		}
		credits = &parsed
	}

	code, err := s.inviteSvc.Update(c.Request.Context(), invitedomain.UpdateCodeRequest{
		ID:             c.Param("id"),
		MaxUses:        req.MaxUses,
		InitialCredits: credits,
		ExpiresAt:      req.ExpiresAt,
		IsActive:       req.IsActive,
		Notes:          req.Notes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, code)
}

func (s *Server) DeleteInviteCode(c *gin.Context) {
	if err := s.inviteSvc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
