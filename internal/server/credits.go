package server

import (
	"net/http"

	ledgerdomain "github.com/creditgate/creditgate/internal/ledger/domain"
	"github.com/creditgate/creditgate/pkg/db/pagination"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type balanceResponse struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
}

func (s *Server) GetBalance(c *gin.Context) {
	s.respondBalance(c, callerUserID(c))
}

func (s *Server) GetUserBalance(c *gin.Context) {
	s.respondBalance(c, c.Param("user_id"))
}

func (s *Server) respondBalance(c *gin.Context, userID string) {
	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balanceResponse{
		UserID:  userID,
		Balance: balance.StringFixed(2),
	})
}

func (s *Server) ListTransactions(c *gin.Context) {
	s.respondTransactions(c, callerUserID(c))
}

func (s *Server) ListUserTransactions(c *gin.Context) {
	s.respondTransactions(c, c.Param("user_id"))
}

func (s *Server) respondTransactions(c *gin.Context, userID string) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	history, info, err := s.ledgerSvc.TransactionPage(c.Request.Context(), userID, page)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": history, "page_info": info})
}

type creditMutationRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Type        string `json:"type"`
	Description string `json:"description"`
	ReferenceID string `json:"reference_id"`
}

// AddCredits grants bonus, refund or initial credits to an account.
func (s *Server) AddCredits(c *gin.Context) {
	var req creditMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		AbortWithError(c, ledgerdomain.ErrInvalidAmount)
		return
	}

	txnType := ledgerdomain.TransactionType(req.Type)
	if req.Type == "" {
		txnType = ledgerdomain.TxnBonus
	}

	err = s.ledgerSvc.AddCredits(c.Request.Context(), ledgerdomain.AddCreditsRequest{
		UserID:      req.UserID,
		Amount:      amount,
		Type:        txnType,
		Description: req.Description,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.respondBalance(c, req.UserID)
}

// AdjustCredits removes credits from an account. Adjustments may drive
// the balance negative.
func (s *Server) AdjustCredits(c *gin.Context) {
	var req creditMutationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		AbortWithError(c, ledgerdomain.ErrInvalidAmount)
		return
	}

	deducted, err := s.ledgerSvc.DeductCredits(c.Request.Context(), ledgerdomain.DeductCreditsRequest{
		UserID:      req.UserID,
		Amount:      amount,
		Type:        ledgerdomain.TxnAdjustment,
		Description: req.Description,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !deducted {
		AbortWithError(c, ledgerdomain.ErrAccountNotFound)
		return
	}
	s.respondBalance(c, req.UserID)
}

type setCreditsRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Balance     string `json:"balance" binding:"required"`
	Description string `json:"description"`
}

// SetCredits forces the balance to an exact value, recording the delta
// as an adjustment.
func (s *Server) SetCredits(c *gin.Context) {
	var req setCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	target, err := decimal.NewFromString(req.Balance)
	if err != nil {
		AbortWithError(c, ledgerdomain.ErrInvalidAmount)
		return
	}

	if err := s.ledgerSvc.SetCredits(c.Request.Context(), req.UserID, target, req.Description); err != nil {
		AbortWithError(c, err)
		return
	}
	s.respondBalance(c, req.UserID)
}
