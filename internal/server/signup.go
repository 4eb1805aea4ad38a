package server

import (
	"net/http"

	"github.com/creditgate/creditgate/internal/signup"
	"github.com/gin-gonic/gin"
)

type registerRequest struct {
	Username   string `json:"username" binding:"required"`
	InviteCode string `json:"invite_code" binding:"required"`
}

type registerResponse struct {
	Token          string `json:"token"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
	GrantedCredits string `json:"granted_credits"`
}

// Register redeems an invite code into a new funded account and issues
// the bearer token for it.
func (s *Server) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.signupSvc.Register(c.Request.Context(), signup.RegisterRequest{
		Username:   req.Username,
		InviteCode: req.InviteCode,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	token, err := s.issueToken(result.User)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, registerResponse{
		Token:          token,
		UserID:         result.User.ID.String(),
		Username:       result.User.Username,
		GrantedCredits: result.GrantedCredits,
	})
}
