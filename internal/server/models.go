package server

import (
	"net/http"

	registrydomain "github.com/creditgate/creditgate/internal/registry/domain"
	"github.com/gin-gonic/gin"
)

// ListModels exposes the chooser list: enabled models only, keys never
// serialized.
func (s *Server) ListModels(c *gin.Context) {
	models, err := s.registrySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	enabled := make([]registrydomain.Model, 0, len(models))
	for _, m := range models {
		if m.IsEnabled {
			enabled = append(enabled, m)
		}
	}
	c.JSON(http.StatusOK, gin.H{"models": enabled})
}

func (s *Server) AdminListModels(c *gin.Context) {
	models, err := s.registrySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

type upsertModelRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Provider   string `json:"provider"`
	APIModelID string `json:"api_model_id"`
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	IsEnabled  *bool  `json:"is_enabled"`
}

func (s *Server) UpsertModel(c *gin.Context) {
	var req upsertModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	model, err := s.registrySvc.Upsert(c.Request.Context(), registrydomain.UpsertModelRequest{
		ID:         req.ID,
		Name:       req.Name,
		Provider:   req.Provider,
		APIModelID: req.APIModelID,
		BaseURL:    req.BaseURL,
		APIKey:     req.APIKey,
		IsEnabled:  req.IsEnabled,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, model)
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) SetModelEnabled(c *gin.Context) {
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.registrySvc.SetEnabled(c.Request.Context(), c.Param("id"), *req.Enabled); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) DeleteModel(c *gin.Context) {
	if err := s.registrySvc.Delete(c.Request.Context(), c.Param("id")); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
