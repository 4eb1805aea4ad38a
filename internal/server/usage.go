package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// GetOwnUsageStats scopes the rollup to the caller.
func (s *Server) GetOwnUsageStats(c *gin.Context) {
	s.respondUsageStats(c, callerUsername(c))
}

// GetUsageStats serves the admin rollup, optionally filtered by
// username.
func (s *Server) GetUsageStats(c *gin.Context) {
	s.respondUsageStats(c, c.Query("username"))
}

func (s *Server) respondUsageStats(c *gin.Context, username string) {
	days, _ := strconv.Atoi(c.Query("days"))

	stats, err := s.usageSvc.Stats(c.Request.Context(), days, username)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
