package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleProxyStats handles GET /api/v1/proxy/stats
func (s *Server) handleProxyStats(c *gin.Context) {
	if s.deps.Proxy == nil {
		c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: struct{}{}})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: s.deps.Proxy.Stats()})
}
