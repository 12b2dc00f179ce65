package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetHealth handles GET /api/health.
func (h *Handler) GetHealth(c *gin.Context) {
	if err := h.svc.Health(c.Request.Context()); err != nil {
		h.logger.Warnf("health check failed: %v", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetOccupancy handles GET /api/reports/occupancy.
func (h *Handler) GetOccupancy(c *gin.Context) {
	rep, err := h.svc.Occupancy(c.Request.Context())
	if err != nil {
		h.logger.Errorf("occupancy report: %v", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to build occupancy report"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// GetUtilization handles GET /api/reports/utilization.
func (h *Handler) GetUtilization(c *gin.Context) {
	rep, err := h.svc.Utilization(c.Request.Context())
	if err != nil {
		h.logger.Errorf("utilization report: %v", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to build utilization report"})
		return
	}
	c.JSON(http.StatusOK, rep)
}

// GetCoverage handles GET /api/coverage.
func (h *Handler) GetCoverage(c *gin.Context) {
	cov, err := h.svc.Coverage(c.Request.Context())
	if err != nil {
		h.logger.Errorf("coverage: %v", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to query coverage"})
		return
	}
	c.JSON(http.StatusOK, cov)
}
