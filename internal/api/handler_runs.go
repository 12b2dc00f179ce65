package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"carpark-etl/internal/delta"
	"carpark-etl/internal/pipeline"
)

// statusFor maps a run outcome to an HTTP status.
func statusFor(o pipeline.Outcome) int {
	switch o {
	case pipeline.OutcomeSucceeded:
		return http.StatusOK
	case pipeline.OutcomePartial:
		return http.StatusMultiStatus
	default:
		return http.StatusBadGateway
	}
}

// PostHistoricalRun handles POST /api/runs/historical?mode=delta|full.
func (h *Handler) PostHistoricalRun(c *gin.Context) {
	mode, err := delta.ParseMode(c.Query("mode"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.runs.TryLock() {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "a run is already in progress"})
		return
	}
	defer h.runs.Unlock()

	res, err := h.svc.RunHistorical(c.Request.Context(), mode)
	if err != nil {
		h.logger.Errorf("historical run aborted: %v", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	h.flush()
	c.JSON(statusFor(res.Outcome), res)
}

// PostCurrentRun handles POST /api/runs/current.
func (h *Handler) PostCurrentRun(c *gin.Context) {
	if !h.runs.TryLock() {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "a run is already in progress"})
		return
	}
	defer h.runs.Unlock()

	res, err := h.svc.RunCurrent(c.Request.Context())
	if err != nil {
		h.logger.Errorf("current run aborted: %v", err)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	h.flush()
	c.JSON(statusFor(res.Outcome), res)
}

func (h *Handler) flush() {
	if h.cache != nil {
		h.cache.Flush()
	}
}
