package api

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"carpark-etl/config"
	"carpark-etl/internal/mw"
)

// clientIdle is how long a client's rate limit state is kept after its last request.
const clientIdle = 10 * time.Minute

// NewRouter creates and configures a new Gin router.
func NewRouter(svc Service, cfg config.ServerConfig, runs *sync.Mutex, logger *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(mw.Logger(logger), gin.Recovery())

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	cacheStore := cache.New(ttl, 2*ttl)
	handler := NewHandler(svc, cacheStore, runs, logger)

	rateLimiter := mw.RateLimit(mw.NewClientLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, clientIdle), "api")
	runLimiter := mw.RateLimit(mw.NewClientLimiter(rate.Limit(cfg.RunRateLimitPerMinute/60), cfg.RunRateLimitBurst, clientIdle), "runs")
	caching := mw.Cache(cacheStore, ttl)

	r.GET("/api/health", handler.GetHealth)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/reports/occupancy", caching, handler.GetOccupancy)
		api.GET("/reports/utilization", caching, handler.GetUtilization)
		api.GET("/coverage", caching, handler.GetCoverage)

		runRoutes := api.Group("/runs", runLimiter)
		runRoutes.POST("/historical", handler.PostHistoricalRun)
		runRoutes.POST("/current", handler.PostCurrentRun)
	}

	return r
}
