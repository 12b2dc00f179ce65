package api

import (
	"context"
	"sync"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"carpark-etl/internal/delta"
	"carpark-etl/internal/pipeline"
	"carpark-etl/internal/report"
)

// Service is the part of pipeline.Service the HTTP API uses.
type Service interface {
	Health(ctx context.Context) error
	Occupancy(ctx context.Context) (*report.OccupancyReport, error)
	Utilization(ctx context.Context) (*report.UtilizationReport, error)
	Coverage(ctx context.Context) (*pipeline.Coverage, error)
	RunHistorical(ctx context.Context, mode delta.Mode) (*pipeline.HistoricalResult, error)
	RunCurrent(ctx context.Context) (*pipeline.CurrentResult, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	svc    Service
	cache  *cache.Cache
	runs   *sync.Mutex
	logger *zap.SugaredLogger
}

// NewHandler creates a new API handler. runs serialises pipeline runs and may be
// shared with a scheduler; cached responses are flushed after every run.
func NewHandler(svc Service, responses *cache.Cache, runs *sync.Mutex, logger *zap.SugaredLogger) *Handler {
	if runs == nil {
		runs = &sync.Mutex{}
	}
	return &Handler{
		svc:    svc,
		cache:  responses,
		runs:   runs,
		logger: logger,
	}
}
