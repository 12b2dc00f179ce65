package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"carpark-etl/config"
	"carpark-etl/internal/api"
	"carpark-etl/internal/db"
	"carpark-etl/internal/delta"
	"carpark-etl/internal/logging"
	"carpark-etl/internal/pipeline"
	"carpark-etl/internal/scraper"
	"carpark-etl/internal/store"
)

// Exit codes.
const (
	exitSucceeded = 0
	exitFailed    = 1
	exitPartial   = 2
)

const usage = `usage: carparkd [-config path] <command> [flags]

commands:
  historical [-full]  load missing 6pm snapshots for the trailing range (-full reloads every date)
  current             load the current snapshot and refresh carpark information
  complete            current + delta historical + reports
  serve               run the HTTP API and the periodic scheduler
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("carparkd", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	configPath := fs.String("config", "", "path to the YAML configuration (default $CONFIG_PATH or ./config/config.yaml)")
	if err := fs.Parse(args); err != nil {
		return exitFailed
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitFailed
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", path, err)
		return exitFailed
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return exitFailed
	}
	defer logger.Sync()
	logger.Infow("configuration loaded", "path", path)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gormDB, err := db.Init(ctx, &cfg.Database)
	if err != nil {
		logger.Errorw("failed to initialize database", "error", err)
		return exitFailed
	}
	defer db.Close(gormDB)
	logger.Info("database initialized")

	svc := pipeline.NewService(
		store.NewGormStore(gormDB),
		scraper.NewClient(cfg.Source, logger.Named("scraper")),
		cfg,
		logger.Named("pipeline"),
	)

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "historical":
		hfs := flag.NewFlagSet("historical", flag.ContinueOnError)
		full := hfs.Bool("full", false, "reload every date of the range")
		if err := hfs.Parse(cmdArgs); err != nil {
			return exitFailed
		}
		mode := delta.ModeDelta
		if *full {
			mode = delta.ModeFull
		}
		res, err := svc.RunHistorical(ctx, mode)
		if err != nil {
			return aborted(logger, err)
		}
		return finish(logger, res, res.Outcome)
	case "current":
		res, err := svc.RunCurrent(ctx)
		if err != nil {
			return aborted(logger, err)
		}
		return finish(logger, res, res.Outcome)
	case "complete":
		res, err := svc.RunComplete(ctx)
		if err != nil {
			return aborted(logger, err)
		}
		return finish(logger, res, res.Outcome)
	case "serve":
		if err := serve(ctx, cfg, svc, logger); err != nil {
			logger.Errorw("server stopped with error", "error", err)
			return exitFailed
		}
		return exitSucceeded
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fs.Usage()
		return exitFailed
	}
}

func aborted(logger *zap.SugaredLogger, err error) int {
	if pipeline.IsFatal(err) {
		logger.Errorw("run aborted", "error", err)
	} else {
		logger.Errorw("run failed", "error", err)
	}
	return exitFailed
}

// finish prints the run result as JSON on stdout and maps its outcome to an exit code.
func finish(logger *zap.SugaredLogger, res any, outcome pipeline.Outcome) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		logger.Errorw("failed to encode result", "error", err)
		return exitFailed
	}

	switch outcome {
	case pipeline.OutcomeSucceeded:
		return exitSucceeded
	case pipeline.OutcomePartial:
		return exitPartial
	default:
		return exitFailed
	}
}

func serve(ctx context.Context, cfg *config.Config, svc *pipeline.Service, logger *zap.SugaredLogger) error {
	runs := &sync.Mutex{}
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.Schedule.Enabled {
		go pipeline.NewScheduler(svc, cfg.Schedule.Interval, runs, logger.Named("scheduler")).Run(ctx)
	} else {
		logger.Info("scheduler is disabled")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewRouter(svc, cfg.Server, runs, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received, stopping services")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	logger.Info("server gracefully stopped")
	return nil
}
