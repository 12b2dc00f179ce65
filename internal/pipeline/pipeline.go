package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"carpark-etl/config"
	"carpark-etl/internal/db"
	"carpark-etl/internal/delta"
	"carpark-etl/internal/report"
	"carpark-etl/internal/scraper"
	"carpark-etl/internal/store"
	"carpark-etl/internal/timeutil"
	"carpark-etl/internal/transform"
)

// Extractor fetches raw data from the upstream APIs.
type Extractor interface {
	FetchCurrent(ctx context.Context) ([]scraper.RawRecord, error)
	FetchAt(ctx context.Context, at time.Time) ([]scraper.RawRecord, error)
	FetchCarparks(ctx context.Context) ([]scraper.CarparkInfo, error)
}

// Service runs the current and historical flows against one store.
type Service struct {
	store     store.Store
	extractor Extractor
	cfg       *config.Config
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithClock replaces the wall clock used as the reference time of every run.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. cfg must already have defaults applied.
func NewService(st store.Store, ex Extractor, cfg *config.Config, logger *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		extractor: ex,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) reference() time.Time {
	return timeutil.ToSGT(s.now())
}

// TargetRange is the trailing range of days ending on the last date whose window
// has closed at the reference time. Before today's window ends, the range ends yesterday.
func (s *Service) TargetRange() timeutil.DateRange {
	return timeutil.TrailingRange(s.window().LastClosed(s.reference()), s.cfg.Historical.Days)
}

func (s *Service) window() timeutil.Window {
	hour := timeutil.SixPM.Hour
	if h := s.cfg.Historical.WindowHour; h != nil {
		hour = *h
	}
	return timeutil.Window{Hour: hour, Radius: s.cfg.Historical.WindowRadius}
}

func (s *Service) ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return &db.ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

// Health reports whether the store is reachable.
func (s *Service) Health(ctx context.Context) error {
	return s.ping(ctx)
}

// RunHistorical fills the trailing 6pm series. Each missing date is fetched,
// transformed and loaded on its own; a failing date is recorded and the run goes on.
// Only an unreachable store returns an error.
func (s *Service) RunHistorical(ctx context.Context, mode delta.Mode) (*HistoricalResult, error) {
	return s.runHistorical(ctx, mode, true)
}

func (s *Service) runHistorical(ctx context.Context, mode delta.Mode, refresh bool) (*HistoricalResult, error) {
	ref := s.reference()
	res := &HistoricalResult{
		RunID:     uuid.NewString(),
		Mode:      mode,
		Range:     s.TargetRange(),
		StartedAt: ref,
		Failures:  []Failure{},
	}
	log := s.logger.With("run_id", res.RunID, "flow", "historical", "mode", string(mode))

	if err := s.ping(ctx); err != nil {
		return nil, err
	}

	if mode.NeedsCoverage() {
		existing, err := s.store.ExistingDates(ctx, res.Range)
		if err != nil {
			return nil, &db.ConnectionError{Op: "coverage", Err: err}
		}
		res.Existing = existing
	}
	missing := delta.Missing(mode, res.Range, res.Existing)
	res.Attempted = missing
	log.Infof("range %s..%s: %d stored, %d to fetch", res.Range.Start, res.Range.End, len(res.Existing), len(missing))

	sideFailure := false
	if refresh {
		carparks, failure := s.refreshCarparks(ctx)
		res.Reference = carparks
		if failure != nil {
			res.Failures = append(res.Failures, *failure)
			sideFailure = true
		}
	}

	outcomes := s.loadDates(ctx, log, missing, ref)
	for _, o := range outcomes {
		res.Transform.Merge(o.stats)
		if o.failure != nil {
			res.Failures = append(res.Failures, *o.failure)
			continue
		}
		res.Succeeded = append(res.Succeeded, o.date)
		res.Loaded += o.load.Inserted
		res.Skipped += o.load.SkippedDuplicate
	}

	if s.cfg.Historical.Prune {
		n, err := s.store.PruneHistorical(ctx, res.Range.Start)
		if err != nil {
			res.Failures = append(res.Failures, Failure{Stage: StagePrune, Reason: err.Error()})
			sideFailure = true
		} else {
			res.Pruned = n
			if n > 0 {
				log.Infof("pruned %d historical rows before %s", n, res.Range.Start)
			}
		}
	}

	res.Outcome = outcomeOf(len(res.Succeeded), len(missing)-len(res.Succeeded), sideFailure)
	res.FinishedAt = timeutil.ToSGT(s.now())
	log.Infow("historical run finished",
		"outcome", res.Outcome,
		"attempted", len(res.Attempted),
		"succeeded", len(res.Succeeded),
		"failed", len(res.FailedDates()),
		"loaded", res.Loaded,
		"skipped", res.Skipped,
		"dropped", res.Transform.Dropped,
	)
	return res, nil
}

type dateOutcome struct {
	date    timeutil.Date
	stats   transform.Stats
	load    store.LoadResult
	failure *Failure
}

// loadDates processes dates with at most historical.workers in flight and
// returns their outcomes in date order.
func (s *Service) loadDates(ctx context.Context, log *zap.SugaredLogger, dates []timeutil.Date, ref time.Time) []dateOutcome {
	var (
		mu       sync.Mutex
		outcomes = make([]dateOutcome, 0, len(dates))
		g        errgroup.Group
	)
	g.SetLimit(max(s.cfg.Historical.Workers, 1))

	for _, d := range dates {
		g.Go(func() error {
			o := s.loadDate(ctx, d, ref)
			if o.failure != nil {
				log.Warnw("date failed", "date", d.String(), "stage", o.failure.Stage, "reason", o.failure.Reason)
			} else {
				log.Infow("date loaded", "date", d.String(), "inserted", o.load.Inserted, "skipped", o.load.SkippedDuplicate)
			}
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].date.Before(outcomes[j].date) })
	return outcomes
}

// loadDate runs extract, transform and load for one date.
func (s *Service) loadDate(ctx context.Context, d timeutil.Date, ref time.Time) dateOutcome {
	o := dateOutcome{date: d}
	w := s.window()

	raw, err := s.extractor.FetchAt(ctx, d.At(w.Hour, 0))
	if err != nil {
		o.failure = &Failure{Date: d.String(), Stage: StageExtract, Reason: err.Error()}
		return o
	}

	records, stats := transform.Transform(raw, transform.Options{
		Mode:       transform.Historical,
		Reference:  ref,
		TargetDate: d,
		Window:     w,
		LotType:    s.cfg.Historical.LotType,
	})
	o.stats = stats
	if len(records) == 0 {
		o.failure = &Failure{Date: d.String(), Stage: StageTransform,
			Reason: fmt.Sprintf("no valid records inside the window (%d fetched)", len(raw))}
		return o
	}

	load, err := s.store.UpsertHistorical(ctx, d, records)
	if err != nil {
		o.failure = &Failure{Date: d.String(), Stage: StageLoad, Reason: err.Error()}
		return o
	}
	o.load = load
	return o
}

// refreshCarparks reloads the carpark reference table. A failure is returned
// as a Failure so the caller can record it and carry on.
func (s *Service) refreshCarparks(ctx context.Context) (*ReferenceResult, *Failure) {
	rows, err := s.extractor.FetchCarparks(ctx)
	if err != nil {
		s.logger.Warnf("carpark reference refresh failed: %v", err)
		return nil, &Failure{Stage: StageReference, Reason: err.Error()}
	}

	carparks, stats := transform.Carparks(rows, s.reference())
	res := &ReferenceResult{Fetched: len(rows), Dropped: stats}
	load, err := s.store.UpsertCarparks(ctx, carparks)
	if err != nil {
		s.logger.Warnf("carpark reference load failed: %v", err)
		return res, &Failure{Stage: StageReference, Reason: err.Error()}
	}
	res.Loaded = load.Inserted
	s.logger.Infof("refreshed %d carparks", len(carparks))
	return res, nil
}

// RunCurrent appends the latest snapshot, keeping only records updated within
// current.max_age of the reference time, and refreshes the carpark reference table.
func (s *Service) RunCurrent(ctx context.Context) (*CurrentResult, error) {
	ref := s.reference()
	res := &CurrentResult{
		RunID:     uuid.NewString(),
		Reference: ref,
		StartedAt: ref,
		Failures:  []Failure{},
	}
	log := s.logger.With("run_id", res.RunID, "flow", "current")

	if err := s.ping(ctx); err != nil {
		return nil, err
	}

	ok := s.loadCurrent(ctx, res, ref)

	carparks, failure := s.refreshCarparks(ctx)
	res.Carparks = carparks
	if failure != nil {
		res.Failures = append(res.Failures, *failure)
	}

	succeeded, failed := 0, 1
	if ok {
		succeeded, failed = 1, 0
	}
	res.Outcome = outcomeOf(succeeded, failed, failure != nil)
	res.FinishedAt = timeutil.ToSGT(s.now())
	log.Infow("current run finished",
		"outcome", res.Outcome,
		"fetched", res.Fetched,
		"appended", res.Load.Inserted,
		"dropped", res.Transform.Dropped,
	)
	return res, nil
}

func (s *Service) loadCurrent(ctx context.Context, res *CurrentResult, ref time.Time) bool {
	raw, err := s.extractor.FetchCurrent(ctx)
	if err != nil {
		res.Failures = append(res.Failures, Failure{Stage: StageExtract, Reason: err.Error()})
		return false
	}
	res.Fetched = len(raw)

	records, stats := transform.Transform(raw, transform.Options{
		Mode:      transform.Current,
		Reference: ref,
		MaxAge:    s.cfg.Current.MaxAge,
	})
	res.Transform = stats

	load, err := s.store.AppendCurrent(ctx, records)
	if err != nil {
		res.Failures = append(res.Failures, Failure{Stage: StageLoad, Reason: err.Error()})
		return false
	}
	res.Load = load
	return true
}

// RunComplete runs the current flow, a delta historical run and builds both reports.
func (s *Service) RunComplete(ctx context.Context) (*CompleteResult, error) {
	res := &CompleteResult{RunID: uuid.NewString(), Failures: []Failure{}}

	current, err := s.RunCurrent(ctx)
	if err != nil {
		return nil, err
	}
	res.Current = current

	historical, err := s.runHistorical(ctx, delta.ModeDelta, false)
	if err != nil {
		return nil, err
	}
	res.Historical = historical

	// Both loads have committed; a failing report read is recorded, not returned.
	reports := OutcomeSucceeded
	if occupancy, err := s.Occupancy(ctx); err != nil {
		s.logger.Warnw("occupancy report failed", "run_id", res.RunID, "error", err)
		res.Failures = append(res.Failures, Failure{Stage: StageReport, Reason: "occupancy: " + err.Error()})
		reports = OutcomeFailed
	} else {
		res.Occupancy = occupancy
	}
	if utilization, err := s.Utilization(ctx); err != nil {
		s.logger.Warnw("utilization report failed", "run_id", res.RunID, "error", err)
		res.Failures = append(res.Failures, Failure{Stage: StageReport, Reason: "utilization: " + err.Error()})
		reports = OutcomeFailed
	} else {
		res.Utilization = utilization
	}

	res.Outcome = combine(current.Outcome, historical.Outcome, reports)
	s.logger.Infow("complete run finished", "run_id", res.RunID, "outcome", res.Outcome)
	return res, nil
}

// Coverage reports the stored and missing dates of the trailing range.
func (s *Service) Coverage(ctx context.Context) (*Coverage, error) {
	r := s.TargetRange()
	existing, err := s.store.ExistingDates(ctx, r)
	if err != nil {
		return nil, err
	}
	return &Coverage{
		Range:   r,
		Covered: delta.Covered(r, existing),
		Missing: delta.Missing(delta.ModeDelta, r, existing),
	}, nil
}

// Utilization builds the 6pm utilization report over the trailing range.
func (s *Service) Utilization(ctx context.Context) (*report.UtilizationReport, error) {
	r := s.TargetRange()
	historical, err := s.store.ListHistorical(ctx, r)
	if err != nil {
		return nil, err
	}
	carparks, err := s.store.ListCarparks(ctx)
	if err != nil {
		return nil, err
	}
	rep := report.Utilization(historical, carparks, report.UtilizationOptions{
		Range:               r,
		HighUtilization:     s.cfg.Report.HighUtilization,
		VeryHighUtilization: s.cfg.Report.VeryHighUtilization,
		TopN:                s.cfg.Report.TopN,
	})
	return &rep, nil
}

// Occupancy builds the current occupancy report from rows still fresh at the reference time.
func (s *Service) Occupancy(ctx context.Context) (*report.OccupancyReport, error) {
	ref := s.reference()
	maxAge := s.cfg.Current.MaxAge
	current, err := s.store.ListCurrentSince(ctx, ref.Add(-maxAge))
	if err != nil {
		return nil, err
	}
	carparks, err := s.store.ListCarparks(ctx)
	if err != nil {
		return nil, err
	}
	rep := report.CurrentOccupancy(current, carparks, ref, maxAge)
	return &rep, nil
}

// IsFatal reports whether err aborts a run rather than being recorded in its result.
func IsFatal(err error) bool {
	var ce *db.ConnectionError
	return errors.As(err, &ce) || config.IsConfigurationError(err)
}
