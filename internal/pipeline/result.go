package pipeline

import (
	"time"

	"carpark-etl/internal/delta"
	"carpark-etl/internal/report"
	"carpark-etl/internal/store"
	"carpark-etl/internal/timeutil"
	"carpark-etl/internal/transform"
)

// Outcome is the overall verdict of a run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomePartial   Outcome = "partial"
	OutcomeFailed    Outcome = "failed"
)

// Stage names where a unit of work failed.
type Stage string

const (
	StageExtract   Stage = "extract"
	StageTransform Stage = "transform"
	StageLoad      Stage = "load"
	StageReference Stage = "reference"
	StagePrune     Stage = "prune"
	StageReport    Stage = "report"
)

// Failure records one failed unit of work. Date is empty for non-date units.
type Failure struct {
	Date   string `json:"date,omitempty"`
	Stage  Stage  `json:"stage"`
	Reason string `json:"reason"`
}

// ReferenceResult summarises a carpark reference refresh.
type ReferenceResult struct {
	Fetched int             `json:"fetched"`
	Loaded  int             `json:"loaded"`
	Dropped transform.Stats `json:"dropped"`
}

// HistoricalResult is the outcome of one historical 6pm run.
type HistoricalResult struct {
	RunID      string             `json:"run_id"`
	Mode       delta.Mode         `json:"mode"`
	Range      timeutil.DateRange `json:"range"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Existing   []timeutil.Date    `json:"existing"`
	Attempted  []timeutil.Date    `json:"attempted"`
	Succeeded  []timeutil.Date    `json:"succeeded"`
	Failures   []Failure          `json:"failures"`
	Loaded     int                `json:"records_loaded"`
	Skipped    int                `json:"records_skipped"`
	Transform  transform.Stats    `json:"transform"`
	Reference  *ReferenceResult   `json:"reference,omitempty"`
	Pruned     int64              `json:"pruned"`
	Outcome    Outcome            `json:"outcome"`
}

// FailedDates lists the dates that failed, ascending.
func (r *HistoricalResult) FailedDates() []string {
	var dates []string
	for _, f := range r.Failures {
		if f.Date != "" {
			dates = append(dates, f.Date)
		}
	}
	return dates
}

// CurrentResult is the outcome of one current snapshot run.
type CurrentResult struct {
	RunID      string           `json:"run_id"`
	Reference  time.Time        `json:"reference_time"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Fetched    int              `json:"fetched"`
	Load       store.LoadResult `json:"load"`
	Transform  transform.Stats  `json:"transform"`
	Carparks   *ReferenceResult `json:"carparks,omitempty"`
	Failures   []Failure        `json:"failures"`
	Outcome    Outcome          `json:"outcome"`
}

// CompleteResult bundles a current run, a delta historical run and both reports.
type CompleteResult struct {
	RunID       string                    `json:"run_id"`
	Current     *CurrentResult            `json:"current"`
	Historical  *HistoricalResult         `json:"historical"`
	Occupancy   *report.OccupancyReport   `json:"occupancy"`
	Utilization *report.UtilizationReport `json:"utilization"`
	Failures    []Failure                 `json:"failures"` // report reads; loads record their own
	Outcome     Outcome                   `json:"outcome"`
}

// Coverage describes which dates of the trailing range are stored.
type Coverage struct {
	Range   timeutil.DateRange `json:"range"`
	Covered []timeutil.Date    `json:"covered"`
	Missing []timeutil.Date    `json:"missing"`
}

// outcomeOf grades a run from its main units of work. A side failure, such as
// a reference refresh, turns an otherwise clean run into a partial one.
func outcomeOf(succeeded, failed int, sideFailure bool) Outcome {
	switch {
	case failed == 0 && !sideFailure:
		return OutcomeSucceeded
	case succeeded == 0 && failed > 0:
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}

// combine grades a run made of several sub-runs.
func combine(outcomes ...Outcome) Outcome {
	var ok, bad int
	for _, o := range outcomes {
		switch o {
		case OutcomeSucceeded:
			ok++
		case OutcomeFailed:
			bad++
		}
	}
	switch {
	case ok == len(outcomes):
		return OutcomeSucceeded
	case bad == len(outcomes):
		return OutcomeFailed
	default:
		return OutcomePartial
	}
}
