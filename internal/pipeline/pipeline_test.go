package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"carpark-etl/config"
	"carpark-etl/internal/db"
	"carpark-etl/internal/delta"
	"carpark-etl/internal/logging"
	"carpark-etl/internal/model"
	"carpark-etl/internal/scraper"
	"carpark-etl/internal/store"
	"carpark-etl/internal/timeutil"
)

// mockExtractor is a testify mock of the Extractor interface.
type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) FetchCurrent(ctx context.Context) ([]scraper.RawRecord, error) {
	args := m.Called(ctx)
	records, _ := args.Get(0).([]scraper.RawRecord)
	return records, args.Error(1)
}

func (m *mockExtractor) FetchAt(ctx context.Context, at time.Time) ([]scraper.RawRecord, error) {
	args := m.Called(ctx, at)
	records, _ := args.Get(0).([]scraper.RawRecord)
	return records, args.Error(1)
}

func (m *mockExtractor) FetchCarparks(ctx context.Context) ([]scraper.CarparkInfo, error) {
	args := m.Called(ctx)
	rows, _ := args.Get(0).([]scraper.CarparkInfo)
	return rows, args.Error(1)
}

// at matches the 6pm request instant of d.
func at(d timeutil.Date) any {
	want := d.At(18, 0)
	return mock.MatchedBy(func(t time.Time) bool { return t.Equal(want) })
}

// snapshot returns raw records updated at 18:00 on d for the given carparks.
func snapshot(d timeutil.Date, carparks ...string) []scraper.RawRecord {
	ts := d.At(18, 0).Format("2006-01-02T15:04:05")
	var out []scraper.RawRecord
	for _, cp := range carparks {
		out = append(out, scraper.RawRecord{
			CarparkNumber:  cp,
			UpdateDatetime: ts,
			TotalLots:      "100",
			LotsAvailable:  "10",
			LotType:        "C",
			Payload:        []byte(`{"carpark_number":"` + cp + `"}`),
		})
	}
	return out
}

var referenceRows = []scraper.CarparkInfo{
	{CarparkNumber: "ACB", Address: "BLK 270/271 ALBERT CENTRE", TypeOfParkingSystem: "ELECTRONIC PARKING"},
	{CarparkNumber: "ACM", Address: "BLK 98A ALJUNIED CRESCENT", TypeOfParkingSystem: "ELECTRONIC PARKING"},
}

var (
	jan15 = timeutil.Date{Year: 2024, Month: time.January, Day: 15}
	jan16 = jan15.AddDays(1)
	jan17 = jan15.AddDays(2)
	// clock is 20:00 SGT on Jan 17, after that day's window, so a 3 day range is Jan 15..17.
	clock = func() time.Time { return time.Date(2024, 1, 17, 12, 0, 0, 0, time.UTC) }
)

func testConfig(days, workers int) *config.Config {
	cfg := &config.Config{}
	cfg.Historical.Days = days
	cfg.Historical.Workers = workers
	cfg.Historical.LotType = "C"
	cfg.ApplyDefaults()
	return cfg
}

type fixture struct {
	gormDB    *gorm.DB
	store     store.Store
	extractor *mockExtractor
	service   *Service
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "pipeline.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	// sqlite allows one writer; parallel workers queue on the pool instead.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Migrate(gormDB))
	t.Cleanup(func() { _ = db.Close(gormDB) })

	st := store.NewGormStore(gormDB)
	ex := &mockExtractor{}
	return &fixture{
		gormDB:    gormDB,
		store:     st,
		extractor: ex,
		service:   NewService(st, ex, cfg, logging.Nop(), WithClock(clock)),
	}
}

func (f *fixture) seed(t *testing.T, d timeutil.Date, carparks ...string) {
	t.Helper()
	ex := &mockExtractor{}
	ex.On("FetchAt", mock.Anything, at(d)).Return(snapshot(d, carparks...), nil)
	o := NewService(f.store, ex, f.service.cfg, logging.Nop(), WithClock(clock)).loadDate(context.Background(), d, clock())
	require.Nil(t, o.failure)
}

func TestRunHistorical_DeltaFetchesOnlyMissingDates(t *testing.T) {
	f := newFixture(t, testConfig(3, 1))
	f.seed(t, jan16, "ACB")

	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil).Once()
	f.extractor.On("FetchAt", mock.Anything, at(jan15)).Return(snapshot(jan15, "ACB", "ACM"), nil).Once()
	f.extractor.On("FetchAt", mock.Anything, at(jan17)).Return(snapshot(jan17, "ACB", "ACM"), nil).Once()

	res, err := f.service.RunHistorical(context.Background(), delta.ModeDelta)
	require.NoError(t, err)

	assert.Equal(t, timeutil.DateRange{Start: jan15, End: jan17}, res.Range)
	assert.Equal(t, []timeutil.Date{jan16}, res.Existing)
	assert.Equal(t, []timeutil.Date{jan15, jan17}, res.Attempted)
	assert.Equal(t, []timeutil.Date{jan15, jan17}, res.Succeeded)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 4, res.Loaded)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	require.NotNil(t, res.Reference)
	assert.Equal(t, 2, res.Reference.Loaded)
	assert.NotEmpty(t, res.RunID)

	f.extractor.AssertExpectations(t)
	f.extractor.AssertNotCalled(t, "FetchAt", mock.Anything, at(jan16))

	existing, err := f.store.ExistingDates(context.Background(), res.Range)
	require.NoError(t, err)
	assert.Equal(t, []timeutil.Date{jan15, jan16, jan17}, existing)
}

func TestRunHistorical_FailureIsIsolated(t *testing.T) {
	f := newFixture(t, testConfig(3, 1))

	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil)
	f.extractor.On("FetchAt", mock.Anything, at(jan15)).Return(snapshot(jan15, "ACB"), nil)
	f.extractor.On("FetchAt", mock.Anything, at(jan16)).
		Return(nil, &scraper.ExtractionError{Op: "historical", At: "2024-01-16T18:00:00", Err: errors.New("timeout")})
	f.extractor.On("FetchAt", mock.Anything, at(jan17)).Return(snapshot(jan17, "ACB"), nil)

	res, err := f.service.RunHistorical(context.Background(), delta.ModeDelta)
	require.NoError(t, err)

	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Equal(t, []timeutil.Date{jan15, jan17}, res.Succeeded)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "2024-01-16", res.Failures[0].Date)
	assert.Equal(t, StageExtract, res.Failures[0].Stage)
	assert.Contains(t, res.Failures[0].Reason, "timeout")
	assert.Equal(t, []string{"2024-01-16"}, res.FailedDates())
}

func TestRunHistorical_RerunFillsGaps(t *testing.T) {
	f := newFixture(t, testConfig(3, 1))
	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil)
	f.extractor.On("FetchAt", mock.Anything, at(jan15)).Return(snapshot(jan15, "ACB"), nil).Once()
	f.extractor.On("FetchAt", mock.Anything, at(jan16)).Return(nil, errors.New("503")).Once()
	f.extractor.On("FetchAt", mock.Anything, at(jan17)).Return(snapshot(jan17, "ACB"), nil).Once()

	first, err := f.service.RunHistorical(context.Background(), delta.ModeDelta)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, first.Outcome)

	f.extractor.On("FetchAt", mock.Anything, at(jan16)).Return(snapshot(jan16, "ACB"), nil).Once()

	second, err := f.service.RunHistorical(context.Background(), delta.ModeDelta)
	require.NoError(t, err)
	assert.Equal(t, []timeutil.Date{jan16}, second.Attempted)
	assert.Equal(t, OutcomeSucceeded, second.Outcome)
	f.extractor.AssertExpectations(t)
}

func TestRunHistorical_AllFailed(t *testing.T) {
	f := newFixture(t, testConfig(2, 1))
	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil)
	f.extractor.On("FetchAt", mock.Anything, mock.Anything).Return(nil, errors.New("down"))

	res, err := f.service.RunHistorical(context.Background(), delta.ModeDelta)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Len(t, res.Failures, 2)
	assert.Empty(t, res.Succeeded)
}

func TestRunHistorical_FullModeRefetchesEverything(t *testing.T) {
	f := newFixture(t, testConfig(3, 1))
	f.seed(t, jan16, "ACB")

	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil)
	for _, d := range []timeutil.Date{jan15, jan16, jan17} {
		f.extractor.On("FetchAt", mock.Anything, at(d)).Return(snapshot(d, "ACB"), nil).Once()
	}

	res, err := f.service.RunHistorical(context.Background(), delta.ModeFull)
	require.NoError(t, err)
	assert.Nil(t, res.Existing)
	assert.Equal(t, []timeutil.Date{jan15, jan16, jan17}, res.Attempted)
	assert.Equal(t, 2, res.Loaded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	f.extractor.AssertExpectations(t)

	rows, err := f.store.ListHistorical(context.Background(), res.Range)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRunHistorical_NoOp(t *testing.T) {
	f := newFixture(t, testConfig(2, 1))
	f.seed(t, jan16, "ACB")
	f.seed(t, jan17, "ACB")
	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil)

	res, err := f.service.RunHistorical(context.Background(), delta.ModeDelta)
	require.NoError(t, err)
	assert.Empty(t, res.Attempted)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	f.extractor.AssertNotCalled(t, "FetchAt", mock.Anything, mock.Anything)
}

func TestRunHistorical_EmptyWindowIsNotCovered(t *testing.T) {
	f := newFixture(t, testConfig(1, 1))
	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil)
	// Every record is far outside the window.
	f.extractor.On("FetchAt", mock.Anything, at(jan17)).Return(snapshot(jan15, "ACB"), nil)

	res, err := f.service.RunHistorical(context.Background(), delta.ModeDelta)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, StageTransform, res.Failures[0].Stage)
	assert.Equal(t, 1, res.Transform.Dropped["outside_window"])
}

func TestRunHistorical_ParallelWorkers(t *testing.T) {
	f := newFixture(t, testConfig(7, 4))
	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil)
	r := f.service.TargetRange()
	for _, d := range r.Days() {
		f.extractor.On("FetchAt", mock.Anything, at(d)).Return(snapshot(d, "ACB", "ACM"), nil).Once()
	}

	res, err := f.service.RunHistorical(context.Background(), delta.ModeDelta)
	require.NoError(t, err)
	assert.Equal(t, r.Days(), res.Succeeded)
	assert.Equal(t, 14, res.Loaded)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	f.extractor.AssertExpectations(t)
}

func TestRunHistorical_ReferenceFailureIsRecorded(t *testing.T) {
	f := newFixture(t, testConfig(1, 1))
	f.extractor.On("FetchCarparks", mock.Anything).Return(nil, errors.New("info api down"))
	f.extractor.On("FetchAt", mock.Anything, at(jan17)).Return(snapshot(jan17, "ACB"), nil)

	res, err := f.service.RunHistorical(context.Background(), delta.ModeDelta)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, StageReference, res.Failures[0].Stage)
	assert.Equal(t, []timeutil.Date{jan17}, res.Succeeded)
}

func TestRunHistorical_Prune(t *testing.T) {
	cfg := testConfig(2, 1)
	cfg.Historical.Prune = true
	f := newFixture(t, cfg)
	f.seed(t, jan15.AddDays(-5), "ACB")
	f.seed(t, jan16, "ACB")
	f.seed(t, jan17, "ACB")
	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil)

	res, err := f.service.RunHistorical(context.Background(), delta.ModeDelta)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Pruned)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
}

func TestRunHistorical_StoreUnreachableIsFatal(t *testing.T) {
	f := newFixture(t, testConfig(3, 1))
	require.NoError(t, db.Close(f.gormDB))

	_, err := f.service.RunHistorical(context.Background(), delta.ModeDelta)
	require.Error(t, err)
	assert.True(t, IsFatal(err))

	var ce *db.ConnectionError
	require.ErrorAs(t, err, &ce)
	f.extractor.AssertNotCalled(t, "FetchAt", mock.Anything, mock.Anything)
}

func currentSnapshot(ages ...time.Duration) []scraper.RawRecord {
	ref := timeutil.ToSGT(clock())
	var out []scraper.RawRecord
	for i, age := range ages {
		out = append(out, scraper.RawRecord{
			CarparkNumber:  []string{"ACB", "ACM", "AH1", "AK19"}[i],
			UpdateDatetime: ref.Add(-age).Format("2006-01-02T15:04:05"),
			TotalLots:      "100",
			LotsAvailable:  "20",
			LotType:        "C",
		})
	}
	return out
}

func TestRunCurrent(t *testing.T) {
	f := newFixture(t, testConfig(3, 1))
	f.extractor.On("FetchCurrent", mock.Anything).
		Return(currentSnapshot(time.Minute, 9*time.Hour+59*time.Minute, 10*time.Hour+time.Second), nil)
	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil)

	res, err := f.service.RunCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 2, res.Load.Inserted)
	assert.Equal(t, 1, res.Transform.Dropped["stale"])
	require.NotNil(t, res.Carparks)
	assert.Equal(t, 2, res.Carparks.Loaded)

	occ, err := f.service.Occupancy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, occ.Carparks)
	assert.Equal(t, 160, occ.OccupiedLots)
	assert.Equal(t, "BLK 270/271 ALBERT CENTRE", occ.Rows[0].Address)
}

func TestRunCurrent_ExtractionFailure(t *testing.T) {
	f := newFixture(t, testConfig(3, 1))
	f.extractor.On("FetchCurrent", mock.Anything).Return(nil, &scraper.ExtractionError{Op: "current", Err: errors.New("502")})
	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil)

	res, err := f.service.RunCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, StageExtract, res.Failures[0].Stage)
}

func TestRunCurrent_ReferenceFailureIsPartial(t *testing.T) {
	f := newFixture(t, testConfig(3, 1))
	f.extractor.On("FetchCurrent", mock.Anything).Return(currentSnapshot(time.Minute), nil)
	f.extractor.On("FetchCarparks", mock.Anything).Return(nil, errors.New("info api down"))

	res, err := f.service.RunCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Equal(t, 1, res.Load.Inserted)
}

func TestRunComplete(t *testing.T) {
	f := newFixture(t, testConfig(2, 1))
	f.extractor.On("FetchCurrent", mock.Anything).Return(currentSnapshot(time.Minute), nil)
	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil).Once()
	f.extractor.On("FetchAt", mock.Anything, at(jan16)).Return(snapshot(jan16, "ACB", "ACM"), nil)
	f.extractor.On("FetchAt", mock.Anything, at(jan17)).Return(nil, errors.New("timeout"))

	res, err := f.service.RunComplete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Current.Outcome)
	assert.Equal(t, OutcomePartial, res.Historical.Outcome)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Nil(t, res.Historical.Reference)

	require.NotNil(t, res.Utilization)
	assert.Equal(t, 2, res.Utilization.Analyzed)
	assert.Equal(t, 2, res.Utilization.HighCount)
	require.NotNil(t, res.Occupancy)
	assert.Equal(t, 1, res.Occupancy.Carparks)
	f.extractor.AssertExpectations(t)
}

// brokenReads fails the current-table read used by the occupancy report.
type brokenReads struct {
	store.Store
}

func (brokenReads) ListCurrentSince(ctx context.Context, since time.Time) ([]model.CurrentAvailability, error) {
	return nil, errors.New("read timeout")
}

func TestRunComplete_ReportFailureKeepsLoadResults(t *testing.T) {
	f := newFixture(t, testConfig(2, 1))
	f.service = NewService(brokenReads{f.store}, f.extractor, f.service.cfg, logging.Nop(), WithClock(clock))
	f.extractor.On("FetchCurrent", mock.Anything).Return(currentSnapshot(time.Minute), nil)
	f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil).Once()
	f.extractor.On("FetchAt", mock.Anything, at(jan16)).Return(snapshot(jan16, "ACB"), nil)
	f.extractor.On("FetchAt", mock.Anything, at(jan17)).Return(snapshot(jan17, "ACB"), nil)

	res, err := f.service.RunComplete(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res.Current)
	require.NotNil(t, res.Historical)
	assert.Equal(t, OutcomeSucceeded, res.Current.Outcome)
	assert.Equal(t, OutcomeSucceeded, res.Historical.Outcome)
	assert.Equal(t, 2, res.Historical.Loaded)

	assert.Nil(t, res.Occupancy)
	require.NotNil(t, res.Utilization)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, StageReport, res.Failures[0].Stage)
	assert.Contains(t, res.Failures[0].Reason, "occupancy: read timeout")
	assert.Equal(t, OutcomePartial, res.Outcome)
}

func TestTargetRange_EndsAtLastClosedWindow(t *testing.T) {
	testCases := []struct {
		name string
		now  time.Time
		want timeutil.DateRange
	}{
		{"10:00 SGT", time.Date(2024, 1, 17, 10, 0, 0, 0, timeutil.SGT), timeutil.DateRange{Start: jan15.AddDays(-1), End: jan16}},
		{"17:30 SGT", time.Date(2024, 1, 17, 17, 30, 0, 0, timeutil.SGT), timeutil.DateRange{Start: jan15.AddDays(-1), End: jan16}},
		{"19:00 SGT", time.Date(2024, 1, 17, 19, 0, 0, 0, timeutil.SGT), timeutil.DateRange{Start: jan15, End: jan17}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			now := tc.now
			s := NewService(nil, nil, testConfig(3, 1), logging.Nop(), WithClock(func() time.Time { return now }))
			assert.Equal(t, tc.want, s.TargetRange())
		})
	}
}

func TestRunHistorical_SkipsTodayUntilWindowCloses(t *testing.T) {
	for _, now := range []time.Time{
		time.Date(2024, 1, 17, 10, 0, 0, 0, timeutil.SGT),
		time.Date(2024, 1, 17, 17, 30, 0, 0, timeutil.SGT),
	} {
		t.Run(now.Format("15:04"), func(t *testing.T) {
			f := newFixture(t, testConfig(2, 1))
			f.service = NewService(f.store, f.extractor, f.service.cfg, logging.Nop(), WithClock(func() time.Time { return now }))
			f.seed(t, jan15, "ACB")
			f.extractor.On("FetchCarparks", mock.Anything).Return(referenceRows, nil)
			f.extractor.On("FetchAt", mock.Anything, at(jan16)).Return(snapshot(jan16, "ACB"), nil).Once()

			res, err := f.service.RunHistorical(context.Background(), delta.ModeDelta)
			require.NoError(t, err)
			assert.Equal(t, OutcomeSucceeded, res.Outcome)
			assert.Equal(t, timeutil.DateRange{Start: jan15, End: jan16}, res.Range)
			assert.Equal(t, []timeutil.Date{jan16}, res.Attempted)
			f.extractor.AssertNotCalled(t, "FetchAt", mock.Anything, at(jan17))

			cov, err := f.service.Coverage(context.Background())
			require.NoError(t, err)
			assert.Empty(t, cov.Missing)
		})
	}
}

func TestCoverage(t *testing.T) {
	f := newFixture(t, testConfig(3, 1))
	f.seed(t, jan16, "ACB")

	cov, err := f.service.Coverage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []timeutil.Date{jan16}, cov.Covered)
	assert.Equal(t, []timeutil.Date{jan15, jan17}, cov.Missing)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, OutcomeSucceeded, outcomeOf(0, 0, false))
	assert.Equal(t, OutcomeSucceeded, outcomeOf(3, 0, false))
	assert.Equal(t, OutcomePartial, outcomeOf(3, 0, true))
	assert.Equal(t, OutcomePartial, outcomeOf(2, 1, false))
	assert.Equal(t, OutcomeFailed, outcomeOf(0, 2, false))
	assert.Equal(t, OutcomePartial, outcomeOf(0, 0, true))

	assert.Equal(t, OutcomeSucceeded, combine(OutcomeSucceeded, OutcomeSucceeded))
	assert.Equal(t, OutcomeFailed, combine(OutcomeFailed, OutcomeFailed))
	assert.Equal(t, OutcomePartial, combine(OutcomeSucceeded, OutcomeFailed))
}
