package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"carpark-etl/internal/model"
	"carpark-etl/internal/timeutil"
)

const batchSize = 500

// Store defines the interface for all database operations.
type Store interface {
	ExistingDates(ctx context.Context, r timeutil.DateRange) ([]timeutil.Date, error)
	UpsertHistorical(ctx context.Context, date timeutil.Date, records []model.AvailabilityRecord) (LoadResult, error)
	AppendCurrent(ctx context.Context, records []model.AvailabilityRecord) (LoadResult, error)
	UpsertCarparks(ctx context.Context, carparks []model.Carpark) (LoadResult, error)
	PruneHistorical(ctx context.Context, before timeutil.Date) (int64, error)
	ListHistorical(ctx context.Context, r timeutil.DateRange) ([]model.HistoricalAvailability, error)
	ListCurrentSince(ctx context.Context, since time.Time) ([]model.CurrentAvailability, error)
	ListCarparks(ctx context.Context) ([]model.Carpark, error)
	Ping(ctx context.Context) error
	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// Ping checks that the database is reachable.
func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// ExistingDates returns the dates of r that already hold at least one historical row, ascending.
func (s *gormStore) ExistingDates(ctx context.Context, r timeutil.DateRange) ([]timeutil.Date, error) {
	var raw []string
	err := s.db.WithContext(ctx).
		Model(&model.HistoricalAvailability{}).
		Distinct("window_date").
		Where("window_date BETWEEN ? AND ?", r.Start.String(), r.End.String()).
		Order("window_date").
		Pluck("window_date", &raw).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query existing dates: %w", err)
	}

	dates := make([]timeutil.Date, 0, len(raw))
	for _, v := range raw {
		d, err := timeutil.ParseDate(v)
		if err != nil {
			return nil, fmt.Errorf("corrupt window_date %q: %w", v, err)
		}
		dates = append(dates, d)
	}
	return dates, nil
}

// UpsertHistorical loads one date's window records in a single transaction.
// Rows whose (update_datetime_sg, carpark_number) already exist are left untouched,
// so loading the same records twice inserts nothing the second time.
func (s *gormStore) UpsertHistorical(ctx context.Context, date timeutil.Date, records []model.AvailabilityRecord) (LoadResult, error) {
	rows := dedupHistorical(date, records)
	result := LoadResult{Total: len(records)}
	if len(rows) == 0 {
		result.SkippedDuplicate = len(records)
		return result, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "update_datetime_sg"}, {Name: "carpark_number"}},
			DoNothing: true,
		}).CreateInBatches(&rows, batchSize)
		if res.Error != nil {
			return res.Error
		}
		result.Inserted = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return LoadResult{}, &LoadError{Table: model.HistoricalAvailability{}.TableName(), Date: date.String(), Err: err}
	}
	result.SkippedDuplicate = len(records) - result.Inserted
	return result, nil
}

// dedupHistorical maps records onto table rows, keeping the first record per natural key.
func dedupHistorical(date timeutil.Date, records []model.AvailabilityRecord) []model.HistoricalAvailability {
	type key struct {
		ts      int64
		carpark string
	}
	seen := make(map[key]struct{}, len(records))
	rows := make([]model.HistoricalAvailability, 0, len(records))
	for _, r := range records {
		k := key{ts: r.UpdateTimestamp.UnixNano(), carpark: r.CarparkNumber}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		row := model.NewHistoricalAvailability(r, date.String())
		row.UpdateTimestamp = timeutil.ToSGT(row.UpdateTimestamp)
		row.IngestTimestamp = timeutil.ToSGT(row.IngestTimestamp)
		rows = append(rows, row)
	}
	return rows
}

// AppendCurrent appends a current snapshot in a single transaction.
func (s *gormStore) AppendCurrent(ctx context.Context, records []model.AvailabilityRecord) (LoadResult, error) {
	result := LoadResult{Total: len(records)}
	if len(records) == 0 {
		return result, nil
	}

	rows := make([]model.CurrentAvailability, 0, len(records))
	for _, r := range records {
		row := model.NewCurrentAvailability(r)
		row.UpdateTimestamp = timeutil.ToSGT(row.UpdateTimestamp)
		row.IngestTimestamp = timeutil.ToSGT(row.IngestTimestamp)
		rows = append(rows, row)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.CreateInBatches(&rows, batchSize)
		if res.Error != nil {
			return res.Error
		}
		result.Inserted = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return LoadResult{}, &LoadError{Table: model.CurrentAvailability{}.TableName(), Err: err}
	}
	return result, nil
}

// carparkColumns are refreshed on every reference load.
var carparkColumns = []string{
	"address", "x_coord", "y_coord", "car_park_type", "type_of_parking_system",
	"short_term_parking", "free_parking", "night_parking", "car_park_decks",
	"gantry_height", "car_park_basement", "updated_at",
}

// UpsertCarparks inserts or refreshes carpark reference rows keyed by car_park_no.
func (s *gormStore) UpsertCarparks(ctx context.Context, carparks []model.Carpark) (LoadResult, error) {
	result := LoadResult{Total: len(carparks)}
	if len(carparks) == 0 {
		return result, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "car_park_no"}},
			DoUpdates: clause.AssignmentColumns(carparkColumns),
		}).CreateInBatches(&carparks, batchSize)
		if res.Error != nil {
			return res.Error
		}
		result.Inserted = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return LoadResult{}, &LoadError{Table: model.Carpark{}.TableName(), Err: err}
	}
	return result, nil
}

// PruneHistorical deletes historical rows whose window date is before the given date.
func (s *gormStore) PruneHistorical(ctx context.Context, before timeutil.Date) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("window_date < ?", before.String()).
		Delete(&model.HistoricalAvailability{})
	if res.Error != nil {
		return 0, &LoadError{Table: model.HistoricalAvailability{}.TableName(), Date: before.String(), Err: res.Error}
	}
	return res.RowsAffected, nil
}

// ListHistorical returns every historical row whose window date lies in r.
func (s *gormStore) ListHistorical(ctx context.Context, r timeutil.DateRange) ([]model.HistoricalAvailability, error) {
	var rows []model.HistoricalAvailability
	err := s.db.WithContext(ctx).
		Where("window_date BETWEEN ? AND ?", r.Start.String(), r.End.String()).
		Order("carpark_number, update_datetime_sg").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list historical availability: %w", err)
	}
	return rows, nil
}

// ListCurrentSince returns current rows updated at or after since, oldest ingest first.
func (s *gormStore) ListCurrentSince(ctx context.Context, since time.Time) ([]model.CurrentAvailability, error) {
	var rows []model.CurrentAvailability
	err := s.db.WithContext(ctx).
		Where("update_datetime_sg >= ?", timeutil.ToSGT(since)).
		Order("ingest_ts_sgt, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list current availability: %w", err)
	}
	return rows, nil
}

// ListCarparks returns the whole carpark reference table.
func (s *gormStore) ListCarparks(ctx context.Context) ([]model.Carpark, error) {
	var carparks []model.Carpark
	if err := s.db.WithContext(ctx).Order("car_park_no").Find(&carparks).Error; err != nil {
		return nil, fmt.Errorf("failed to list carparks: %w", err)
	}
	return carparks, nil
}
