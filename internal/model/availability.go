package model

import (
	"time"

	"gorm.io/datatypes"
)

// AvailabilityRecord is one observation of one carpark's lot counts, in canonical form.
type AvailabilityRecord struct {
	CarparkNumber   string
	UpdateTimestamp time.Time // SGT, as reported by the source
	IngestTimestamp time.Time // SGT, when the pipeline observed it
	TotalLots       *int
	AvailableLots   *int
	LotType         string
	RawPayload      datatypes.JSON
}

// CurrentAvailability is the append-only log of current snapshots.
type CurrentAvailability struct {
	ID              int64          `gorm:"primaryKey"`
	IngestTimestamp time.Time      `gorm:"column:ingest_ts_sgt;not null;index"`
	CarparkNumber   string         `gorm:"size:16;not null;index"`
	TotalLots       *int           `gorm:"column:total_lots"`
	LotType         string         `gorm:"size:8"`
	AvailableLots   *int           `gorm:"column:available_lots"`
	UpdateTimestamp time.Time      `gorm:"column:update_datetime_sg;not null;index"`
	RawPayload      datatypes.JSON `gorm:"column:payload_json"`
}

// TableName keeps the table name used by the reporting layer.
func (CurrentAvailability) TableName() string {
	return "raw_carpark_current_availability"
}

// HistoricalAvailability holds the 6pm window observations of the trailing 30 days.
// (update_datetime_sg, carpark_number) is the natural key; WindowDate is the SGT date
// whose window the row belongs to and backs the coverage query.
type HistoricalAvailability struct {
	ID              int64          `gorm:"primaryKey"`
	IngestTimestamp time.Time      `gorm:"column:ingest_ts_sgt;not null"`
	CarparkNumber   string         `gorm:"size:16;not null;uniqueIndex:idx_historical_natural_key,priority:2"`
	TotalLots       *int           `gorm:"column:total_lots"`
	LotType         string         `gorm:"size:8"`
	AvailableLots   *int           `gorm:"column:available_lots"`
	UpdateTimestamp time.Time      `gorm:"column:update_datetime_sg;not null;uniqueIndex:idx_historical_natural_key,priority:1"`
	WindowDate      string         `gorm:"size:10;not null;index"`
	RawPayload      datatypes.JSON `gorm:"column:payload_json"`
}

// TableName keeps the table name used by the reporting layer.
func (HistoricalAvailability) TableName() string {
	return "raw_carpark_availability_6pm_last_30days"
}

// NewCurrentAvailability maps a canonical record onto the current table.
func NewCurrentAvailability(r AvailabilityRecord) CurrentAvailability {
	return CurrentAvailability{
		IngestTimestamp: r.IngestTimestamp,
		CarparkNumber:   r.CarparkNumber,
		TotalLots:       r.TotalLots,
		LotType:         r.LotType,
		AvailableLots:   r.AvailableLots,
		UpdateTimestamp: r.UpdateTimestamp,
		RawPayload:      r.RawPayload,
	}
}

// NewHistoricalAvailability maps a canonical record onto the historical table for windowDate.
func NewHistoricalAvailability(r AvailabilityRecord, windowDate string) HistoricalAvailability {
	return HistoricalAvailability{
		IngestTimestamp: r.IngestTimestamp,
		CarparkNumber:   r.CarparkNumber,
		TotalLots:       r.TotalLots,
		LotType:         r.LotType,
		AvailableLots:   r.AvailableLots,
		UpdateTimestamp: r.UpdateTimestamp,
		WindowDate:      windowDate,
		RawPayload:      r.RawPayload,
	}
}
