package model

import "time"

// Carpark is the reference metadata of one HDB carpark.
type Carpark struct {
	CarparkNumber     string   `gorm:"column:car_park_no;primaryKey;size:16"`
	Address           string   `gorm:"size:256"`
	XCoord            *float64 `gorm:"column:x_coord"`
	YCoord            *float64 `gorm:"column:y_coord"`
	CarparkType       string   `gorm:"column:car_park_type;size:64"`
	ParkingSystemType string   `gorm:"column:type_of_parking_system;size:64;index"`
	ShortTermParking  string   `gorm:"size:64"`
	FreeParking       string   `gorm:"size:128"`
	NightParking      string   `gorm:"size:8"`
	CarparkDecks      *int     `gorm:"column:car_park_decks"`
	GantryHeight      *float64 `gorm:"column:gantry_height"`
	CarparkBasement   string   `gorm:"column:car_park_basement;size:8"`
	UpdatedAt         time.Time
}

// TableName keeps the table name used by the reporting layer.
func (Carpark) TableName() string {
	return "ref_carpark_info"
}
