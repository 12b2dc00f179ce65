package scraper

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AvailabilityResponse models the top-level structure of the carpark availability API.
// carpark_data entries are kept raw so each one can be stored as the audit payload.
type AvailabilityResponse struct {
	Items []struct {
		Timestamp   string            `json:"timestamp"`
		CarparkData []json.RawMessage `json:"carpark_data"`
	} `json:"items"`
}

// CarparkData is one carpark entry of an availability snapshot.
type CarparkData struct {
	CarparkInfo    []LotInfo `json:"carpark_info"`
	CarparkNumber  string    `json:"carpark_number"`
	UpdateDatetime string    `json:"update_datetime"`
}

// LotInfo holds the counts of one lot type.
type LotInfo struct {
	TotalLots     FlexString `json:"total_lots"`
	LotType       string     `json:"lot_type"`
	LotsAvailable FlexString `json:"lots_available"`
}

// CarparkInfoResponse models the datastore_search response of the carpark information dataset.
type CarparkInfoResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Records []CarparkInfo `json:"records"`
		Total   int           `json:"total"`
		Limit   int           `json:"limit"`
		Offset  int           `json:"offset"`
	} `json:"result"`
}

// CarparkInfo is one raw row of the carpark information dataset.
type CarparkInfo struct {
	CarparkNumber       string     `json:"car_park_no"`
	Address             string     `json:"address"`
	XCoord              FlexString `json:"x_coord"`
	YCoord              FlexString `json:"y_coord"`
	CarparkType         string     `json:"car_park_type"`
	TypeOfParkingSystem string     `json:"type_of_parking_system"`
	ShortTermParking    string     `json:"short_term_parking"`
	FreeParking         string     `json:"free_parking"`
	NightParking        string     `json:"night_parking"`
	CarparkDecks        FlexString `json:"car_park_decks"`
	GantryHeight        FlexString `json:"gantry_height"`
	CarparkBasement     string     `json:"car_park_basement"`
}

// RawRecord is one flattened (carpark, lot type) observation, values still as sent upstream.
type RawRecord struct {
	CarparkNumber     string
	UpdateDatetime    string // per-carpark update_datetime
	SnapshotTimestamp string // timestamp of the enclosing snapshot
	TotalLots         string
	LotsAvailable     string
	LotType           string
	Payload           json.RawMessage
}

// FlexString accepts a JSON string, number or null and keeps its text.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", b)
		}
		*f = FlexString(n.String())
	}
	return nil
}

// Flatten expands a snapshot into one RawRecord per carpark and lot type.
// A carpark entry that cannot be decoded is passed on with only its payload set,
// leaving the transformer to reject it.
func Flatten(resp *AvailabilityResponse) []RawRecord {
	var records []RawRecord
	for _, item := range resp.Items {
		for _, raw := range item.CarparkData {
			var cp CarparkData
			if err := json.Unmarshal(raw, &cp); err != nil {
				records = append(records, RawRecord{SnapshotTimestamp: item.Timestamp, Payload: raw})
				continue
			}
			for _, lot := range cp.CarparkInfo {
				records = append(records, RawRecord{
					CarparkNumber:     cp.CarparkNumber,
					UpdateDatetime:    cp.UpdateDatetime,
					SnapshotTimestamp: item.Timestamp,
					TotalLots:         string(lot.TotalLots),
					LotsAvailable:     string(lot.LotsAvailable),
					LotType:           lot.LotType,
					Payload:           raw,
				})
			}
		}
	}
	return records
}
