package models

import "time"

// LocationSample is an accepted position fix of a driver.
type LocationSample struct {
	ID        string    `db:"id" json:"id"`
	DriverID  string    `db:"driver_id" json:"driver_id"`
	Latitude  float64   `db:"latitude" json:"lat"`
	Longitude float64   `db:"longitude" json:"lng"`
	Accuracy  float64   `db:"accuracy" json:"accuracy"` // meters
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Speed     *float64  `db:"speed" json:"speed,omitempty"`     // m/s
	Heading   *float64  `db:"heading" json:"heading,omitempty"` // degrees
	Synced    bool      `db:"synced" json:"-"`
}

// TableName returns the table name for LocationSample.
func (LocationSample) TableName() string {
	return "location_samples"
}

// MaxSyncedSamples is how many synced samples are retained after a location
// sync pass. Unsynced samples are never pruned.
const MaxSyncedSamples = 100
