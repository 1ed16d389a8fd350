package model

import "strconv"

const DefaultGeofenceRadius = 250

type Place struct {
	ID        int64  `gorm:"primaryKey"`
	UID       string `gorm:"uniqueIndex"`
	Name      string
	Address   string
	Latitude  float64
	Longitude float64
}

type Geofence struct {
	ID        int64  `gorm:"primaryKey"`
	Task      int64  `gorm:"index"`
	Place     string `gorm:"index"`
	Radius    int
	Arrival   bool
	Departure bool
}

type Location struct {
	Geofence Geofence
	Place    Place
}

// CoordinateKey formats a coordinate for approximate matching. Values that
// went through a remote round trip only agree up to a few decimal places.
func CoordinateKey(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func (p Place) SameCoordinates(lat, lng float64) bool {
	return CoordinateKey(p.Latitude) == CoordinateKey(lat) && CoordinateKey(p.Longitude) == CoordinateKey(lng)
}

func (Place) TableName() string    { return "places" }
func (Geofence) TableName() string { return "geofences" }
