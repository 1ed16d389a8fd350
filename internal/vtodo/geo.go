package vtodo

import (
	"strconv"
	"strings"

	"tasksync/internal/model"
)

type Geo struct {
	Latitude  float64
	Longitude float64
}

// Equalish compares coordinates after formatting, tolerating float drift from
// serialization round trips.
func (g Geo) Equalish(other *Geo) bool {
	if other == nil {
		return false
	}
	return model.CoordinateKey(g.Latitude) == model.CoordinateKey(other.Latitude) &&
		model.CoordinateKey(g.Longitude) == model.CoordinateKey(other.Longitude)
}

func (t *Todo) Geo() *Geo {
	v := strings.TrimSpace(t.value(propGeo))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ";")
	if len(parts) != 2 {
		return nil
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || lng < -180 || lng > 180 {
		return nil
	}
	return &Geo{Latitude: lat, Longitude: lng}
}

func (t *Todo) SetGeo(g *Geo) {
	if g == nil {
		t.remove(propGeo)
		return
	}
	t.set(propGeo, strconv.FormatFloat(g.Latitude, 'f', -1, 64)+";"+strconv.FormatFloat(g.Longitude, 'f', -1, 64), nil)
}
