package translator

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"tasksync/internal/model"
	"tasksync/internal/vtodo"
)

type LocationStore interface {
	FindPlace(ctx context.Context, lat, lng float64) (*model.Place, error)
	InsertPlace(ctx context.Context, place *model.Place) error
	GetGeofences(ctx context.Context, taskID int64) ([]model.Location, error)
	GetActiveGeofences(ctx context.Context, taskID int64) ([]model.Location, error)
	InsertGeofence(ctx context.Context, geofence *model.Geofence) error
	UpdateGeofence(ctx context.Context, geofence *model.Geofence) error
	DeleteGeofence(ctx context.Context, id int64) error
}

// Monitor refreshes whatever watches a place for arrival and departure.
type Monitor interface {
	Update(ctx context.Context, place model.Place)
}

// Geocoder resolves a place's name and address in the background.
type Geocoder interface {
	Enqueue(placeUID string)
}

type Places struct {
	store    LocationStore
	monitor  Monitor
	geocoder Geocoder
	radius   int
}

func NewPlaces(store LocationStore, monitor Monitor, geocoder Geocoder, radius int) *Places {
	if radius <= 0 {
		radius = model.DefaultGeofenceRadius
	}
	return &Places{
		store:    store,
		monitor:  monitor,
		geocoder: geocoder,
		radius:   radius,
	}
}

// Apply points the task's geofence at geo, or removes it when geo is nil.
func (p *Places) Apply(ctx context.Context, taskID int64, geo *vtodo.Geo) error {
	if geo == nil {
		active, err := p.store.GetActiveGeofences(ctx, taskID)
		if err != nil {
			return err
		}
		for _, l := range active {
			if err := p.store.DeleteGeofence(ctx, l.Geofence.ID); err != nil {
				return err
			}
			p.monitor.Update(ctx, l.Place)
		}
		return nil
	}

	place, err := p.store.FindPlace(ctx, geo.Latitude, geo.Longitude)
	if errors.Is(err, model.ErrNotFound) {
		place = &model.Place{Latitude: geo.Latitude, Longitude: geo.Longitude}
		if err := p.store.InsertPlace(ctx, place); err != nil {
			return err
		}
		log.Debug().Str("place", place.UID).Float64("lat", place.Latitude).Float64("lng", place.Longitude).Msg("new place")
		p.geocoder.Enqueue(place.UID)
	} else if err != nil {
		return err
	}

	// completed and deleted tasks keep their geofence, it only stops being active
	current, err := p.store.GetGeofences(ctx, taskID)
	if err != nil {
		return err
	}
	switch {
	case len(current) == 0:
		geofence := &model.Geofence{
			Task:    taskID,
			Place:   place.UID,
			Radius:  p.radius,
			Arrival: true,
		}
		if err := p.store.InsertGeofence(ctx, geofence); err != nil {
			return err
		}
	case current[0].Place.UID != place.UID:
		geofence := current[0].Geofence
		geofence.Place = place.UID
		if err := p.store.UpdateGeofence(ctx, &geofence); err != nil {
			return err
		}
		p.monitor.Update(ctx, current[0].Place)
	}
	p.monitor.Update(ctx, *place)
	return nil
}

// Geo returns the coordinates of the task's geofence, active or not.
func (p *Places) Geo(ctx context.Context, taskID int64) (*vtodo.Geo, error) {
	current, err := p.store.GetGeofences(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return nil, nil
	}
	return &vtodo.Geo{Latitude: current[0].Place.Latitude, Longitude: current[0].Place.Longitude}, nil
}
