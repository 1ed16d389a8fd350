package monitor

import (
	"context"

	"github.com/rs/zerolog/log"

	"tasksync/internal/model"
	"tasksync/internal/translator"
)

var _ translator.Monitor = (*Noop)(nil)

// Noop logs geofence refreshes for hosts without location monitoring.
type Noop struct{}

func (m *Noop) Update(_ context.Context, place model.Place) {
	log.Info().
		Str("place", place.UID).
		Float64("lat", place.Latitude).
		Float64("lng", place.Longitude).
		Msg("noop monitor update call")
}
