package cmd

import (
	"context"

	"github.com/rs/zerolog/log"

	"tasksync/internal/config"
	"tasksync/internal/domain"
	"tasksync/internal/entitlement"
	"tasksync/internal/geocode"
	"tasksync/internal/monitor"
	"tasksync/internal/storage"
	"tasksync/internal/synchronizer"
	"tasksync/internal/translator"
)

func newUseCase(ctx context.Context, t synchronizer.Transport) (*domain.UseCase, func()) {
	db, err := storage.NewDB(config.Gist().String(config.DB_DSN))
	if err != nil {
		log.Fatal().Err(err).Msg("error opening database")
	}
	store := storage.New(db)

	queue := geocode.NewQueue(ctx, store, geocode.NewNominatim(config.Gist().String(config.GEOCODE_URL)))
	places := translator.NewPlaces(store, &monitor.Noop{}, queue, config.Gist().Int(config.GEOFENCE_RADIUS))
	tr := translator.New(store, places, config.Location())
	syncer := synchronizer.New(t, store, tr,
		entitlement.New(config.Gist(), config.SYNC_PRO),
		synchronizer.Options{
			Workers:      config.Gist().Int(config.SYNC_WORKERS),
			CascadeTasks: config.Gist().Bool(config.SYNC_CASCADE_TASKS),
		})

	useCase := domain.New(ctx, syncer)
	store.Subscribe(useCase.OnTaskChanged)
	return useCase, func() {
		useCase.Stop()
		queue.Stop()
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
