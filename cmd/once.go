package cmd

import (
	"context"

	"github.com/rs/zerolog/log"

	"tasksync/internal/transport"
)

func onceCmd(ctx context.Context) func() {
	useCase, stop := newUseCase(ctx, transport.NewCalDAV())
	defer stop()
	if err := useCase.SyncOnce(); err != nil {
		log.Fatal().Err(err).Msg("sync failed")
	}
	return nil
}
