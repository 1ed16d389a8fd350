package cmd

import (
	"context"

	"tasksync/internal/config"
	"tasksync/internal/transport"
)

func syncCmd(ctx context.Context) func() {
	useCase, stop := newUseCase(ctx, transport.NewCalDAV())
	useCase.WatchChanges()
	useCase.TaskSync(config.Gist().String(config.SYNC_CRON))
	return stop
}
