package cmd

import (
	"context"

	"tasksync/internal/transport"
)

func noopCmd(ctx context.Context) func() {
	useCase, stop := newUseCase(ctx, &transport.Noop{})
	useCase.TaskSync("* * * * *")
	return stop
}
