package domain

import (
	"context"

	"github.com/adhocore/gronx/pkg/tasker"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"tasksync/internal/model"
)

type Syncer interface {
	Sync(ctx context.Context) error
}

type UseCase struct {
	syncer  Syncer
	pool    *pool.ContextPool
	ctx     context.Context
	changes chan struct{}
}

func New(ctx context.Context, syncer Syncer) *UseCase {
	return &UseCase{
		syncer:  syncer,
		pool:    pool.New().WithContext(ctx).WithMaxGoroutines(10),
		ctx:     ctx,
		changes: make(chan struct{}, 1),
	}
}

func (uc *UseCase) SyncOnce() error {
	if err := uc.syncer.Sync(uc.ctx); err != nil {
		log.Err(err).Msg("error syncing")
		return err
	}
	return nil
}

func (uc *UseCase) TaskSync(cronExpr string) {
	taskr := tasker.New(tasker.Option{})
	taskr.Task(cronExpr, func(_ context.Context) (int, error) {
		return 0, uc.SyncOnce()
	})
	uc.pool.Go(func(ctx context.Context) error {
		taskr.Run()
		return nil
	})
}

// OnTaskChanged requests a sync pass after a local edit. Requests made while
// one is already pending collapse into it.
func (uc *UseCase) OnTaskChanged(ev model.TaskEvent) {
	if ev.Source != model.SourceLocal {
		return
	}
	select {
	case uc.changes <- struct{}{}:
	default:
	}
}

func (uc *UseCase) WatchChanges() {
	uc.pool.Go(func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-uc.changes:
				_ = uc.SyncOnce()
			}
		}
	})
}

func (uc *UseCase) Stop() {
	uc.pool.Wait()
}
