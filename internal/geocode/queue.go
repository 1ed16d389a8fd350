package geocode

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"tasksync/internal/model"
)

const queueSize = 256

type Result struct {
	Name    string
	Address string
}

type Resolver interface {
	Reverse(ctx context.Context, lat, lng float64) (Result, error)
}

type Store interface {
	GetPlace(ctx context.Context, uid string) (*model.Place, error)
	UpdatePlace(ctx context.Context, place *model.Place) error
}

// Queue fills in place names and addresses one at a time in the background.
// A place already waiting in the queue is not queued again.
type Queue struct {
	store    Store
	resolver Resolver
	jobs     chan string
	pool     *pool.ContextPool
	cancel   context.CancelFunc

	mu      sync.Mutex
	pending map[string]struct{}
}

func NewQueue(ctx context.Context, store Store, resolver Resolver) *Queue {
	ctx, cancel := context.WithCancel(ctx)
	q := &Queue{
		store:    store,
		resolver: resolver,
		jobs:     make(chan string, queueSize),
		pool:     pool.New().WithContext(ctx).WithMaxGoroutines(1),
		cancel:   cancel,
		pending:  make(map[string]struct{}),
	}
	q.pool.Go(func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case uid := <-q.jobs:
				q.process(ctx, uid)
			}
		}
	})
	return q
}

func (q *Queue) Enqueue(placeUID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[placeUID]; ok {
		return
	}
	select {
	case q.jobs <- placeUID:
		q.pending[placeUID] = struct{}{}
	default:
		log.Warn().Str("place", placeUID).Msg("geocode queue is full, dropping place")
	}
}

func (q *Queue) Stop() {
	q.cancel()
	q.pool.Wait()
}

func (q *Queue) process(ctx context.Context, uid string) {
	q.mu.Lock()
	delete(q.pending, uid)
	q.mu.Unlock()

	place, err := q.store.GetPlace(ctx, uid)
	if err != nil {
		log.Err(err).Str("place", uid).Msg("error loading place for geocoding")
		return
	}
	res, err := q.resolver.Reverse(ctx, place.Latitude, place.Longitude)
	if err != nil {
		log.Err(err).Str("place", uid).Msg("error geocoding place")
		return
	}
	if res.Name == place.Name && res.Address == place.Address {
		return
	}
	place.Name, place.Address = res.Name, res.Address
	if err := q.store.UpdatePlace(ctx, place); err != nil {
		log.Err(err).Str("place", uid).Msg("error saving geocoded place")
		return
	}
	log.Debug().Str("place", uid).Str("name", place.Name).Msg("geocoded place")
}
