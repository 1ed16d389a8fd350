package geocode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"tasksync/internal/model"
)

type memStore struct {
	mu     sync.Mutex
	places map[string]model.Place
	saved  chan string
}

func (s *memStore) GetPlace(_ context.Context, uid string) (*model.Place, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.places[uid]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &p, nil
}

func (s *memStore) UpdatePlace(_ context.Context, place *model.Place) error {
	s.mu.Lock()
	s.places[place.UID] = *place
	s.mu.Unlock()
	s.saved <- place.UID
	return nil
}

// blockingResolver holds every lookup until release is closed.
type blockingResolver struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	err     error
}

func (r *blockingResolver) Reverse(ctx context.Context, lat, lng float64) (Result, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	select {
	case <-r.release:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if r.err != nil {
		return Result{}, r.err
	}
	return Result{Name: "Home", Address: "Main St 1"}, nil
}

func TestQueueWritesResult(t *testing.T) {
	store := &memStore{
		places: map[string]model.Place{"p1": {UID: "p1", Latitude: 1, Longitude: 2}},
		saved:  make(chan string, 1),
	}
	resolver := &blockingResolver{release: make(chan struct{})}
	close(resolver.release)
	q := NewQueue(context.Background(), store, resolver)
	defer q.Stop()

	q.Enqueue("p1")
	select {
	case uid := <-store.saved:
		if uid != "p1" {
			t.Fatalf("saved %s", uid)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("place was not geocoded")
	}
	p, _ := store.GetPlace(context.Background(), "p1")
	if p.Name != "Home" || p.Address != "Main St 1" {
		t.Errorf("place = %+v", p)
	}
}

func TestQueueDeduplicatesPendingPlaces(t *testing.T) {
	store := &memStore{
		places: map[string]model.Place{
			"p1": {UID: "p1"},
			"p2": {UID: "p2"},
		},
		saved: make(chan string, 4),
	}
	resolver := &blockingResolver{release: make(chan struct{})}
	q := NewQueue(context.Background(), store, resolver)
	defer q.Stop()

	// p1 is taken by the worker, the rest wait in the queue
	q.Enqueue("p1")
	for deadline := time.Now().Add(5 * time.Second); ; {
		resolver.mu.Lock()
		started := resolver.calls == 1
		resolver.mu.Unlock()
		if started {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker did not start")
		}
		time.Sleep(time.Millisecond)
	}
	q.Enqueue("p2")
	q.Enqueue("p2")
	q.Enqueue("p2")
	close(resolver.release)

	for range 2 {
		select {
		case <-store.saved:
		case <-time.After(5 * time.Second):
			t.Fatal("place was not geocoded")
		}
	}
	q.Stop()
	if resolver.calls != 2 {
		t.Errorf("resolver called %d times, want 2", resolver.calls)
	}
}

func TestQueueSkipsFailures(t *testing.T) {
	store := &memStore{
		places: map[string]model.Place{"p1": {UID: "p1", Name: "kept"}},
		saved:  make(chan string, 1),
	}
	resolver := &blockingResolver{release: make(chan struct{}), err: errors.New("rate limited")}
	close(resolver.release)
	q := NewQueue(context.Background(), store, resolver)

	q.Enqueue("missing")
	q.Enqueue("p1")
	for deadline := time.Now().Add(5 * time.Second); ; {
		resolver.mu.Lock()
		done := resolver.calls == 1
		resolver.mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("resolver not called")
		}
		time.Sleep(time.Millisecond)
	}
	q.Stop()

	select {
	case uid := <-store.saved:
		t.Errorf("saved %s after failure", uid)
	default:
	}
	if p, _ := store.GetPlace(context.Background(), "p1"); p.Name != "kept" {
		t.Errorf("place overwritten: %+v", p)
	}
}
