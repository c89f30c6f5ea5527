package live

import (
	"context"
	"sync"
)

// LocalFeed is an in-process Feed for single-replica and dev deployments.
// Slow subscribers drop events rather than block publishers.
type LocalFeed struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*localSubscription
}

func NewLocalFeed() *LocalFeed {
	return &LocalFeed{subs: map[string]map[int]*localSubscription{}}
}

func (f *LocalFeed) Publish(_ context.Context, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs[event.ProblemID] {
		select {
		case sub.events <- event:
		default:
		}
	}
	return nil
}

func (f *LocalFeed) Subscribe(ctx context.Context, problemID string) (Subscription, error) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	sub := &localSubscription{
		events: make(chan Event, 16),
		done:   make(chan struct{}),
		cancel: func() { f.remove(problemID, id) },
	}
	if f.subs[problemID] == nil {
		f.subs[problemID] = map[int]*localSubscription{}
	}
	f.subs[problemID][id] = sub
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (f *LocalFeed) remove(problemID string, id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[problemID][id]
	if !ok {
		return
	}
	delete(f.subs[problemID], id)
	if len(f.subs[problemID]) == 0 {
		delete(f.subs, problemID)
	}
	close(sub.events)
}

type localSubscription struct {
	events chan Event
	done   chan struct{}
	cancel func()
	once   sync.Once
}

func (s *localSubscription) Events() <-chan Event {
	return s.events
}

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}
