// Package observation delivers change notifications for content handles.
package observation

import (
	"context"
	"sync"
	"time"
)

type Kind string

const (
	KindChanged       Kind = "changed"
	KindRemoved       Kind = "removed"
	KindBranchRemoved Kind = "branch-removed"
)

type Event struct {
	HandleID string    `json:"handleId"`
	Kind     Kind      `json:"kind"`
	UserID   string    `json:"userId,omitempty"`
	BranchID string    `json:"branchId,omitempty"`
	At       time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus fans events out to listeners registered per handle.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, handleID string, fn func(Event)) (Registration, error)
}

type Registration interface {
	Close() error
}

// LocalBus delivers events synchronously on the publishing goroutine.
type LocalBus struct {
	mu        sync.Mutex
	nextID    int
	listeners map[string]map[int]func(Event)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{listeners: make(map[string]map[int]func(Event))}
}

func (b *LocalBus) Publish(_ context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.listeners[event.HandleID]))
	for _, fn := range b.listeners[event.HandleID] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, handleID string, fn func(Event)) (Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	byID, ok := b.listeners[handleID]
	if !ok {
		byID = make(map[int]func(Event))
		b.listeners[handleID] = byID
	}
	byID[id] = fn
	return &localRegistration{bus: b, handleID: handleID, id: id}, nil
}

// Listeners reports how many callbacks are registered for a handle.
func (b *LocalBus) Listeners(handleID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[handleID])
}

type localRegistration struct {
	bus      *LocalBus
	handleID string
	id       int
	once     sync.Once
}

func (r *localRegistration) Close() error {
	r.once.Do(func() {
		r.bus.mu.Lock()
		defer r.bus.mu.Unlock()
		delete(r.bus.listeners[r.handleID], r.id)
		if len(r.bus.listeners[r.handleID]) == 0 {
			delete(r.bus.listeners, r.handleID)
		}
	})
	return nil
}
