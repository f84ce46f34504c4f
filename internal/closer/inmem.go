package closer

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemFacility is a map-backed facility for dev and tests. Tests drive it
// deterministically by calling Due with chosen clock values.
type InMemFacility struct {
	mu    sync.Mutex
	tasks map[string]Task
}

// NewInMemFacility creates an empty facility.
func NewInMemFacility() *InMemFacility {
	return &InMemFacility{tasks: make(map[string]Task)}
}

// Register stores the task.
func (f *InMemFacility) Register(_ context.Context, t Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.Handle] = t
	return nil
}

// Cancel removes the task; unknown handles are a no-op.
func (f *InMemFacility) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, handle)
	return nil
}

// Due returns tasks whose fire time has passed, earliest first. Tasks stay
// registered until acked.
func (f *InMemFacility) Due(_ context.Context, now time.Time) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []Task
	for _, t := range f.tasks {
		if !t.FireAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	return due, nil
}

// Ack removes a fired task.
func (f *InMemFacility) Ack(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, handle)
	return nil
}

// Len reports the number of outstanding tasks.
func (f *InMemFacility) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}
