// Package closer arranges automatic session closure with an external
// scheduled-task facility. The facility delivers tasks at-or-after their
// fire time, at-least-once; idempotency lives in the session lifecycle
// controller, not here.
package closer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSchedulingUnavailable means the facility could not accept the task.
	// Callers proceed without a scheduled closure.
	ErrSchedulingUnavailable = errors.New("closure scheduling unavailable")
	// ErrCancellationFailed means an outstanding task could not be removed.
	// Always non-fatal for callers.
	ErrCancellationFailed = errors.New("closure cancellation failed")
)

// Task is a pending "close this session" action.
type Task struct {
	Handle    string
	SessionID string
	FireAt    time.Time
}

// Facility is the external scheduled-task dependency. Implementations must
// keep a task visible in Due until it is acked, so a crash between firing
// and acking re-delivers it.
type Facility interface {
	Register(ctx context.Context, t Task) error
	Cancel(ctx context.Context, handle string) error
	Due(ctx context.Context, now time.Time) ([]Task, error)
	Ack(ctx context.Context, handle string) error
}

// Manager issues task handles and translates facility errors into the
// named outcomes callers expect.
type Manager struct {
	facility Facility
}

// NewManager wraps a facility.
func NewManager(f Facility) *Manager {
	return &Manager{facility: f}
}

// Schedule registers a closure for sessionID at the given time and returns
// an opaque handle for later cancellation.
func (m *Manager) Schedule(ctx context.Context, sessionID string, at time.Time) (string, error) {
	handle := newHandle(sessionID)
	err := m.facility.Register(ctx, Task{Handle: handle, SessionID: sessionID, FireAt: at})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSchedulingUnavailable, err)
	}
	return handle, nil
}

// Cancel removes an outstanding task, best effort.
func (m *Manager) Cancel(ctx context.Context, handle string) error {
	if err := m.facility.Cancel(ctx, handle); err != nil {
		return fmt.Errorf("%w: %v", ErrCancellationFailed, err)
	}
	return nil
}

// Handles embed the session id so a task member is self-describing on the
// wire: "<sessionID>:<random>".
func newHandle(sessionID string) string {
	return sessionID + ":" + uuid.NewString()
}

// SessionIDFromHandle recovers the session id a handle was minted for.
func SessionIDFromHandle(handle string) (string, bool) {
	i := strings.LastIndexByte(handle, ':')
	if i <= 0 {
		return "", false
	}
	return handle[:i], true
}
