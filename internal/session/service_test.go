package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	closes   int // successful Open->Closed transitions
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]Session)}
}

func (f *fakeStore) Insert(_ context.Context, s Session) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = time.Now()
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) HasOpenSession(_ context.Context, classID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ClassID == classID && s.Status == StatusOpen {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) CloseIfOpen(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status != StatusOpen {
		return false, nil
	}
	s.Status = StatusClosed
	s.ClosureHandle = nil
	f.sessions[id] = s
	f.closes++
	return true, nil
}

func (f *fakeStore) SetClosureHandle(_ context.Context, id string, handle *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.ClosureHandle = handle
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) UpdateEndAt(_ context.Context, id string, endAt time.Time) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status != StatusOpen {
		return Session{}, ErrNotFound
	}
	s.EndAt = endAt
	f.sessions[id] = s
	return s, nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

type fakeScheduler struct {
	mu         sync.Mutex
	scheduled  []string // handles in schedule order
	cancelled  []string
	failSched  bool
	failCancel bool
}

func (f *fakeScheduler) Schedule(_ context.Context, sessionID string, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSched {
		return "", errors.New("facility unreachable")
	}
	handle := sessionID + ":" + uuid.NewString()
	f.scheduled = append(f.scheduled, handle)
	return handle, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCancel {
		return errors.New("facility unreachable")
	}
	f.cancelled = append(f.cancelled, handle)
	return nil
}

func window(d time.Duration) (date, start, end time.Time) {
	start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return start.Truncate(24 * time.Hour), start, start.Add(d)
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("opens session and schedules closure", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)

		date, start, end := window(time.Hour)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, sess.Status)
		require.NotNil(t, sess.ClosureHandle)
		assert.Equal(t, sch.scheduled[0], *sess.ClosureHandle)

		stored, err := st.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ClosureHandle, stored.ClosureHandle)
	})

	t.Run("rejects inverted window", func(t *testing.T) {
		svc := NewService(newFakeStore(), &fakeScheduler{})
		date, start, _ := window(time.Hour)
		_, err := svc.Create(ctx, "class-1", date, start, start.Add(-time.Minute))
		assert.ErrorIs(t, err, ErrInvalidWindow)
	})

	t.Run("rejects second open session for class", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		date, start, end := window(time.Hour)

		_, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)
		_, err = svc.Create(ctx, "class-1", date, start, end)
		assert.ErrorIs(t, err, ErrOpenSessionExists)

		// A different class is unaffected.
		_, err = svc.Create(ctx, "class-2", date, start, end)
		assert.NoError(t, err)
	})

	t.Run("scheduling failure still creates the session", func(t *testing.T) {
		st := newFakeStore()
		svc := NewService(st, &fakeScheduler{failSched: true})
		date, start, end := window(time.Hour)

		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, sess.Status)
		assert.Nil(t, sess.ClosureHandle)

		// Manual close still works afterwards.
		closed, err := svc.CloseManually(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, closed.Status)
	})
}

func TestService_CloseManually(t *testing.T) {
	ctx := context.Background()
	date, start, end := window(time.Hour)

	t.Run("closes open session and cancels task", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)

		closed, err := svc.CloseManually(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, closed.Status)
		assert.Nil(t, closed.ClosureHandle)
		assert.Equal(t, []string{*sess.ClosureHandle}, sch.cancelled)
	})

	t.Run("unknown session", func(t *testing.T) {
		svc := NewService(newFakeStore(), &fakeScheduler{})
		_, err := svc.CloseManually(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("second close reports already closed", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)

		_, err = svc.CloseManually(ctx, sess.ID)
		require.NoError(t, err)
		_, err = svc.CloseManually(ctx, sess.ID)
		assert.ErrorIs(t, err, ErrAlreadyClosed)
		assert.Equal(t, 1, st.closes)
	})

	t.Run("cancellation failure does not fail the close", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)

		sch.failCancel = true
		closed, err := svc.CloseManually(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, closed.Status)
	})
}

func TestService_OnScheduledClosureFired(t *testing.T) {
	ctx := context.Background()
	date, start, end := window(time.Hour)

	t.Run("closes the session once, repeated delivery is a no-op", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)
		handle := *sess.ClosureHandle

		require.NoError(t, svc.OnScheduledClosureFired(ctx, sess.ID, handle))
		require.NoError(t, svc.OnScheduledClosureFired(ctx, sess.ID, handle))

		stored, err := st.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, stored.Status)
		assert.Equal(t, 1, st.closes)
	})

	t.Run("firing after manual close is a silent no-op", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)
		handle := *sess.ClosureHandle

		_, err = svc.CloseManually(ctx, sess.ID)
		require.NoError(t, err)

		// Cancellation raced with the facility; the task still fires late.
		require.NoError(t, svc.OnScheduledClosureFired(ctx, sess.ID, handle))
		assert.Equal(t, 1, st.closes)
	})

	t.Run("firing for a deleted session is a no-op", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)
		handle := *sess.ClosureHandle

		require.NoError(t, svc.Delete(ctx, sess.ID))
		assert.NoError(t, svc.OnScheduledClosureFired(ctx, sess.ID, handle))
	})

	t.Run("stale task from before a reschedule does not close early", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)
		oldHandle := *sess.ClosureHandle

		_, err = svc.Reschedule(ctx, sess.ID, end.Add(30*time.Minute))
		require.NoError(t, err)

		require.NoError(t, svc.OnScheduledClosureFired(ctx, sess.ID, oldHandle))
		stored, err := st.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusOpen, stored.Status)

		// The replacement task closes it.
		require.NoError(t, svc.OnScheduledClosureFired(ctx, sess.ID, *stored.ClosureHandle))
		stored, err = st.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, stored.Status)
	})

	t.Run("late firing still closes an open session", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)

		// Hours past the end time; no staleness rejection.
		require.NoError(t, svc.OnScheduledClosureFired(ctx, sess.ID, *sess.ClosureHandle))
		stored, err := st.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusClosed, stored.Status)
	})
}

func TestService_Reschedule(t *testing.T) {
	ctx := context.Background()
	date, start, end := window(time.Hour)

	t.Run("moves end time and swaps the task", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)
		oldHandle := *sess.ClosureHandle

		newEnd := end.Add(time.Hour)
		updated, err := svc.Reschedule(ctx, sess.ID, newEnd)
		require.NoError(t, err)
		assert.True(t, updated.EndAt.Equal(newEnd))
		require.NotNil(t, updated.ClosureHandle)
		assert.NotEqual(t, oldHandle, *updated.ClosureHandle)
		assert.Equal(t, []string{oldHandle}, sch.cancelled)
	})

	t.Run("closed session cannot be rescheduled", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)
		_, err = svc.CloseManually(ctx, sess.ID)
		require.NoError(t, err)

		_, err = svc.Reschedule(ctx, sess.ID, end.Add(time.Hour))
		assert.ErrorIs(t, err, ErrAlreadyClosed)
	})

	t.Run("scheduling failure leaves session open without a handle", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)

		sch.failSched = true
		updated, err := svc.Reschedule(ctx, sess.ID, end.Add(time.Hour))
		require.NoError(t, err)
		assert.Nil(t, updated.ClosureHandle)
		assert.Equal(t, StatusOpen, updated.Status)
	})
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()
	date, start, end := window(time.Hour)

	t.Run("cancels outstanding task and removes the row", func(t *testing.T) {
		st, sch := newFakeStore(), &fakeScheduler{}
		svc := NewService(st, sch)
		sess, err := svc.Create(ctx, "class-1", date, start, end)
		require.NoError(t, err)

		require.NoError(t, svc.Delete(ctx, sess.ID))
		assert.Equal(t, []string{*sess.ClosureHandle}, sch.cancelled)
		_, err = st.Get(ctx, sess.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown session", func(t *testing.T) {
		svc := NewService(newFakeStore(), &fakeScheduler{})
		assert.ErrorIs(t, svc.Delete(ctx, "nope"), ErrNotFound)
	})
}

// Any interleaving of manual closes and scheduler firings yields exactly one
// Closed transition and never reopens the session.
func TestService_SingleClosedTransition(t *testing.T) {
	ctx := context.Background()
	date, start, end := window(time.Hour)

	st, sch := newFakeStore(), &fakeScheduler{}
	svc := NewService(st, sch)
	sess, err := svc.Create(ctx, "class-1", date, start, end)
	require.NoError(t, err)
	handle := *sess.ClosureHandle

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = svc.CloseManually(ctx, sess.ID)
		}()
		go func() {
			defer wg.Done()
			_ = svc.OnScheduledClosureFired(ctx, sess.ID, handle)
		}()
	}
	wg.Wait()

	stored, err := st.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, stored.Status)
	assert.Equal(t, 1, st.closes)
}
