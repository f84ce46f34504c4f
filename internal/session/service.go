package session

import (
	"context"
	"errors"
	"log"
	"time"

	"qrattend/internal/metrics"
)

// Store is the persistence the controller needs. *Repository satisfies it;
// tests substitute an in-memory fake.
type Store interface {
	Insert(ctx context.Context, s Session) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	HasOpenSession(ctx context.Context, classID string) (bool, error)
	CloseIfOpen(ctx context.Context, id string) (bool, error)
	SetClosureHandle(ctx context.Context, id string, handle *string) error
	UpdateEndAt(ctx context.Context, id string, endAt time.Time) (Session, error)
	Delete(ctx context.Context, id string) error
}

// Scheduler arranges and cancels future closure tasks with the external
// task facility.
type Scheduler interface {
	Schedule(ctx context.Context, sessionID string, at time.Time) (string, error)
	Cancel(ctx context.Context, handle string) error
}

// Service owns the session lifecycle: it is the only writer of the status
// column and the only party that registers or cancels closure tasks.
type Service struct {
	store Store
	sched Scheduler
	now   func() time.Time
}

// NewService creates the lifecycle controller.
func NewService(store Store, sched Scheduler) *Service {
	return &Service{store: store, sched: sched, now: time.Now}
}

// Create opens a new session and arranges its automatic closure at endAt.
// Scheduling failure does not abort creation; the session then relies on a
// manual close.
func (s *Service) Create(ctx context.Context, classID string, date, startAt, endAt time.Time) (Session, error) {
	if !startAt.Before(endAt) {
		return Session{}, ErrInvalidWindow
	}
	open, err := s.store.HasOpenSession(ctx, classID)
	if err != nil {
		return Session{}, err
	}
	if open {
		return Session{}, ErrOpenSessionExists
	}

	sess, err := s.store.Insert(ctx, Session{
		ClassID:     classID,
		SessionDate: date,
		StartAt:     startAt,
		EndAt:       endAt,
		Status:      StatusOpen,
	})
	if err != nil {
		return Session{}, err
	}

	handle, err := s.sched.Schedule(ctx, sess.ID, endAt)
	if err != nil {
		log.Printf("session %s: closure scheduling failed, manual close only: %v", sess.ID, err)
		metrics.ClosureSchedules.WithLabelValues("unavailable").Inc()
		return sess, nil
	}
	metrics.ClosureSchedules.WithLabelValues("ok").Inc()
	if err := s.store.SetClosureHandle(ctx, sess.ID, &handle); err != nil {
		log.Printf("session %s: storing closure handle failed: %v", sess.ID, err)
		return sess, nil
	}
	sess.ClosureHandle = &handle
	return sess, nil
}

// CloseManually transitions an open session to Closed. A session that is
// already Closed reports ErrAlreadyClosed rather than a silent no-op.
func (s *Service) CloseManually(ctx context.Context, id string) (Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Status == StatusClosed {
		return Session{}, ErrAlreadyClosed
	}

	won, err := s.store.CloseIfOpen(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !won {
		// A scheduled closure beat us between the read and the update.
		return Session{}, ErrAlreadyClosed
	}
	metrics.SessionsClosed.WithLabelValues("manual").Inc()
	s.cancelTask(ctx, sess)

	sess.Status = StatusClosed
	sess.ClosureHandle = nil
	return sess, nil
}

// OnScheduledClosureFired is the callback entry point for the task facility.
// The facility delivers at-least-once and possibly late, so every branch
// that is not a fresh Open session is a silent no-op.
func (s *Service) OnScheduledClosureFired(ctx context.Context, id, taskHandle string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Session deleted before the task fired.
			return nil
		}
		return err
	}
	if sess.Status == StatusClosed {
		return nil
	}
	if sess.ClosureHandle != nil && taskHandle != "" && *sess.ClosureHandle != taskHandle {
		// Stale task from before a reschedule; the current task will fire
		// at the new end time.
		return nil
	}

	won, err := s.store.CloseIfOpen(ctx, id)
	if err != nil {
		return err
	}
	if won {
		metrics.SessionsClosed.WithLabelValues("scheduled").Inc()
		log.Printf("session %s closed by scheduled task %s", id, taskHandle)
	}
	return nil
}

// Reschedule moves an open session's end time and swaps the closure task.
// If the old task fires before its cancellation lands, the handle check in
// OnScheduledClosureFired keeps it from closing the session early.
func (s *Service) Reschedule(ctx context.Context, id string, endAt time.Time) (Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Status == StatusClosed {
		return Session{}, ErrAlreadyClosed
	}
	if !sess.StartAt.Before(endAt) {
		return Session{}, ErrInvalidWindow
	}

	updated, err := s.store.UpdateEndAt(ctx, id, endAt)
	if err != nil {
		return Session{}, err
	}
	s.cancelTask(ctx, sess)

	handle, err := s.sched.Schedule(ctx, id, endAt)
	if err != nil {
		log.Printf("session %s: rescheduling closure failed, manual close only: %v", id, err)
		metrics.ClosureSchedules.WithLabelValues("unavailable").Inc()
		_ = s.store.SetClosureHandle(ctx, id, nil)
		updated.ClosureHandle = nil
		return updated, nil
	}
	metrics.ClosureSchedules.WithLabelValues("ok").Inc()
	if err := s.store.SetClosureHandle(ctx, id, &handle); err != nil {
		log.Printf("session %s: storing closure handle failed: %v", id, err)
		return updated, nil
	}
	updated.ClosureHandle = &handle
	return updated, nil
}

// Delete removes a session after best-effort cancellation of its closure task.
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.cancelTask(ctx, sess)
	return s.store.Delete(ctx, id)
}

// cancelTask cancels an outstanding closure task, if any. Cancellation is a
// cost-saving optimization; failures are logged and swallowed because the
// idempotent firing guard is the actual correctness mechanism.
func (s *Service) cancelTask(ctx context.Context, sess Session) {
	if sess.ClosureHandle == nil {
		return
	}
	if err := s.sched.Cancel(ctx, *sess.ClosureHandle); err != nil {
		log.Printf("session %s: cancel of closure task %s failed: %v", sess.ID, *sess.ClosureHandle, err)
	}
}
