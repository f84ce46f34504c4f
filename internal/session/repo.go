package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists teaching sessions in Postgres. The status column is the
// single source of truth for the open/closed state; the Closed transition is a
// conditional update so concurrent closers cannot both win.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, class_id, session_date, start_at, end_at, status, closure_task_id, created_at, updated_at`

// Insert writes a new session row.
func (r *Repository) Insert(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StatusOpen
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO teaching_sessions (id, class_id, session_date, start_at, end_at, status, closure_task_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, s.ID, s.ClassID, s.SessionDate, s.StartAt, s.EndAt, s.Status, s.ClosureHandle)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Get returns a session by id.
func (r *Repository) Get(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM teaching_sessions WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

// HasOpenSession reports whether the class already has an open session.
func (r *Repository) HasOpenSession(ctx context.Context, classID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM teaching_sessions WHERE class_id = $1 AND status = $2
		)
	`, classID, StatusOpen).Scan(&exists)
	return exists, err
}

// CloseIfOpen transitions the session to Closed and clears the closure handle
// in one statement. Returns false when the session was not Open (either it
// does not exist or another closer won the race).
func (r *Repository) CloseIfOpen(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE teaching_sessions
		SET status = $2, closure_task_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, StatusClosed, StatusOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetClosureHandle stores or clears the pending closure-task handle.
func (r *Repository) SetClosureHandle(ctx context.Context, id string, handle *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE teaching_sessions
		SET closure_task_id = $2, updated_at = NOW()
		WHERE id = $1
	`, id, handle)
	return err
}

// UpdateEndAt moves the session's end time. Only open sessions can be edited.
func (r *Repository) UpdateEndAt(ctx context.Context, id string, endAt time.Time) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE teaching_sessions
		SET end_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+sessionColumns+`
	`, id, endAt, StatusOpen)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

// Delete removes the session row.
func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM teaching_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns sessions ordered by start, newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM teaching_sessions
		ORDER BY start_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListByClass returns sessions for one class, newest first.
func (r *Repository) ListByClass(ctx context.Context, classID string, limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM teaching_sessions
		WHERE class_id = $1
		ORDER BY start_at DESC
		LIMIT $2 OFFSET $3
	`, classID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.ClassID, &s.SessionDate, &s.StartAt, &s.EndAt, &s.Status, &s.ClosureHandle, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
