package attendance

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// Repository persists attendance records in Postgres. The UNIQUE
// (session_id, student_id) constraint is the source of truth for the
// one-record-per-student rule; concurrent submits race on the insert, not
// on a read-then-write.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, session_id, student_id, marked_at, method, confidence_score, created_at`

// InsertIfAbsent writes the record unless one already exists for the
// (session, student) pair. Returns created=false on conflict, leaving the
// existing record untouched.
func (r *Repository) InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, marked_at, method, confidence_score)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id, student_id) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.SessionID, rec.StudentID, rec.MarkedAt, rec.Method, rec.ConfidenceScore)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return rec, true, nil
}

// IsEnrolled reports whether the student is an active member of the class.
func (r *Repository) IsEnrolled(ctx context.Context, classID, studentID string) (bool, error) {
	var enrolled bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM class_students
			WHERE class_id = $1 AND student_id = $2 AND is_active
		)
	`, classID, studentID).Scan(&enrolled)
	return enrolled, err
}

// ListBySession returns records for one session, earliest mark first.
func (r *Repository) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Record, error) {
	return r.list(ctx, `WHERE session_id = $1`, sessionID, limit, offset)
}

// ListByStudent returns records for one student, earliest mark first.
func (r *Repository) ListByStudent(ctx context.Context, studentID string, limit, offset int) ([]Record, error) {
	return r.list(ctx, `WHERE student_id = $1`, studentID, limit, offset)
}

func (r *Repository) list(ctx context.Context, where, arg string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		`+where+`
		ORDER BY marked_at
		LIMIT $2 OFFSET $3
	`, arg, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var rec Record
		var score sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.MarkedAt, &rec.Method, &score, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if score.Valid {
			rec.ConfidenceScore = &score.Float64
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
