package attendance

import (
	"context"
	"errors"
	"time"

	"qrattend/internal/metrics"
	"qrattend/internal/session"
	"qrattend/internal/token"
)

// Submission methods.
const (
	MethodQR     = "qr"
	MethodManual = "manual"
)

var (
	// ErrSessionClosed rejects submissions against a session that is no
	// longer open.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionMismatch rejects a token minted for a different session.
	ErrSessionMismatch = errors.New("token does not match session")
	// ErrNotEnrolled rejects students who are not members of the class.
	ErrNotEnrolled = errors.New("student not enrolled in class")
	// ErrAlreadyMarked rejects a second submission for the same pair.
	ErrAlreadyMarked = errors.New("attendance already marked")
	// ErrUnknownMethod rejects submission methods other than qr and manual.
	ErrUnknownMethod = errors.New("unknown attendance method")
)

// Record is the durable outcome of an accepted attendance claim. Records are
// never mutated after creation.
type Record struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	StudentID       string    `json:"student_id"`
	MarkedAt        time.Time `json:"marked_at"`
	Method          string    `json:"method"`
	ConfidenceScore *float64  `json:"confidence_score,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// SessionReader resolves current session state. The lifecycle controller's
// store satisfies it; the validator only ever reads.
type SessionReader interface {
	Get(ctx context.Context, id string) (session.Session, error)
}

// Verifier checks QR token payloads.
type Verifier interface {
	Verify(payload string, now time.Time) (token.Claims, error)
}

// RecordStore persists accepted records and answers enrollment.
type RecordStore interface {
	InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
	IsEnrolled(ctx context.Context, classID, studentID string) (bool, error)
}

// Service validates attendance claims. Checks run in a fixed order so the
// most informative error surfaces first: closed session, then token, then
// enrollment, then duplicate.
type Service struct {
	sessions SessionReader
	tokens   Verifier
	records  RecordStore
	now      func() time.Time
}

// NewService creates the validator.
func NewService(sessions SessionReader, tokens Verifier, records RecordStore) *Service {
	return &Service{sessions: sessions, tokens: tokens, records: records, now: time.Now}
}

// Submit decides an attendance claim and persists the record when accepted.
// For method "qr", proof is the scanned token payload; for "manual" it is
// ignored.
func (s *Service) Submit(ctx context.Context, sessionID, studentID, method, proof string) (Record, error) {
	rec, err := s.submit(ctx, sessionID, studentID, method, proof)
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	label := method
	if method != MethodQR && method != MethodManual {
		label = "unknown"
	}
	metrics.Submissions.WithLabelValues(label, outcome).Inc()
	return rec, err
}

func (s *Service) submit(ctx context.Context, sessionID, studentID, method, proof string) (Record, error) {
	if method != MethodQR && method != MethodManual {
		return Record{}, ErrUnknownMethod
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	if !sess.IsOpen() {
		return Record{}, ErrSessionClosed
	}

	now := s.now()
	var score *float64
	if method == MethodQR {
		claims, err := s.tokens.Verify(proof, now)
		if err != nil {
			return Record{}, err
		}
		if claims.SessionID != sessionID {
			return Record{}, ErrSessionMismatch
		}
		full := 1.0
		score = &full
	}

	enrolled, err := s.records.IsEnrolled(ctx, sess.ClassID, studentID)
	if err != nil {
		return Record{}, err
	}
	if !enrolled {
		return Record{}, ErrNotEnrolled
	}

	rec, created, err := s.records.InsertIfAbsent(ctx, Record{
		SessionID:       sessionID,
		StudentID:       studentID,
		MarkedAt:        now,
		Method:          method,
		ConfidenceScore: score,
	})
	if err != nil {
		return Record{}, err
	}
	if !created {
		return Record{}, ErrAlreadyMarked
	}
	return rec, nil
}
