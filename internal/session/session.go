package session

import (
	"errors"
	"time"
)

// Status values a teaching session can hold. Closed is terminal.
const (
	StatusOpen   = "Open"
	StatusClosed = "Closed"
)

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyClosed is returned when a close is requested for a session
	// that has already been closed.
	ErrAlreadyClosed = errors.New("session already closed")
	// ErrOpenSessionExists rejects a second simultaneous open session per class.
	ErrOpenSessionExists = errors.New("class already has an open session")
	// ErrInvalidWindow rejects windows where the end does not follow the start.
	ErrInvalidWindow = errors.New("end time must be after start time")
)

// Session is a scheduled, time-boxed teaching event during which attendance
// may be recorded.
type Session struct {
	ID            string     `json:"id"`
	ClassID       string     `json:"class_id"`
	SessionDate   time.Time  `json:"session_date"`
	StartAt       time.Time  `json:"start_at"`
	EndAt         time.Time  `json:"end_at"`
	Status        string     `json:"status"`
	ClosureHandle *string    `json:"closure_handle,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// IsOpen reports whether attendance may still be recorded.
func (s Session) IsOpen() bool { return s.Status == StatusOpen }
