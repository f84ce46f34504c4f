package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionsClosed counts Open->Closed transitions by cause ("manual" or "scheduled").
var SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "qrattend_sessions_closed_total",
	Help: "Teaching sessions closed, by cause.",
}, []string{"cause"})

// Submissions counts attendance submissions by method and outcome.
var Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "qrattend_attendance_submissions_total",
	Help: "Attendance submissions, by method and outcome.",
}, []string{"method", "outcome"})

// ClosureSchedules counts closure-task registrations by result ("ok" or "unavailable").
var ClosureSchedules = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "qrattend_closure_schedules_total",
	Help: "Scheduled-closure registrations, by result.",
}, []string{"result"})
