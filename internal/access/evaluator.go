// Package access decides whether a scheduled appointment may currently be
// joined as a live online consultation.
package access

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aura-telehealth/backend/internal/models"
)

const (
	// OpensBefore is how long before the scheduled time the room opens.
	OpensBefore = 15 * time.Minute
	// ClosesAfter is how long after the scheduled time the room stays joinable.
	ClosesAfter = 60 * time.Minute
)

// Reason explains why an appointment is not accessible.
type Reason string

const (
	ReasonWrongType       Reason = "wrong type"
	ReasonNotApproved     Reason = "not approved"
	ReasonCompleted       Reason = "completed"
	ReasonTooEarly        Reason = "too early"
	ReasonWindowClosed    Reason = "window closed"
	ReasonInvalidSchedule Reason = "invalid schedule"
)

// Category groups reasons by what the user can do about them.
type Category string

const (
	// CategoryTiming means the user should wait (show a countdown).
	CategoryTiming Category = "timing"
	// CategoryAuthorization means the appointment itself does not allow joining.
	CategoryAuthorization Category = "authorization"
	// CategoryTechnical means retrying may help.
	CategoryTechnical Category = "technical"
)

// Category returns the category of r.
func (r Reason) Category() Category {
	switch r {
	case ReasonTooEarly, ReasonWindowClosed:
		return CategoryTiming
	case ReasonInvalidSchedule:
		return CategoryTechnical
	case "":
		return ""
	default:
		return CategoryAuthorization
	}
}

// Result is the outcome of an access evaluation.
type Result struct {
	Accessible  bool       `json:"accessible"`
	Reason      Reason     `json:"reason,omitempty"`
	Category    Category   `json:"category,omitempty"`
	Message     string     `json:"message"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	OpensAt     *time.Time `json:"opens_at,omitempty"`
	ClosesAt    *time.Time `json:"closes_at,omitempty"`
}

// Evaluator combines appointment date and time in Location. A nil Location
// uses the location of the appointment's scheduled date.
type Evaluator struct {
	Location *time.Location
}

// New returns an evaluator for the given clinic location.
func New(loc *time.Location) Evaluator {
	return Evaluator{Location: loc}
}

// Evaluate is Evaluator{}.Evaluate.
func Evaluate(a *models.Appointment, now time.Time) Result {
	return Evaluator{}.Evaluate(a, now)
}

// Evaluate reports whether a can be joined at now. It holds no state and must
// be called again for every join attempt.
func (e Evaluator) Evaluate(a *models.Appointment, now time.Time) Result {
	if a.ConsultationType != models.ConsultationOnline {
		return deny(ReasonWrongType, "Only online consultations can be joined")
	}

	reentry := false
	switch a.Status {
	case models.StatusApproved, models.StatusConfirmed:
	case models.StatusInProgress:
		reentry = true
	case models.StatusCompleted:
		return deny(ReasonCompleted, "Consultation has already been completed")
	default:
		return deny(ReasonNotApproved, "Appointment has not been approved for consultation")
	}

	scheduledAt, err := e.ScheduledAt(a)
	if err != nil {
		return deny(ReasonInvalidSchedule, "Appointment schedule could not be read")
	}
	opensAt := scheduledAt.Add(-OpensBefore)
	closesAt := scheduledAt.Add(ClosesAfter)
	res := Result{ScheduledAt: &scheduledAt, OpensAt: &opensAt, ClosesAt: &closesAt}

	switch {
	case reentry:
		res.Accessible = true
		res.Message = "Consultation in progress"
	case now.Before(opensAt):
		minutes := int(math.Ceil(opensAt.Sub(now).Minutes()))
		res.Reason = ReasonTooEarly
		res.Message = fmt.Sprintf("Consultation opens in %d minutes", minutes)
	case now.After(closesAt):
		res.Reason = ReasonWindowClosed
		res.Message = "Consultation window has closed"
	default:
		res.Accessible = true
		res.Message = "Ready to join"
	}
	res.Category = res.Reason.Category()
	return res
}

// ScheduledAt combines the scheduled date with the "HH:MM" scheduled time,
// with seconds and nanoseconds zeroed.
func (e Evaluator) ScheduledAt(a *models.Appointment) (time.Time, error) {
	hour, minute, err := parseClock(a.ScheduledTime)
	if err != nil {
		return time.Time{}, err
	}
	loc := e.Location
	if loc == nil {
		loc = a.ScheduledDate.Location()
	}
	// DATE columns come back as UTC midnight; keep the stored calendar day.
	y, m, d := a.ScheduledDate.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, loc), nil
}

func parseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("invalid scheduled time %q", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

func deny(r Reason, msg string) Result {
	return Result{Reason: r, Category: r.Category(), Message: msg}
}
