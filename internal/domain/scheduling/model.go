package scheduling

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/slotsync/internal/domain/booking"
)

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotNotOffered      = errors.New("doctor does not offer this time slot")
	ErrSlotTaken           = errors.New("this time slot has already been booked")
	ErrSlotClaimed         = errors.New("this time slot is being booked by someone else")
	ErrOutsideHorizon      = errors.New("date is outside the bookable range")
	ErrAppointmentInactive = errors.New("appointment is cancelled")
	ErrInvalidRange        = errors.New("start_date must not be after end_date")
)

const (
	StatusScheduled = "scheduled"
	StatusCancelled = "cancelled"
)

// Doctor maps to the doctors table.
type Doctor struct {
	ID             string    `db:"id" json:"id"`
	UUID           uuid.UUID `db:"uuid" json:"uuid"`
	DepartmentID   string    `db:"department_id" json:"department_id"`
	FirstName      string    `db:"first_name" json:"first_name"`
	LastName       string    `db:"last_name" json:"last_name"`
	Specialization *string   `db:"specialization" json:"specialization,omitempty"`
}

// Summary returns the presentation data attached to availability slots.
func (d *Doctor) Summary() *booking.DoctorSummary {
	s := &booking.DoctorSummary{
		ID:        d.ID,
		UUID:      d.UUID.String(),
		FirstName: d.FirstName,
		LastName:  d.LastName,
	}
	if d.Specialization != nil {
		s.Specialization = *d.Specialization
	}
	return s
}

// ScheduleSlot maps to the doctor_slots table: one bookable interval a
// doctor offers on a date.
type ScheduleSlot struct {
	DoctorID  string    `db:"doctor_id" json:"doctor_id"`
	Date      time.Time `db:"slot_date" json:"date"`
	StartTime string    `db:"start_time" json:"start_time"`
	EndTime   string    `db:"end_time" json:"end_time"`
}

// Appointment maps to the appointments table.
type Appointment struct {
	ID           uuid.UUID `db:"id" json:"id"`
	PatientID    string    `db:"patient_id" json:"patient_id"`
	DoctorID     string    `db:"doctor_id" json:"doctor_id"`
	DepartmentID string    `db:"department_id" json:"department_id"`
	Date         time.Time `db:"appointment_date" json:"date"`
	StartTime    string    `db:"start_time" json:"start_time"`
	EndTime      string    `db:"end_time" json:"end_time"`
	Reason       *string   `db:"reason" json:"reason,omitempty"`
	IsOnline     bool      `db:"is_online" json:"is_online"`
	Status       string    `db:"status" json:"status"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// BookedTime is the start of an active appointment.
type BookedTime struct {
	Date      time.Time
	StartTime string
}

func dateKey(t time.Time) booking.CalendarDate {
	return booking.CalendarDate(t.Format("2006-01-02"))
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
