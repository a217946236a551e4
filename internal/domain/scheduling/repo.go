package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type DoctorRepository interface {
	GetByUUID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetByID(ctx context.Context, id string) (*Doctor, error)
	ListByDepartment(ctx context.Context, departmentID string) ([]*Doctor, error)
}

type SlotRepository interface {
	// ListForDoctor returns the slots offered in [start, end], ordered by
	// date and start time.
	ListForDoctor(ctx context.Context, doctorID string, start, end time.Time) ([]*ScheduleSlot, error)
	Find(ctx context.Context, doctorID string, date time.Time, startTime string) (*ScheduleSlot, error)
}

type AppointmentRepository interface {
	// Create inserts a scheduled appointment. It returns ErrSlotTaken when
	// the doctor already has an active appointment at that start.
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// Reschedule moves an appointment, returning ErrSlotTaken on conflict.
	Reschedule(ctx context.Context, id uuid.UUID, date time.Time, startTime, endTime string) error
	ListBookedTimes(ctx context.Context, doctorID string, start, end time.Time) ([]BookedTime, error)
}
