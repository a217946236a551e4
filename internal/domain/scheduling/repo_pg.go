package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/slotsync/internal/platform/db"
)

const pgUniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

func (r *doctorRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const doctorCols = `id, uuid, department_id, first_name, last_name, specialization`

func (r *doctorRepoPG) scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.UUID, &d.DepartmentID, &d.FirstName, &d.LastName, &d.Specialization)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDoctorNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *doctorRepoPG) GetByUUID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return r.scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctors WHERE uuid = $1`, id))
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id string) (*Doctor, error) {
	return r.scanDoctor(r.conn(ctx).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctors WHERE id = $1`, id))
}

func (r *doctorRepoPG) ListByDepartment(ctx context.Context, departmentID string) ([]*Doctor, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+doctorCols+` FROM doctors
		WHERE department_id = $1 AND active ORDER BY last_name, first_name, id`, departmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := r.scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// =========== Slot Repository ===========

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const slotCols = `doctor_id, slot_date, to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI')`

func (r *slotRepoPG) scanSlot(row pgx.Row) (*ScheduleSlot, error) {
	var s ScheduleSlot
	err := row.Scan(&s.DoctorID, &s.Date, &s.StartTime, &s.EndTime)
	return &s, err
}

func (r *slotRepoPG) ListForDoctor(ctx context.Context, doctorID string, start, end time.Time) ([]*ScheduleSlot, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+slotCols+` FROM doctor_slots
		WHERE doctor_id = $1 AND slot_date BETWEEN $2 AND $3
		ORDER BY slot_date, start_time`, doctorID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ScheduleSlot
	for rows.Next() {
		s, err := r.scanSlot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *slotRepoPG) Find(ctx context.Context, doctorID string, date time.Time, startTime string) (*ScheduleSlot, error) {
	s, err := r.scanSlot(r.conn(ctx).QueryRow(ctx, `SELECT `+slotCols+` FROM doctor_slots
		WHERE doctor_id = $1 AND slot_date = $2 AND start_time = $3::time`, doctorID, date, startTime))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotNotOffered
	}
	return s, err
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const apptCols = `id, patient_id, doctor_id, department_id, appointment_date,
	to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI'),
	reason, is_online, status, created_at, updated_at`

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.DepartmentID, &a.Date,
		&a.StartTime, &a.EndTime, &a.Reason, &a.IsOnline, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, department_id, appointment_date,
			start_time, end_time, reason, is_online, status)
		VALUES ($1,$2,$3,$4,$5,$6::time,$7::time,$8,$9,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.DepartmentID, a.Date,
		a.StartTime, a.EndTime, a.Reason, a.IsOnline, a.Status).Scan(&a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrSlotTaken
	}
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) Reschedule(ctx context.Context, id uuid.UUID, date time.Time, startTime, endTime string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET appointment_date=$2, start_time=$3::time, end_time=$4::time, updated_at=NOW()
		WHERE id = $1 AND status = $5`,
		id, date, startTime, endTime, StatusScheduled)
	if isUniqueViolation(err) {
		return ErrSlotTaken
	}
	if err != nil {
		return fmt.Errorf("reschedule appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *appointmentRepoPG) ListBookedTimes(ctx context.Context, doctorID string, start, end time.Time) ([]BookedTime, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT appointment_date, to_char(start_time, 'HH24:MI') FROM appointments
		WHERE doctor_id = $1 AND status = $2 AND appointment_date BETWEEN $3 AND $4`,
		doctorID, StatusScheduled, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []BookedTime
	for rows.Next() {
		var b BookedTime
		if err := rows.Scan(&b.Date, &b.StartTime); err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}
