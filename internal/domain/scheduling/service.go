package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/slotsync/internal/domain/booking"
	"github.com/ehr/slotsync/internal/platform/auth"
	"github.com/ehr/slotsync/internal/platform/websocket"
)

var (
	// ErrInvalidInput wraps every request validation failure.
	ErrInvalidInput = errors.New("invalid input")
	// ErrForbidden is returned when a patient-bound caller books for
	// another patient.
	ErrForbidden = errors.New("patients may only book for themselves")
)

// EventPublisher fans a taken slot out to the doctor+date room. Both
// websocket.Hub and websocket.RedisBridge satisfy it.
type EventPublisher interface {
	PublishSlotTaken(ctx context.Context, p websocket.SlotTakenPayload) error
}

// TxRunner runs fn inside a database transaction carried by ctx.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// BookingMetrics records booking outcomes. A nil BookingMetrics is allowed.
type BookingMetrics interface {
	ObserveBooking(kind, outcome string)
}

type ServiceDeps struct {
	Doctors      DoctorRepository
	Slots        SlotRepository
	Appointments AppointmentRepository
	Claims       Claimer
	Events       EventPublisher
	Tx           TxRunner
	Metrics      BookingMetrics
}

type ServiceConfig struct {
	HorizonMonths int
	ClaimTTL      time.Duration
	Location      *time.Location
	Now           func() time.Time
}

type Service struct {
	doctors      DoctorRepository
	slots        SlotRepository
	appointments AppointmentRepository
	claims       Claimer
	events       EventPublisher
	tx           TxRunner
	metrics      BookingMetrics
	cfg          ServiceConfig
	validate     *validator.Validate
	logger       zerolog.Logger
}

func NewService(deps ServiceDeps, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.HorizonMonths <= 0 {
		cfg.HorizonMonths = booking.DefaultHorizonMonths
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Claims == nil {
		deps.Claims = NewMemoryClaimer()
	}
	return &Service{
		doctors:      deps.Doctors,
		slots:        deps.Slots,
		appointments: deps.Appointments,
		claims:       deps.Claims,
		events:       deps.Events,
		tx:           deps.Tx,
		metrics:      deps.Metrics,
		cfg:          cfg,
		validate:     validator.New(),
		logger:       logger.With().Str("component", "scheduling").Logger(),
	}
}

// -- Availability --

func (s *Service) parseRange(startDate, endDate string) (time.Time, time.Time, error) {
	start, err := booking.ParseDate(booking.CalendarDate(startDate), s.cfg.Location)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start_date must be YYYY-MM-DD", ErrInvalidInput)
	}
	end, err := booking.ParseDate(booking.CalendarDate(endDate), s.cfg.Location)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_date must be YYYY-MM-DD", ErrInvalidInput)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, ErrInvalidRange
	}
	return start, end, nil
}

// GetDoctorAvailability returns every slot the doctor offers in the range,
// with IsBooked set for slots holding an active appointment.
func (s *Service) GetDoctorAvailability(ctx context.Context, doctorUUID, startDate, endDate string) (booking.AvailabilityWindow, error) {
	id, err := uuid.Parse(doctorUUID)
	if err != nil {
		return booking.AvailabilityWindow{}, fmt.Errorf("%w: doctor uuid", ErrInvalidInput)
	}
	start, end, err := s.parseRange(startDate, endDate)
	if err != nil {
		return booking.AvailabilityWindow{}, err
	}
	doc, err := s.doctors.GetByUUID(ctx, id)
	if err != nil {
		return booking.AvailabilityWindow{}, err
	}
	return s.windowFor(ctx, doc, start, end)
}

// GetCombinedSchedule returns one window per doctor of the department.
// Doctors without slots in the range are omitted.
func (s *Service) GetCombinedSchedule(ctx context.Context, departmentID, startDate, endDate string) (booking.CombinedAvailability, error) {
	if departmentID == "" {
		return nil, fmt.Errorf("%w: department id is required", ErrInvalidInput)
	}
	start, end, err := s.parseRange(startDate, endDate)
	if err != nil {
		return nil, err
	}
	doctors, err := s.doctors.ListByDepartment(ctx, departmentID)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}

	windows := make([]booking.AvailabilityWindow, len(doctors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, doc := range doctors {
		i, doc := i, doc
		g.Go(func() error {
			w, err := s.windowFor(gctx, doc, start, end)
			if err != nil {
				return err
			}
			windows[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(booking.CombinedAvailability, 0, len(windows))
	for _, w := range windows {
		if len(w.Slots) > 0 {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *Service) windowFor(ctx context.Context, doc *Doctor, start, end time.Time) (booking.AvailabilityWindow, error) {
	slots, err := s.slots.ListForDoctor(ctx, doc.ID, start, end)
	if err != nil {
		return booking.AvailabilityWindow{}, fmt.Errorf("list slots for %s: %w", doc.ID, err)
	}
	booked, err := s.appointments.ListBookedTimes(ctx, doc.ID, start, end)
	if err != nil {
		return booking.AvailabilityWindow{}, fmt.Errorf("list booked times for %s: %w", doc.ID, err)
	}
	taken := make(map[string]bool, len(booked))
	for _, b := range booked {
		taken[string(dateKey(b.Date))+" "+b.StartTime] = true
	}

	summary := doc.Summary()
	w := booking.AvailabilityWindow{
		DoctorID:   doc.ID,
		DoctorUUID: doc.UUID.String(),
		Doctor:     summary,
		Slots:      make([]booking.TimeSlot, 0, len(slots)),
	}
	for _, sl := range slots {
		d := dateKey(sl.Date)
		w.Slots = append(w.Slots, booking.TimeSlot{
			Date:       d,
			Time:       booking.TimeOfDay(sl.StartTime),
			EndTime:    booking.TimeOfDay(sl.EndTime),
			DoctorID:   doc.ID,
			DoctorUUID: doc.UUID.String(),
			Doctor:     summary,
			IsBooked:   taken[string(d)+" "+sl.StartTime],
		})
	}
	return w, nil
}

// -- Booking --

type bookingInput struct {
	PatientID    string `validate:"required,max=64"`
	DoctorID     string `validate:"required,max=64"`
	DepartmentID string `validate:"max=64"`
	Date         string `validate:"required,datetime=2006-01-02"`
	StartTime    string `validate:"required,datetime=15:04"`
	EndTime      string `validate:"omitempty,datetime=15:04"`
	Reason       string `validate:"max=500"`
}

func normalizeDay(s string) string {
	if d, ok := booking.NormalizeDate(s); ok {
		return string(d)
	}
	return s
}

func normalizeClock(s string) string {
	if t, ok := booking.NormalizeTime(s); ok {
		return string(t)
	}
	return s
}

func (s *Service) validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: %s failed %s", ErrInvalidInput, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrInvalidInput, err)
}

// checkBookable verifies the slot lies in the future and within the
// booking horizon, and that the doctor offers it.
func (s *Service) checkBookable(ctx context.Context, doctorID, date, startTime string) (time.Time, *ScheduleSlot, error) {
	day, err := booking.ParseDate(booking.CalendarDate(date), s.cfg.Location)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("%w: date", ErrInvalidInput)
	}
	now := s.cfg.Now().In(s.cfg.Location)
	cal := booking.NewCalendar(now, s.cfg.HorizonMonths)
	start, err := booking.SlotStart(booking.CalendarDate(date), booking.TimeOfDay(startTime), s.cfg.Location)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("%w: start_time", ErrInvalidInput)
	}
	if booking.CalendarDate(date) > cal.MaxDate() || !start.After(now) {
		return time.Time{}, nil, ErrOutsideHorizon
	}
	slot, err := s.slots.Find(ctx, doctorID, day, startTime)
	if err != nil {
		return time.Time{}, nil, err
	}
	return day, slot, nil
}

func (s *Service) observe(kind string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrSlotTaken), errors.Is(err, ErrSlotClaimed):
		outcome = "conflict"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrOutsideHorizon), errors.Is(err, ErrSlotNotOffered), errors.Is(err, ErrForbidden):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	s.metrics.ObserveBooking(kind, outcome)
}

func (s *Service) publish(ctx context.Context, doctorUUID, date, startTime string) {
	if s.events == nil {
		return
	}
	p := websocket.SlotTakenPayload{Time: startTime, Date: date, DoctorUUID: doctorUUID}
	if err := s.events.PublishSlotTaken(ctx, p); err != nil {
		s.logger.Warn().Err(err).
			Str("doctor_uuid", doctorUUID).
			Str("date", date).
			Str("time", startTime).
			Msg("publish slot taken failed")
	}
}

// BookAppointment books one slot. Concurrent submissions for the same slot
// resolve to a single winner: a short claim serialises them and the
// appointment store rejects a second active booking of the same start.
func (s *Service) BookAppointment(ctx context.Context, req booking.BookingRequest) (res booking.BookingResult, err error) {
	defer func() { s.observe("book", err) }()

	if pid, pinned := auth.ActsForPatient(ctx); pinned {
		if req.PatientID != "" && req.PatientID != pid {
			return booking.BookingResult{}, ErrForbidden
		}
		req.PatientID = pid
	}
	in := bookingInput{
		PatientID:    req.PatientID,
		DoctorID:     req.DoctorID,
		DepartmentID: req.DepartmentID,
		Date:         normalizeDay(string(req.Date)),
		StartTime:    normalizeClock(string(req.StartTime)),
		EndTime:      normalizeClock(string(req.EndTime)),
		Reason:       req.Reason,
	}
	if err := s.validate.Struct(in); err != nil {
		return booking.BookingResult{}, s.validationError(err)
	}

	doc, err := s.doctors.GetByID(ctx, in.DoctorID)
	if err != nil {
		return booking.BookingResult{}, err
	}
	day, slot, err := s.checkBookable(ctx, doc.ID, in.Date, in.StartTime)
	if err != nil {
		return booking.BookingResult{}, err
	}

	release, err := s.claims.Claim(ctx, ClaimKey(doc.ID, in.Date, in.StartTime), s.cfg.ClaimTTL)
	if err != nil {
		return booking.BookingResult{}, err
	}
	defer release(context.WithoutCancel(ctx))

	endTime := in.EndTime
	if endTime == "" {
		endTime = slot.EndTime
	}
	departmentID := in.DepartmentID
	if departmentID == "" {
		departmentID = doc.DepartmentID
	}
	appt := &Appointment{
		PatientID:    in.PatientID,
		DoctorID:     doc.ID,
		DepartmentID: departmentID,
		Date:         day,
		StartTime:    in.StartTime,
		EndTime:      endTime,
		Reason:       strPtr(in.Reason),
		IsOnline:     req.IsOnline,
		Status:       StatusScheduled,
	}
	if err := s.appointments.Create(ctx, appt); err != nil {
		return booking.BookingResult{}, err
	}

	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("doctor_id", doc.ID).
		Str("date", in.Date).
		Str("time", in.StartTime).
		Msg("appointment booked")
	s.publish(ctx, doc.UUID.String(), in.Date, in.StartTime)

	return booking.BookingResult{
		Success:       true,
		Message:       "Appointment booked successfully",
		AppointmentID: appt.ID.String(),
	}, nil
}

type rescheduleInput struct {
	Date      string `validate:"required,datetime=2006-01-02"`
	StartTime string `validate:"required,datetime=15:04"`
	EndTime   string `validate:"omitempty,datetime=15:04"`
}

// RescheduleAppointment moves an active appointment to another slot of the
// same doctor.
func (s *Service) RescheduleAppointment(ctx context.Context, appointmentID string, req booking.RescheduleRequest) (res booking.BookingResult, err error) {
	defer func() { s.observe("reschedule", err) }()

	id, err := uuid.Parse(appointmentID)
	if err != nil {
		return booking.BookingResult{}, fmt.Errorf("%w: appointment id", ErrInvalidInput)
	}
	in := rescheduleInput{
		Date:      normalizeDay(string(req.Date)),
		StartTime: normalizeClock(string(req.StartTime)),
		EndTime:   normalizeClock(string(req.EndTime)),
	}
	if err := s.validate.Struct(in); err != nil {
		return booking.BookingResult{}, s.validationError(err)
	}

	var (
		doctorUUID string
		release    func(context.Context)
	)
	// The claim is held until the transaction has committed or rolled back.
	defer func() {
		if release != nil {
			release(context.WithoutCancel(ctx))
		}
	}()
	err = s.inTx(ctx, func(ctx context.Context) error {
		appt, err := s.appointments.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if pid, pinned := auth.ActsForPatient(ctx); pinned && appt.PatientID != pid {
			return ErrAppointmentNotFound
		}
		if appt.Status != StatusScheduled {
			return ErrAppointmentInactive
		}
		if string(dateKey(appt.Date)) == in.Date && appt.StartTime == in.StartTime {
			return fmt.Errorf("%w: appointment is already at this time", ErrInvalidInput)
		}
		doc, err := s.doctors.GetByID(ctx, appt.DoctorID)
		if err != nil {
			return err
		}
		doctorUUID = doc.UUID.String()

		day, slot, err := s.checkBookable(ctx, doc.ID, in.Date, in.StartTime)
		if err != nil {
			return err
		}
		release, err = s.claims.Claim(ctx, ClaimKey(doc.ID, in.Date, in.StartTime), s.cfg.ClaimTTL)
		if err != nil {
			return err
		}

		endTime := in.EndTime
		if endTime == "" {
			endTime = slot.EndTime
		}
		return s.appointments.Reschedule(ctx, id, day, in.StartTime, endTime)
	})
	if err != nil {
		return booking.BookingResult{}, err
	}

	s.logger.Info().
		Str("appointment_id", appointmentID).
		Str("date", in.Date).
		Str("time", in.StartTime).
		Msg("appointment rescheduled")
	s.publish(ctx, doctorUUID, in.Date, in.StartTime)

	return booking.BookingResult{
		Success:       true,
		Message:       "Appointment rescheduled successfully",
		AppointmentID: appointmentID,
	}, nil
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.InTx(ctx, fn)
}
