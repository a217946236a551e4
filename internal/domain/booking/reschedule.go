package booking

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentDateFetches bounds LoadDates fan-out.
const maxConcurrentDateFetches = 4

// CurrentAppointment is the appointment being moved by a reschedule session.
type CurrentAppointment struct {
	ID      string
	Doctor  DoctorSummary
	Date    CalendarDate
	Time    TimeOfDay
	EndTime TimeOfDay
}

// Key returns the slot identity of the current appointment.
func (a CurrentAppointment) Key() SlotKey {
	return SlotKey{Date: a.Date, Time: a.Time, DoctorID: a.Doctor.ID}
}

// NewRescheduleSession creates a session bound to the doctor of current. The
// doctor cannot be changed and the flow starts on the date/time step with the
// current date selected when it is still bookable.
func NewRescheduleSession(cfg SessionConfig, deps Deps, current CurrentAppointment) *Session {
	s := NewSession(cfg, deps)
	cur := current
	doc := current.Doctor
	s.reschedule = &cur
	s.doctor = &doc
	s.step = StepDateTime
	if s.calendar.InBounds(current.Date) {
		s.date = current.Date
	}
	return s
}

func (s *Session) isCurrent(slot TimeSlot) bool {
	return s.reschedule != nil && slot.Date == s.reschedule.Date && slot.Time == s.reschedule.Time
}

// dedupeWindows merges every window into one per doctor with at most one slot
// per (date, time).
func dedupeWindows(windows CombinedAvailability) CombinedAvailability {
	byDoctor := make(map[string]int)
	out := make(CombinedAvailability, 0, len(windows))
	for _, w := range windows {
		i, ok := byDoctor[w.DoctorUUID]
		if !ok {
			byDoctor[w.DoctorUUID] = len(out)
			w.Slots = append([]TimeSlot(nil), w.Slots...)
			out = append(out, w)
			continue
		}
		out[i].Slots = append(out[i].Slots, w.Slots...)
	}
	for i := range out {
		SortSlots(out[i].Slots)
		out[i].Slots = DedupeByDateTime(out[i].Slots)
	}
	return out
}

// LoadDates fetches availability of the fixed doctor for each of dates
// concurrently and replaces the repository with the merged result. Any
// failure fails the whole load.
func (s *Session) LoadDates(ctx context.Context, dates []CalendarDate) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.doctor == nil {
		s.mu.Unlock()
		return fmt.Errorf("load dates: %w", ErrNoSelection)
	}
	q := AvailabilityQuery{DoctorUUID: s.doctor.UUID, DepartmentID: s.departmentID}
	for _, d := range dates {
		if q.Start == "" || d < q.Start {
			q.Start = d
		}
		if d > q.End {
			q.End = d
		}
	}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	var (
		mu     sync.Mutex
		merged AvailabilityWindow
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDateFetches)
	for _, d := range dates {
		d := d
		g.Go(func() error {
			w, err := s.deps.API.GetDoctorAvailability(gctx, q.DoctorUUID, d, d)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", d, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if merged.DoctorUUID == "" {
				merged.DoctorID, merged.DoctorUUID, merged.Doctor = w.DoctorID, w.DoctorUUID, w.Doctor
			}
			merged.Slots = append(merged.Slots, w.Slots...)
			return nil
		})
	}
	err := g.Wait()
	if merged.DoctorUUID == "" {
		merged.DoctorUUID = q.DoctorUUID
	}
	return s.applyFetch(gen, q, CombinedAvailability{merged}, err)
}

// RescheduleSummary compares the selection with the current appointment.
type RescheduleSummary int

const (
	RescheduleNone RescheduleSummary = iota
	RescheduleSameAsCurrent
	RescheduleChanged
)

func (r RescheduleSummary) String() string {
	switch r {
	case RescheduleSameAsCurrent:
		return "same_as_current"
	case RescheduleChanged:
		return "changed"
	default:
		return "none"
	}
}

// Summary reports whether the selection moves the appointment.
func (s *Session) Summary() RescheduleSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel, ok := s.race.Selected()
	if !ok {
		return RescheduleNone
	}
	if s.isCurrent(sel) {
		return RescheduleSameAsCurrent
	}
	return RescheduleChanged
}

// Current returns the appointment being rescheduled.
func (s *Session) Current() (CurrentAppointment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reschedule == nil {
		return CurrentAppointment{}, false
	}
	return *s.reschedule, true
}

func (s *Session) submitReschedule(ctx context.Context) (BookingResult, error) {
	s.mu.Lock()
	if sel, ok := s.race.Selected(); ok && s.race.State() == StateSelecting && s.isCurrent(sel) {
		s.mu.Unlock()
		return BookingResult{}, ErrNoChange
	}
	attempt, err := s.race.Begin(s.cfg.Now())
	if err != nil {
		s.mu.Unlock()
		return BookingResult{}, err
	}
	id := s.reschedule.ID
	req := RescheduleRequest{
		Date:      attempt.Slot.Date,
		StartTime: attempt.Slot.Time,
		EndTime:   attempt.Slot.EndTime,
	}
	s.refreshLocked()
	s.mu.Unlock()

	s.logger.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("appointment_id", id).
		Str("slot", attempt.Slot.Key().String()).
		Msg("submitting reschedule")

	res, err := s.deps.Booker.RescheduleAppointment(ctx, id, req)
	if err == nil && res.Success && res.AppointmentID == "" {
		res.AppointmentID = id
	}
	return s.resolve(attempt, res, err)
}
