package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/slotsync/internal/platform/websocket"
)

// ScheduleAPI fetches availability from the schedule service.
type ScheduleAPI interface {
	GetDoctorAvailability(ctx context.Context, doctorUUID string, start, end CalendarDate) (AvailabilityWindow, error)
	GetCombinedSchedule(ctx context.Context, departmentID string, start, end CalendarDate) (CombinedAvailability, error)
}

// AppointmentBooker submits bookings to the appointment service.
type AppointmentBooker interface {
	BookAppointment(ctx context.Context, req BookingRequest) (BookingResult, error)
	RescheduleAppointment(ctx context.Context, appointmentID string, req RescheduleRequest) (BookingResult, error)
}

// BookingRequest is the payload of a new appointment.
type BookingRequest struct {
	PatientID    string       `json:"patient_id"`
	DoctorID     string       `json:"doctor_id"`
	DepartmentID string       `json:"department_id"`
	Date         CalendarDate `json:"date"`
	StartTime    TimeOfDay    `json:"start_time"`
	EndTime      TimeOfDay    `json:"end_time"`
	Reason       string       `json:"reason"`
	IsOnline     bool         `json:"is_online"`
}

// RescheduleRequest moves an existing appointment.
type RescheduleRequest struct {
	Date      CalendarDate `json:"date"`
	StartTime TimeOfDay    `json:"start_time"`
	EndTime   TimeOfDay    `json:"end_time"`
}

// BookingResult is the appointment service's answer.
type BookingResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	AppointmentID string `json:"appointmentId"`
}

// BookingDetails are the wizard fields collected besides the slot.
type BookingDetails struct {
	PatientID    string
	DepartmentID string
	Reason       string
	IsOnline     bool
}

// TimeSlotPayload is the slot handed to the wizard on confirmation.
type TimeSlotPayload struct {
	Date       CalendarDate `json:"date"`
	Time       TimeOfDay    `json:"time"`
	EndTime    TimeOfDay    `json:"endTime"`
	DoctorID   string       `json:"doctorId"`
	DoctorUUID string       `json:"doctorUuid"`
}

// DateTimeSelection is passed to Hooks.OnDateTimeSelect.
type DateTimeSelection struct {
	Time           TimeSlotPayload
	AssignedDoctor *DoctorSummary
}

// Hooks are callbacks into the surrounding wizard. They run without the
// session lock held.
type Hooks struct {
	OnDateSelect     func(CalendarDate)
	OnDateTimeSelect func(DateTimeSelection)
	OnCommitted      func(BookingResult)
}

// Step is the wizard step the booking flow is on.
type Step int

const (
	StepDepartment Step = iota
	StepDoctor
	StepDateTime
	StepDetails
	StepConfirmation
)

func (s Step) String() string {
	switch s {
	case StepDepartment:
		return "department"
	case StepDoctor:
		return "doctor"
	case StepDateTime:
		return "datetime"
	case StepDetails:
		return "details"
	case StepConfirmation:
		return "confirmation"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// SessionConfig configures a Session.
type SessionConfig struct {
	HorizonMonths     int
	Location          *time.Location
	Now               func() time.Time
	StrictUnknownDays bool
	Logger            zerolog.Logger
}

func (c *SessionConfig) applyDefaults() {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.HorizonMonths <= 0 {
		c.HorizonMonths = DefaultHorizonMonths
	}
}

// Deps are the collaborators of a Session.
type Deps struct {
	API       ScheduleAPI
	Booker    AppointmentBooker
	Transport Transport
	Notifier  Notifier
	Hooks     Hooks
}

// Session is one booking-flow instance. It owns the availability
// repository, the taken-slot index, the Active Room Set and the booking
// state machine, and serialises every operation on them.
type Session struct {
	mu     sync.Mutex
	cfg    SessionConfig
	deps   Deps
	logger zerolog.Logger

	repo       *Repository
	index      *TakenSlotIndex
	reconciler *Reconciler
	rooms      *RoomManager
	race       *RaceHandler
	aggregator *Aggregator
	calendar   *Calendar

	sub    *Subscription
	closed bool

	step         Step
	departmentID string
	doctor       *DoctorSummary
	date         CalendarDate
	generation   uint64
	displayed    []SlotView

	reschedule *CurrentAppointment
}

// NewSession creates a booking session. Call Open to start listening.
func NewSession(cfg SessionConfig, deps Deps) *Session {
	cfg.applyDefaults()
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	logger := cfg.Logger.With().Str("component", "booking-session").Logger()
	index := NewTakenSlotIndex()
	return &Session{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		repo:       NewRepository(),
		index:      index,
		reconciler: NewReconciler(index, deps.Notifier, logger),
		rooms:      NewRoomManager(deps.Transport, logger),
		race:       NewRaceHandler(),
		aggregator: NewAggregator(index, AggregatorConfig{StrictUnknown: cfg.StrictUnknownDays}),
		calendar:   NewCalendar(cfg.Now().In(cfg.Location), cfg.HorizonMonths),
		step:       StepDepartment,
	}
}

// Open registers the session's listeners on the transport. Calling Open
// again is a no-op.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.sub != nil || s.deps.Transport == nil {
		return nil
	}
	s.sub = Subscribe(s.deps.Transport, Handlers{
		websocket.EventSlotTaken:      s.onSlotTaken,
		websocket.EventSlotTakenAlias: s.onSlotTaken,
		websocket.EventConnect:        s.onConnect,
		websocket.EventReconnect:      s.onConnect,
	})
	s.syncLocked()
	return nil
}

// Close leaves every room and deregisters listeners. Safe to call more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.rooms.Teardown()
	s.sub.Release()
	s.sub = nil
}

// SetStep moves the wizard. Leaving the date/time step leaves all rooms
// before returning; entering it subscribes again.
func (s *Session) SetStep(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || step == s.step {
		return
	}
	s.step = step
	if step == StepDateTime {
		s.syncLocked()
		return
	}
	s.rooms.Teardown()
}

// SelectDepartment switches the department and clears the doctor.
func (s *Session) SelectDepartment(departmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.reschedule != nil {
		return ErrFixedDoctor
	}
	s.departmentID = departmentID
	s.doctor = nil
	s.repo.Clear()
	s.generation++
	s.race.Reset()
	s.refreshLocked()
	s.syncLocked()
	return nil
}

// SelectDoctor picks a doctor, or "any doctor" when d is nil.
func (s *Session) SelectDoctor(d *DoctorSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.reschedule != nil {
		return ErrFixedDoctor
	}
	if sameDoctor(s.doctor, d) {
		return nil
	}
	if d != nil {
		doc := *d
		s.doctor = &doc
	} else {
		s.doctor = nil
	}
	s.generation++
	s.race.Reset()
	s.refreshLocked()
	s.syncLocked()
	return nil
}

// SelectDate picks the calendar day and fires Hooks.OnDateSelect.
func (s *Session) SelectDate(date CalendarDate) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.calendar.InBounds(date) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDateOutOfRange, date)
	}
	if s.race.State() == StatePendingSubmit {
		s.mu.Unlock()
		return ErrBookingInFlight
	}
	s.date = date
	s.race.Reset()
	s.refreshLocked()
	s.syncLocked()
	hook := s.deps.Hooks.OnDateSelect
	s.mu.Unlock()

	if hook != nil {
		hook(date)
	}
	return nil
}

// NextMonth advances the calendar; the caller reloads availability.
func (s *Session) NextMonth() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.calendar.Next() {
		return false
	}
	s.generation++
	return true
}

// PrevMonth moves the calendar back; the caller reloads availability.
func (s *Session) PrevMonth() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.calendar.Prev() {
		return false
	}
	s.generation++
	return true
}

// LoadAvailability fetches the displayed month for the selected doctor, or
// for the whole department when no doctor is selected, and replaces the
// repository content. A fetch overtaken by a newer selection is discarded.
func (s *Session) LoadAvailability(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	start, end := s.calendar.FetchRange()
	q := AvailabilityQuery{DepartmentID: s.departmentID, Start: start, End: end}
	if s.doctor != nil {
		q.DoctorUUID = s.doctor.UUID
	}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	var (
		windows CombinedAvailability
		err     error
	)
	if q.DoctorUUID != "" {
		var w AvailabilityWindow
		w, err = s.deps.API.GetDoctorAvailability(ctx, q.DoctorUUID, q.Start, q.End)
		if err == nil {
			windows = CombinedAvailability{w}
		}
	} else {
		windows, err = s.deps.API.GetCombinedSchedule(ctx, q.DepartmentID, q.Start, q.End)
	}

	return s.applyFetch(gen, q, windows, err)
}

func (s *Session) applyFetch(gen uint64, q AvailabilityQuery, windows CombinedAvailability, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.generation {
		return nil
	}
	if err != nil {
		s.logger.Warn().Err(err).
			Str("doctor_uuid", q.DoctorUUID).
			Str("department_id", q.DepartmentID).
			Msg("availability fetch failed")
		s.repo.Fail(q, err)
		s.refreshLocked()
		s.syncLocked()
		return fmt.Errorf("load availability: %w", err)
	}
	if s.reschedule != nil {
		windows = dedupeWindows(windows)
	}
	s.repo.Replace(q, windows)
	s.refreshLocked()
	s.syncLocked()
	return nil
}

// Select makes the slot with key the current selection.
func (s *Session) Select(key SlotKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.race.State() == StatePendingSubmit {
		return ErrBookingInFlight
	}
	for _, v := range s.displayed {
		if v.Key() != key {
			continue
		}
		if !v.Selectable {
			return ErrSlotUnavailable
		}
		if err := s.race.Select(v.TimeSlot); err != nil {
			return err
		}
		s.refreshLocked()
		return nil
	}
	return ErrSlotUnavailable
}

// ConfirmSlot hands the selected slot to the wizard through
// Hooks.OnDateTimeSelect.
func (s *Session) ConfirmSlot() (DateTimeSelection, error) {
	s.mu.Lock()
	slot, ok := s.race.Selected()
	if !ok || s.race.State() != StateSelecting {
		s.mu.Unlock()
		return DateTimeSelection{}, ErrNoSelection
	}
	sel := DateTimeSelection{
		Time: TimeSlotPayload{
			Date:       slot.Date,
			Time:       slot.Time,
			EndTime:    slot.EndTime,
			DoctorID:   slot.DoctorID,
			DoctorUUID: slot.DoctorUUID,
		},
		AssignedDoctor: slot.Doctor,
	}
	if sel.AssignedDoctor == nil && s.doctor != nil {
		doc := *s.doctor
		sel.AssignedDoctor = &doc
	}
	hook := s.deps.Hooks.OnDateTimeSelect
	s.mu.Unlock()

	if hook != nil {
		hook(sel)
	}
	return sel, nil
}

// Submit books the selected slot. The session lock is released while the
// request is in flight so taken-slot events keep being reconciled; the echo
// of this submission is recognised by its correlation token.
func (s *Session) Submit(ctx context.Context, details BookingDetails) (BookingResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return BookingResult{}, ErrSessionClosed
	}
	if s.reschedule != nil {
		s.mu.Unlock()
		return s.submitReschedule(ctx)
	}
	attempt, err := s.race.Begin(s.cfg.Now())
	if err != nil {
		s.mu.Unlock()
		return BookingResult{}, err
	}
	departmentID := details.DepartmentID
	if departmentID == "" {
		departmentID = s.departmentID
	}
	req := BookingRequest{
		PatientID:    details.PatientID,
		DoctorID:     attempt.Slot.DoctorID,
		DepartmentID: departmentID,
		Date:         attempt.Slot.Date,
		StartTime:    attempt.Slot.Time,
		EndTime:      attempt.Slot.EndTime,
		Reason:       details.Reason,
		IsOnline:     details.IsOnline,
	}
	s.refreshLocked()
	s.mu.Unlock()

	s.logger.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("slot", attempt.Slot.Key().String()).
		Msg("submitting booking")

	res, err := s.deps.Booker.BookAppointment(ctx, req)
	return s.resolve(attempt, res, err)
}

func (s *Session) resolve(attempt *BookingAttempt, res BookingResult, callErr error) (BookingResult, error) {
	s.mu.Lock()
	now := s.cfg.Now()

	if callErr != nil || !res.Success {
		msg := res.Message
		if msg == "" && callErr != nil {
			msg = callErr.Error()
		}
		keep := !s.index.Has(attempt.Slot.Date, attempt.Slot.Time)
		s.race.Fail(msg, keep, now)
		s.refreshLocked()
		s.deps.Notifier.BookingFailed(msg)
		s.mu.Unlock()

		s.logger.Warn().Err(callErr).
			Str("attempt_id", attempt.ID.String()).
			Str("message", msg).
			Msg("booking failed")
		return res, &BookingError{Message: msg, Err: callErr}
	}

	s.race.Commit(res.AppointmentID, res.Message, now)
	s.rooms.Teardown()
	s.step = StepConfirmation
	s.refreshLocked()
	hook := s.deps.Hooks.OnCommitted
	s.mu.Unlock()

	s.logger.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("appointment_id", res.AppointmentID).
		Msg("booking committed")
	if hook != nil {
		hook(res)
	}
	return res, nil
}

func (s *Session) onSlotTaken(data json.RawMessage) {
	var p websocket.SlotTakenPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Debug().Err(err).Msg("ignoring undecodable slot-taken payload")
		return
	}
	s.Ingest(EventFromPayload(p, s.cfg.Now()))
}

// Ingest reconciles one taken-slot event into the session.
func (s *Session) Ingest(ev TakenSlotEvent) IngestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return IngestResult{Outcome: IngestIgnored}
	}
	res := s.reconciler.Ingest(ev, ReconcileState{
		DisplayedDate:  s.date,
		OnDateTimeStep: s.step == StepDateTime,
		Pending:        s.race.Token(),
	})
	if res.Outcome != IngestApplied {
		return res
	}
	if sel, ok := s.race.Selected(); ok && !res.SelfEcho && s.race.State() == StateSelecting &&
		sel.Date == ev.Date && sel.Time == ev.Time && !s.isCurrent(sel) {
		s.race.ClearSelection()
	}
	if res.Displayed {
		s.refreshLocked()
	}
	return res
}

func (s *Session) onConnect(json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.rooms.Resubscribe()
	s.syncLocked()
}

// syncLocked brings the Active Room Set in line with the current selection.
// Rooms are only wanted while the date/time step is shown.
func (s *Session) syncLocked() {
	if s.step != StepDateTime {
		s.rooms.Teardown()
		return
	}
	sel := Selection{Doctor: s.doctor, Date: s.date}
	if s.doctor == nil {
		sel.Candidates = s.repo.Doctors()
	}
	s.rooms.Sync(sel)
}

func (s *Session) refreshLocked() {
	if s.date == "" {
		s.displayed = nil
		return
	}
	raw := s.slotsLocked(s.date, s.cfg.Now())
	in := viewInputs{index: s.index, pending: s.race.Token()}
	if sel, ok := s.race.Selected(); ok {
		in.selected = &sel
	}
	if s.reschedule != nil {
		k := s.reschedule.Key()
		in.current = &k
	}
	s.displayed = renderSlots(raw, in)
}

// slotsLocked returns the upcoming slots of d for the current selection. A
// repository filled by a department-wide fetch still holds other doctors
// after a specific doctor is picked; those are not offered.
func (s *Session) slotsLocked(d CalendarDate, now time.Time) []TimeSlot {
	raw := FilterPast(s.repo.SlotsForDate(d), now, s.cfg.Location)
	if s.doctor == nil {
		return raw
	}
	out := raw[:0:0]
	for _, slot := range raw {
		if slot.DoctorUUID == s.doctor.UUID {
			out = append(out, slot)
		}
	}
	return out
}

func sameDoctor(a, b *DoctorSummary) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.UUID == b.UUID
}

// DisplayedSlots returns the rendered slots of the selected date.
func (s *Session) DisplayedSlots() []SlotView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SlotView(nil), s.displayed...)
}

// MonthCells returns the day cells of the displayed month.
func (s *Session) MonthCells() []DayCell {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Now()
	days := s.calendar.Days()
	out := make([]DayCell, 0, len(days))
	for _, d := range days {
		raw := s.slotsLocked(d, now)
		out = append(out, s.aggregator.Cell(s.calendar, d, raw, s.repo.Covers(d)))
	}
	return out
}

// DayAvailability summarises one day against the taken index.
func (s *Session) DayAvailability(d CalendarDate) DayAvailability {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := s.slotsLocked(d, s.cfg.Now())
	return s.aggregator.ForDay(d, raw)
}

// ActiveRooms returns a snapshot of the Active Room Set.
func (s *Session) ActiveRooms() []RoomKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms.Active()
}

// TakenTimes returns the taken times recorded for d.
func (s *Session) TakenTimes(d CalendarDate) []TimeOfDay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Times(d)
}

// State returns the booking state machine's state.
func (s *Session) State() AttemptState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.race.State()
}

// Selected returns the selected slot.
func (s *Session) Selected() (TimeSlot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.race.Selected()
}

// LastAttempt returns the most recent booking attempt.
func (s *Session) LastAttempt() (BookingAttempt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.race.LastAttempt()
}

// Step returns the current wizard step.
func (s *Session) Step() Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Calendar returns the displayed month bounds and navigation flags.
func (s *Session) Calendar() CalendarView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CalendarView{
		Today:      s.calendar.Today(),
		MaxDate:    s.calendar.MaxDate(),
		MonthStart: s.calendar.MonthStart(),
		MonthEnd:   s.calendar.MonthEnd(),
		CanNext:    s.calendar.CanNext(),
		CanPrev:    s.calendar.CanPrev(),
	}
}

// LoadError returns the error of the last availability fetch, if any.
func (s *Session) LoadError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.Err()
}

// CalendarView is a snapshot of the calendar header.
type CalendarView struct {
	Today      CalendarDate
	MaxDate    CalendarDate
	MonthStart CalendarDate
	MonthEnd   CalendarDate
	CanNext    bool
	CanPrev    bool
}
