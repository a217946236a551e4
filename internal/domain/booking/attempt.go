package booking

import (
	"time"

	"github.com/google/uuid"
)

// AttemptState is the state of the booking race handler.
type AttemptState string

const (
	StateIdle          AttemptState = "idle"
	StateSelecting     AttemptState = "selecting"
	StatePendingSubmit AttemptState = "pending_submit"
	StateCommitted     AttemptState = "committed"
	StateFailed        AttemptState = "failed"
)

// CorrelationToken identifies the slot this client is submitting, so the
// echo of its own booking can be recognised by equality.
type CorrelationToken struct {
	RequestID  uuid.UUID
	Date       CalendarDate
	Time       TimeOfDay
	DoctorUUID string
}

// Matches reports whether ev is about the token's slot. Events without a
// doctor are matched on date and time alone.
func (t CorrelationToken) Matches(ev TakenSlotEvent) bool {
	if t.Date != ev.Date || t.Time != ev.Time {
		return false
	}
	return ev.DoctorUUID == "" || ev.DoctorUUID == t.DoctorUUID
}

// BookingAttempt is one submission of a selected slot.
type BookingAttempt struct {
	ID            uuid.UUID
	Slot          TimeSlot
	State         AttemptState
	Message       string
	AppointmentID string
	StartedAt     time.Time
	ResolvedAt    time.Time
}

// RaceHandler is the idle → selecting → pendingSubmit → committed|failed
// state machine. It is not safe for concurrent use; Session serialises it.
type RaceHandler struct {
	state    AttemptState
	selected *TimeSlot
	attempt  *BookingAttempt
	token    *CorrelationToken
}

// NewRaceHandler returns a handler in the idle state.
func NewRaceHandler() *RaceHandler {
	return &RaceHandler{state: StateIdle}
}

func (h *RaceHandler) State() AttemptState { return h.state }

// Selected returns the current selection.
func (h *RaceHandler) Selected() (TimeSlot, bool) {
	if h.selected == nil {
		return TimeSlot{}, false
	}
	return *h.selected, true
}

// Select makes slot the single current selection.
func (h *RaceHandler) Select(slot TimeSlot) error {
	switch h.state {
	case StatePendingSubmit:
		return ErrBookingInFlight
	case StateCommitted:
		return ErrAlreadyBooked
	}
	s := slot
	h.selected = &s
	h.state = StateSelecting
	return nil
}

// ClearSelection drops the selection and returns to idle. It has no effect
// while a submission is pending or after commit.
func (h *RaceHandler) ClearSelection() {
	if h.state == StatePendingSubmit || h.state == StateCommitted {
		return
	}
	h.selected = nil
	h.state = StateIdle
}

// Begin moves the selection into pendingSubmit and returns the new attempt.
func (h *RaceHandler) Begin(now time.Time) (*BookingAttempt, error) {
	switch h.state {
	case StatePendingSubmit:
		return nil, ErrBookingInFlight
	case StateCommitted:
		return nil, ErrAlreadyBooked
	}
	if h.state != StateSelecting || h.selected == nil {
		return nil, ErrNoSelection
	}

	id := uuid.New()
	h.attempt = &BookingAttempt{
		ID:        id,
		Slot:      *h.selected,
		State:     StatePendingSubmit,
		StartedAt: now,
	}
	h.token = &CorrelationToken{
		RequestID:  id,
		Date:       h.selected.Date,
		Time:       h.selected.Time,
		DoctorUUID: h.selected.DoctorUUID,
	}
	h.state = StatePendingSubmit
	a := *h.attempt
	return &a, nil
}

// Token returns the correlation token of the pending attempt, or nil.
func (h *RaceHandler) Token() *CorrelationToken {
	if h.state != StatePendingSubmit || h.token == nil {
		return nil
	}
	t := *h.token
	return &t
}

// Commit resolves the pending attempt successfully.
func (h *RaceHandler) Commit(appointmentID, message string, now time.Time) {
	if h.state != StatePendingSubmit {
		return
	}
	h.attempt.State = StateCommitted
	h.attempt.AppointmentID = appointmentID
	h.attempt.Message = message
	h.attempt.ResolvedAt = now
	h.token = nil
	h.state = StateCommitted
}

// Fail resolves the pending attempt as failed and returns to selecting. When
// keepSelection is false the selection is dropped and the handler goes idle.
func (h *RaceHandler) Fail(message string, keepSelection bool, now time.Time) {
	if h.state != StatePendingSubmit {
		return
	}
	h.attempt.State = StateFailed
	h.attempt.Message = message
	h.attempt.ResolvedAt = now
	h.token = nil
	if keepSelection {
		h.state = StateSelecting
		return
	}
	h.selected = nil
	h.state = StateIdle
}

// Reset discards selection and attempt history unless a submission is in
// flight.
func (h *RaceHandler) Reset() {
	if h.state == StatePendingSubmit {
		return
	}
	h.state = StateIdle
	h.selected = nil
	h.attempt = nil
	h.token = nil
}

// LastAttempt returns a copy of the most recent attempt.
func (h *RaceHandler) LastAttempt() (BookingAttempt, bool) {
	if h.attempt == nil {
		return BookingAttempt{}, false
	}
	return *h.attempt, true
}
