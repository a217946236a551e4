package booking

import "errors"

var (
	ErrSessionClosed   = errors.New("booking session is closed")
	ErrNoDateSelected  = errors.New("no date selected")
	ErrDateOutOfRange  = errors.New("date is outside the bookable range")
	ErrNoSelection     = errors.New("no slot selected")
	ErrSlotUnavailable = errors.New("slot is not available")
	ErrBookingInFlight = errors.New("a booking is already being submitted")
	ErrAlreadyBooked   = errors.New("booking already committed")
	ErrFixedDoctor     = errors.New("doctor cannot be changed while rescheduling")
	ErrNoChange        = errors.New("selected slot is the current appointment time")
)

// BookingError carries the server's message for a rejected submission.
type BookingError struct {
	Message string
	Err     error
}

func (e *BookingError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "booking failed"
}

func (e *BookingError) Unwrap() error { return e.Err }
