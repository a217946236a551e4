package booking

import (
	"sort"

	"github.com/rs/zerolog"
)

// TakenSlotIndex records, per date, the times known to be taken. It only
// ever grows for the lifetime of a booking session and overrides whatever
// the last availability fetch said.
type TakenSlotIndex struct {
	dates map[CalendarDate]map[TimeOfDay]struct{}
}

// NewTakenSlotIndex returns an empty index.
func NewTakenSlotIndex() *TakenSlotIndex {
	return &TakenSlotIndex{dates: make(map[CalendarDate]map[TimeOfDay]struct{})}
}

// Add marks t taken on date and reports whether the index changed.
func (x *TakenSlotIndex) Add(date CalendarDate, t TimeOfDay) bool {
	times, ok := x.dates[date]
	if !ok {
		times = make(map[TimeOfDay]struct{})
		x.dates[date] = times
	}
	if _, dup := times[t]; dup {
		return false
	}
	times[t] = struct{}{}
	return true
}

// Has reports whether t is taken on date.
func (x *TakenSlotIndex) Has(date CalendarDate, t TimeOfDay) bool {
	_, ok := x.dates[date][t]
	return ok
}

// Times returns the sorted taken times for date.
func (x *TakenSlotIndex) Times(date CalendarDate) []TimeOfDay {
	out := make([]TimeOfDay, 0, len(x.dates[date]))
	for t := range x.dates[date] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dates returns the sorted dates with at least one taken time.
func (x *TakenSlotIndex) Dates() []CalendarDate {
	out := make([]CalendarDate, 0, len(x.dates))
	for d := range x.dates {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the total number of taken (date, time) pairs.
func (x *TakenSlotIndex) Len() int {
	n := 0
	for _, times := range x.dates {
		n += len(times)
	}
	return n
}

// Notifier surfaces transient messages to the user. Implementations are
// called with the session lock held and must not call back into the session.
type Notifier interface {
	SlotTaken(date CalendarDate, t TimeOfDay)
	BookingFailed(message string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) SlotTaken(CalendarDate, TimeOfDay) {}
func (NopNotifier) BookingFailed(string)              {}

// IngestOutcome classifies what Ingest did with an event.
type IngestOutcome int

const (
	IngestIgnored IngestOutcome = iota
	IngestDuplicate
	IngestApplied
)

func (o IngestOutcome) String() string {
	switch o {
	case IngestDuplicate:
		return "duplicate"
	case IngestApplied:
		return "applied"
	default:
		return "ignored"
	}
}

// IngestResult reports the outcome of one Ingest call.
type IngestResult struct {
	Outcome   IngestOutcome
	Displayed bool // the event's date is the displayed date
	SelfEcho  bool // the event echoes this client's pending submission
	Notified  bool
}

// ReconcileState is the view state an event is reconciled against.
type ReconcileState struct {
	DisplayedDate  CalendarDate
	OnDateTimeStep bool
	Pending        *CorrelationToken
}

// Reconciler merges pushed taken-slot events into a TakenSlotIndex.
type Reconciler struct {
	index    *TakenSlotIndex
	notifier Notifier
	logger   zerolog.Logger
}

// NewReconciler creates a reconciler writing into index.
func NewReconciler(index *TakenSlotIndex, notifier Notifier, logger zerolog.Logger) *Reconciler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Reconciler{index: index, notifier: notifier, logger: logger}
}

// Ingest applies ev. Malformed events are ignored, repeated events are
// no-ops, and applied events notify the user unless they echo this client's
// own pending submission or the user is not choosing a time.
func (r *Reconciler) Ingest(ev TakenSlotEvent, st ReconcileState) IngestResult {
	if !ev.Valid() {
		r.logger.Debug().Str("date", string(ev.Date)).Str("time", string(ev.Time)).Msg("ignoring malformed slot-taken event")
		return IngestResult{Outcome: IngestIgnored}
	}
	if !r.index.Add(ev.Date, ev.Time) {
		return IngestResult{Outcome: IngestDuplicate}
	}

	res := IngestResult{
		Outcome:   IngestApplied,
		Displayed: ev.Date == st.DisplayedDate,
		SelfEcho:  st.Pending != nil && st.Pending.Matches(ev),
	}
	if !res.SelfEcho && st.OnDateTimeStep {
		r.notifier.SlotTaken(ev.Date, ev.Time)
		res.Notified = true
	}

	r.logger.Debug().
		Str("date", string(ev.Date)).
		Str("time", string(ev.Time)).
		Str("doctor_uuid", ev.DoctorUUID).
		Bool("self_echo", res.SelfEcho).
		Msg("slot taken")
	return res
}

// Merge adds every entry of other and returns how many were new.
func (x *TakenSlotIndex) Merge(other *TakenSlotIndex) int {
	if other == nil {
		return 0
	}
	n := 0
	for d, times := range other.dates {
		for t := range times {
			if x.Add(d, t) {
				n++
			}
		}
	}
	return n
}
