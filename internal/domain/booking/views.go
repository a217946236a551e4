package booking

// SlotState is how a slot button renders.
type SlotState string

const (
	SlotOpen     SlotState = "open"
	SlotSelected SlotState = "selected"
	SlotPending  SlotState = "pending"
	SlotBooked   SlotState = "booked"
	SlotCurrent  SlotState = "current"
)

// SlotView is a slot together with its rendered state.
type SlotView struct {
	TimeSlot
	State      SlotState
	Label      string
	Selectable bool
}

type viewInputs struct {
	index    *TakenSlotIndex
	selected *TimeSlot
	pending  *CorrelationToken
	current  *SlotKey
}

// renderSlots marks each raw slot. A slot whose time is in the taken index
// always renders booked, except the appointment being rescheduled which
// renders as current and stays selectable.
func renderSlots(raw []TimeSlot, in viewInputs) []SlotView {
	out := make([]SlotView, 0, len(raw))
	for _, s := range raw {
		v := SlotView{TimeSlot: s}
		switch {
		case in.current != nil && s.Date == in.current.Date && s.Time == in.current.Time:
			v.State, v.Label, v.Selectable = SlotCurrent, "Current", true
		case s.IsBooked || in.index.Has(s.Date, s.Time):
			v.IsBooked = true
			v.State, v.Label = SlotBooked, "Booked"
		case in.pending != nil && in.pending.Date == s.Date && in.pending.Time == s.Time && in.pending.DoctorUUID == s.DoctorUUID:
			v.State, v.Label = SlotPending, string(s.Time)
		case in.selected != nil && in.selected.Key() == s.Key():
			v.State, v.Label, v.Selectable = SlotSelected, string(s.Time), true
		default:
			v.State, v.Label, v.Selectable = SlotOpen, string(s.Time), true
		}
		out = append(out, v)
	}
	return out
}

// CountViews returns the number of available and booked slots in views.
// available+booked always equals len(views).
func CountViews(views []SlotView) (available, booked int) {
	for _, v := range views {
		if v.State == SlotBooked {
			booked++
			continue
		}
		available++
	}
	return available, booked
}
