package booking

import (
	"sort"
	"time"
)

// AvailabilityQuery describes the fetch that produced a Repository's content.
// DoctorUUID empty means a department-wide query.
type AvailabilityQuery struct {
	DoctorUUID   string
	DepartmentID string
	Start        CalendarDate
	End          CalendarDate
}

// Repository holds the availability returned by the last fetch. Every fetch
// replaces the content wholesale.
type Repository struct {
	query   AvailabilityQuery
	windows CombinedAvailability
	byDate  map[CalendarDate][]TimeSlot
	covered map[CalendarDate]bool
	err     error
}

// NewRepository returns an empty repository.
func NewRepository() *Repository {
	return &Repository{
		byDate:  make(map[CalendarDate][]TimeSlot),
		covered: make(map[CalendarDate]bool),
	}
}

// Replace discards the current content and stores windows as the result of q.
// Slot times are normalised, the window's doctor is attached to each slot and
// slots with the same identity collapse to one.
func (r *Repository) Replace(q AvailabilityQuery, windows CombinedAvailability) {
	r.query = q
	r.err = nil
	r.windows = make(CombinedAvailability, 0, len(windows))
	r.byDate = make(map[CalendarDate][]TimeSlot)
	r.covered = coveredDates(q.Start, q.End)

	seen := make(map[SlotKey]struct{})
	for _, w := range windows {
		kept := make([]TimeSlot, 0, len(w.Slots))
		for _, s := range w.Slots {
			s, ok := normalizeSlot(s, w)
			if !ok {
				continue
			}
			if _, dup := seen[s.Key()]; dup {
				continue
			}
			seen[s.Key()] = struct{}{}
			kept = append(kept, s)
			r.byDate[s.Date] = append(r.byDate[s.Date], s)
		}
		SortSlots(kept)
		w.Slots = kept
		r.windows = append(r.windows, w)
	}
	for d := range r.byDate {
		SortSlots(r.byDate[d])
	}
}

// Fail records a failed fetch for q. The repository becomes empty.
func (r *Repository) Fail(q AvailabilityQuery, err error) {
	r.Replace(q, nil)
	r.covered = make(map[CalendarDate]bool)
	r.err = err
}

// Clear empties the repository.
func (r *Repository) Clear() {
	r.Replace(AvailabilityQuery{}, nil)
}

func (r *Repository) Query() AvailabilityQuery { return r.query }

// Err returns the error of the last fetch, if it failed.
func (r *Repository) Err() error { return r.err }

// Windows returns a copy of the stored windows.
func (r *Repository) Windows() CombinedAvailability {
	out := make(CombinedAvailability, len(r.windows))
	for i, w := range r.windows {
		w.Slots = append([]TimeSlot(nil), w.Slots...)
		out[i] = w
	}
	return out
}

// SlotsForDate returns every slot on d across all doctors, ordered by time.
func (r *Repository) SlotsForDate(d CalendarDate) []TimeSlot {
	return append([]TimeSlot(nil), r.byDate[d]...)
}

// Dates returns the sorted dates that have at least one slot.
func (r *Repository) Dates() []CalendarDate {
	out := make([]CalendarDate, 0, len(r.byDate))
	for d := range r.byDate {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Covers reports whether d lies inside the range of the last successful fetch.
func (r *Repository) Covers(d CalendarDate) bool {
	return r.covered[d]
}

// Doctors returns the doctors that have at least one slot, ordered by uuid.
func (r *Repository) Doctors() []DoctorSummary {
	out := make([]DoctorSummary, 0, len(r.windows))
	seen := make(map[string]struct{})
	for _, w := range r.windows {
		if len(w.Slots) == 0 || w.DoctorUUID == "" {
			continue
		}
		if _, ok := seen[w.DoctorUUID]; ok {
			continue
		}
		seen[w.DoctorUUID] = struct{}{}
		d := DoctorSummary{ID: w.DoctorID, UUID: w.DoctorUUID}
		if w.Doctor != nil {
			d = *w.Doctor
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func normalizeSlot(s TimeSlot, w AvailabilityWindow) (TimeSlot, bool) {
	d, ok := NormalizeDate(string(s.Date))
	if !ok {
		return s, false
	}
	t, ok := NormalizeTime(string(s.Time))
	if !ok {
		return s, false
	}
	s.Date, s.Time = d, t
	if end, ok := NormalizeTime(string(s.EndTime)); ok {
		s.EndTime = end
	}
	if s.DoctorID == "" {
		s.DoctorID = w.DoctorID
	}
	if s.DoctorUUID == "" {
		s.DoctorUUID = w.DoctorUUID
	}
	if s.Doctor == nil && w.Doctor != nil {
		doc := *w.Doctor
		s.Doctor = &doc
	}
	return s, true
}

func coveredDates(start, end CalendarDate) map[CalendarDate]bool {
	out := make(map[CalendarDate]bool)
	from, err := ParseDate(start, nil)
	if err != nil {
		return out
	}
	to, err := ParseDate(end, nil)
	if err != nil {
		return out
	}
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out[DateOf(d)] = true
	}
	return out
}

// FilterPast drops slots that start at or before now. Slots whose date or
// time cannot be parsed are dropped too.
func FilterPast(slots []TimeSlot, now time.Time, loc *time.Location) []TimeSlot {
	if loc == nil {
		loc = now.Location()
	}
	out := make([]TimeSlot, 0, len(slots))
	for _, s := range slots {
		start, err := SlotStart(s.Date, s.Time, loc)
		if err != nil {
			continue
		}
		if start.After(now) {
			out = append(out, s)
		}
	}
	return out
}
