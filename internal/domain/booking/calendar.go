package booking

import "time"

// DefaultHorizonMonths is how far ahead appointments can be booked.
const DefaultHorizonMonths = 3

// Calendar is the displayed month of the date picker, bounded to
// [today, today+horizon].
type Calendar struct {
	today     time.Time
	max       time.Time
	displayed time.Time // first day of the displayed month
}

// NewCalendar returns a calendar showing the month of today.
func NewCalendar(today time.Time, horizonMonths int) *Calendar {
	if horizonMonths <= 0 {
		horizonMonths = DefaultHorizonMonths
	}
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, today.Location())
	return &Calendar{
		today:     day,
		max:       day.AddDate(0, horizonMonths, 0),
		displayed: monthStart(day),
	}
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func (c *Calendar) Today() CalendarDate   { return DateOf(c.today) }
func (c *Calendar) MaxDate() CalendarDate { return DateOf(c.max) }

// MonthStart returns the first day of the displayed month.
func (c *Calendar) MonthStart() CalendarDate { return DateOf(c.displayed) }

// MonthEnd returns the last day of the displayed month.
func (c *Calendar) MonthEnd() CalendarDate { return DateOf(c.displayed.AddDate(0, 1, -1)) }

// CanNext reports whether the following month may be displayed.
func (c *Calendar) CanNext() bool {
	return !c.displayed.AddDate(0, 1, 0).After(c.max)
}

// CanPrev reports whether the preceding month may be displayed.
func (c *Calendar) CanPrev() bool {
	prevEnd := c.displayed.AddDate(0, 0, -1)
	return !prevEnd.Before(c.today)
}

// Next advances one month unless that month would start after the horizon.
func (c *Calendar) Next() bool {
	if !c.CanNext() {
		return false
	}
	c.displayed = c.displayed.AddDate(0, 1, 0)
	return true
}

// Prev goes back one month unless that month ends before today.
func (c *Calendar) Prev() bool {
	if !c.CanPrev() {
		return false
	}
	c.displayed = c.displayed.AddDate(0, -1, 0)
	return true
}

// InBounds reports whether d is selectable: within [today, max] and not
// before the first day of the displayed month.
func (c *Calendar) InBounds(d CalendarDate) bool {
	t, err := ParseDate(d, c.today.Location())
	if err != nil {
		return false
	}
	return !t.Before(c.today) && !t.After(c.max) && !t.Before(c.displayed)
}

// Days returns every day of the displayed month.
func (c *Calendar) Days() []CalendarDate {
	end := c.displayed.AddDate(0, 1, 0)
	out := make([]CalendarDate, 0, 31)
	for d := c.displayed; d.Before(end); d = d.AddDate(0, 0, 1) {
		out = append(out, DateOf(d))
	}
	return out
}

// FetchRange returns the part of the displayed month that can hold bookable
// slots, clamped to [today, max].
func (c *Calendar) FetchRange() (CalendarDate, CalendarDate) {
	start := c.displayed
	if start.Before(c.today) {
		start = c.today
	}
	end := c.displayed.AddDate(0, 1, -1)
	if end.After(c.max) {
		end = c.max
	}
	return DateOf(start), DateOf(end)
}

// CellState is how a calendar day renders.
type CellState string

const (
	CellAvailable CellState = "available"
	CellFull      CellState = "full"
	CellDisabled  CellState = "disabled"
	CellUnknown   CellState = "unknown"
)

// DayAvailability summarises one day's raw slots against the taken index.
type DayAvailability struct {
	Date              CalendarDate
	Total             int
	AvailableCount    int
	BookedCount       int
	HasAvailableSlots bool
}

// DayCell is one rendered calendar day.
type DayCell struct {
	Date           CalendarDate
	State          CellState
	AvailableCount int
	Clickable      bool
}

// AggregatorConfig tunes day cell derivation. With StrictUnknown a day that
// was never fetched renders as unknown instead of full.
type AggregatorConfig struct {
	StrictUnknown bool
}

// Aggregator derives day availability from raw slots and the taken index.
type Aggregator struct {
	index *TakenSlotIndex
	cfg   AggregatorConfig
}

// NewAggregator creates an aggregator reading index.
func NewAggregator(index *TakenSlotIndex, cfg AggregatorConfig) *Aggregator {
	return &Aggregator{index: index, cfg: cfg}
}

// ForDay counts the raw slots of date that are neither booked in the payload
// nor present in the taken index.
func (a *Aggregator) ForDay(date CalendarDate, raw []TimeSlot) DayAvailability {
	out := DayAvailability{Date: date, Total: len(raw)}
	for _, s := range raw {
		if s.IsBooked || a.index.Has(date, s.Time) {
			continue
		}
		out.AvailableCount++
	}
	out.BookedCount = out.Total - out.AvailableCount
	out.HasAvailableSlots = out.AvailableCount > 0
	return out
}

// Cell renders date for cal. fetched tells whether the date was covered by
// the last availability fetch.
func (a *Aggregator) Cell(cal *Calendar, date CalendarDate, raw []TimeSlot, fetched bool) DayCell {
	cell := DayCell{Date: date}
	if !cal.InBounds(date) {
		cell.State = CellDisabled
		return cell
	}
	if !fetched && a.cfg.StrictUnknown {
		cell.State = CellUnknown
		return cell
	}
	day := a.ForDay(date, raw)
	cell.AvailableCount = day.AvailableCount
	if day.HasAvailableSlots {
		cell.State = CellAvailable
		cell.Clickable = true
		return cell
	}
	cell.State = CellFull
	return cell
}
