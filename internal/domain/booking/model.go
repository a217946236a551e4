// Package booking implements the client-side coordination core of the
// appointment booking and reschedule flows: the availability repository,
// room subscriptions on the real-time channel, taken-slot reconciliation,
// calendar day availability and the booking race state machine.
package booking

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehr/slotsync/internal/platform/websocket"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// CalendarDate is a civil date formatted as YYYY-MM-DD.
type CalendarDate string

// TimeOfDay is a wall-clock time formatted as HH:MM.
type TimeOfDay string

// DateOf formats t as a CalendarDate in t's own location.
func DateOf(t time.Time) CalendarDate {
	return CalendarDate(t.Format(dateLayout))
}

// ParseDate parses d in loc. A nil loc means UTC.
func ParseDate(d CalendarDate, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(dateLayout, string(d), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", d, err)
	}
	return t, nil
}

// NormalizeTime accepts "HH:MM" or "HH:MM:SS" and returns the HH:MM form.
func NormalizeTime(s string) (TimeOfDay, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{timeLayout, timeLayout + ":05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay(t.Format(timeLayout)), true
		}
	}
	return "", false
}

// NormalizeDate validates a YYYY-MM-DD string, also accepting a full RFC 3339
// timestamp and keeping only its date part.
func NormalizeDate(s string) (CalendarDate, bool) {
	s = strings.TrimSpace(s)
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	if _, err := time.Parse(dateLayout, s); err != nil {
		return "", false
	}
	return CalendarDate(s), true
}

// SlotStart combines a date and a time into an instant in loc.
func SlotStart(d CalendarDate, t TimeOfDay, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	st, err := time.ParseInLocation(dateLayout+" "+timeLayout, string(d)+" "+string(t), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse slot start %s %s: %w", d, t, err)
	}
	return st, nil
}

// DoctorSummary is the presentation data attached to a slot.
type DoctorSummary struct {
	ID             string `json:"id"`
	UUID           string `json:"uuid"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	Specialization string `json:"specialization,omitempty"`
}

// DisplayName returns "Dr. First Last".
func (d DoctorSummary) DisplayName() string {
	name := strings.TrimSpace(d.FirstName + " " + d.LastName)
	if name == "" {
		return d.UUID
	}
	return "Dr. " + name
}

// SlotKey is the identity of a TimeSlot.
type SlotKey struct {
	Date     CalendarDate
	Time     TimeOfDay
	DoctorID string
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s %s doctor=%s", k.Date, k.Time, k.DoctorID)
}

// TimeSlot is one bookable interval for one doctor on one date.
type TimeSlot struct {
	Date       CalendarDate   `json:"date"`
	Time       TimeOfDay      `json:"time"`
	EndTime    TimeOfDay      `json:"endTime"`
	DoctorID   string         `json:"doctorId"`
	DoctorUUID string         `json:"doctorUuid"`
	Doctor     *DoctorSummary `json:"doctor,omitempty"`
	IsBooked   bool           `json:"isBooked"`
}

// Key returns the identity tuple of the slot.
func (s TimeSlot) Key() SlotKey {
	return SlotKey{Date: s.Date, Time: s.Time, DoctorID: s.DoctorID}
}

// AvailabilityWindow is the set of slots known for one doctor across a
// queried date range.
type AvailabilityWindow struct {
	DoctorID   string         `json:"doctorId"`
	DoctorUUID string         `json:"doctorUuid"`
	Doctor     *DoctorSummary `json:"doctor,omitempty"`
	Slots      []TimeSlot     `json:"slots"`
}

// CombinedAvailability holds one window per doctor of a department.
type CombinedAvailability []AvailabilityWindow

// TakenSlotEvent is a server-pushed fact that a slot was claimed.
type TakenSlotEvent struct {
	Date       CalendarDate
	Time       TimeOfDay
	DoctorUUID string
	ReceivedAt time.Time
}

// Valid reports whether the event carries both a date and a time.
func (e TakenSlotEvent) Valid() bool {
	return e.Date != "" && e.Time != ""
}

// EventFromPayload converts a wire payload into a TakenSlotEvent. Missing or
// unparsable date/time fields produce an invalid event.
func EventFromPayload(p websocket.SlotTakenPayload, receivedAt time.Time) TakenSlotEvent {
	ev := TakenSlotEvent{DoctorUUID: p.DoctorUUID, ReceivedAt: receivedAt}
	if d, ok := NormalizeDate(p.Date); ok {
		ev.Date = d
	}
	if t, ok := NormalizeTime(p.Time); ok {
		ev.Time = t
	}
	return ev
}

// RoomKey identifies one doctor+date real-time room.
type RoomKey string

// RoomFor returns the room key for a doctor and a date.
func RoomFor(doctorUUID string, date CalendarDate) RoomKey {
	return RoomKey(websocket.RoomName(doctorUUID, string(date)))
}

// ParseRoomKey splits k into its doctor uuid and date.
func ParseRoomKey(k RoomKey) (string, CalendarDate, bool) {
	doctorUUID, date, ok := websocket.ParseRoomName(string(k))
	if !ok {
		return "", "", false
	}
	d, ok := NormalizeDate(date)
	return doctorUUID, d, ok
}

// SortSlots orders slots by date, time and doctor id.
func SortSlots(slots []TimeSlot) {
	sort.SliceStable(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.DoctorID < b.DoctorID
	})
}

// DedupeByDateTime collapses slots sharing (date, time), keeping the first.
func DedupeByDateTime(slots []TimeSlot) []TimeSlot {
	seen := make(map[string]struct{}, len(slots))
	out := make([]TimeSlot, 0, len(slots))
	for _, s := range slots {
		k := string(s.Date) + "|" + string(s.Time)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}
