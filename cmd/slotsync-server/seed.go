package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/slotsync/internal/domain/scheduling"
)

// demoDoctors backs `serve --seed`. UUIDs are derived from the id so the
// same doctors come back after every restart.
var demoDoctors = []struct {
	id, department, first, last, specialization string
	startHour, endHour                          int
}{
	{"1", "cardiology", "Ada", "Lovelace", "Cardiologist", 9, 12},
	{"2", "cardiology", "Alan", "Turing", "Electrophysiologist", 13, 17},
	{"3", "dermatology", "Grace", "Hopper", "Dermatologist", 9, 15},
}

const demoSlotLength = 30 * time.Minute

// seedDemo fills store with the demo doctors and weekday slots for the next
// days days starting at today. It returns the number of slots added.
func seedDemo(store *scheduling.MemoryStore, today time.Time, days int) int {
	start := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	added := 0
	for _, d := range demoDoctors {
		spec := d.specialization
		store.AddDoctor(scheduling.Doctor{
			ID:             d.id,
			UUID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte("slotsync-demo-doctor-"+d.id)),
			DepartmentID:   d.department,
			FirstName:      d.first,
			LastName:       d.last,
			Specialization: &spec,
		})
		for i := 0; i < days; i++ {
			day := start.AddDate(0, 0, i)
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
			for t := day.Add(time.Duration(d.startHour) * time.Hour); t.Before(day.Add(time.Duration(d.endHour) * time.Hour)); t = t.Add(demoSlotLength) {
				store.AddSlot(scheduling.ScheduleSlot{
					DoctorID:  d.id,
					Date:      day,
					StartTime: clock(t),
					EndTime:   clock(t.Add(demoSlotLength)),
				})
				added++
			}
		}
	}
	return added
}

func clock(t time.Time) string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}
