package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of DoctorRepository,
// SlotRepository and AppointmentRepository. It is used by the development
// server and by tests.
type MemoryStore struct {
	mu           sync.RWMutex
	doctors      map[string]*Doctor // doctor ID -> doctor
	slots        map[string]*ScheduleSlot
	appointments map[uuid.UUID]*Appointment
	booked       map[string]uuid.UUID // claim key -> appointment ID (prevents double-booking)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		doctors:      make(map[string]*Doctor),
		slots:        make(map[string]*ScheduleSlot),
		appointments: make(map[uuid.UUID]*Appointment),
		booked:       make(map[string]uuid.UUID),
	}
}

func slotKey(doctorID string, date time.Time, startTime string) string {
	return ClaimKey(doctorID, string(dateKey(date)), startTime)
}

// AddDoctor adds a doctor for seeding and tests.
func (m *MemoryStore) AddDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doctors[d.ID] = &d
}

// AddSlot adds an offered slot for seeding and tests.
func (m *MemoryStore) AddSlot(s ScheduleSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[slotKey(s.DoctorID, s.Date, s.StartTime)] = &s
}

// Doctors returns the repository views of the store.
func (m *MemoryStore) Doctors() DoctorRepository           { return memoryDoctors{m} }
func (m *MemoryStore) Slots() SlotRepository               { return memorySlots{m} }
func (m *MemoryStore) Appointments() AppointmentRepository { return memoryAppointments{m} }

type memoryDoctors struct{ m *MemoryStore }

func (r memoryDoctors) GetByUUID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, d := range r.m.doctors {
		if d.UUID == id {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDoctorNotFound
}

func (r memoryDoctors) GetByID(_ context.Context, id string) (*Doctor, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	d, ok := r.m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (r memoryDoctors) ListByDepartment(_ context.Context, departmentID string) ([]*Doctor, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*Doctor
	for _, d := range r.m.doctors {
		if d.DepartmentID == departmentID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memorySlots struct{ m *MemoryStore }

func (r memorySlots) ListForDoctor(_ context.Context, doctorID string, start, end time.Time) ([]*ScheduleSlot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	from, to := dateKey(start), dateKey(end)
	var out []*ScheduleSlot
	for _, s := range r.m.slots {
		d := dateKey(s.Date)
		if s.DoctorID != doctorID || d < from || d > to {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].StartTime < out[j].StartTime
	})
	return out, nil
}

func (r memorySlots) Find(_ context.Context, doctorID string, date time.Time, startTime string) (*ScheduleSlot, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	s, ok := r.m.slots[slotKey(doctorID, date, startTime)]
	if !ok {
		return nil, ErrSlotNotOffered
	}
	cp := *s
	return &cp, nil
}

type memoryAppointments struct{ m *MemoryStore }

func (r memoryAppointments) Create(_ context.Context, a *Appointment) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	key := slotKey(a.DoctorID, a.Date, a.StartTime)
	if _, taken := r.m.booked[key]; taken {
		return ErrSlotTaken
	}
	a.ID = uuid.New()
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	r.m.appointments[a.ID] = &cp
	r.m.booked[key] = a.ID
	return nil
}

func (r memoryAppointments) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	a, ok := r.m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r memoryAppointments) Reschedule(_ context.Context, id uuid.UUID, date time.Time, startTime, endTime string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	a, ok := r.m.appointments[id]
	if !ok || a.Status != StatusScheduled {
		return ErrAppointmentNotFound
	}
	newKey := slotKey(a.DoctorID, date, startTime)
	if holder, taken := r.m.booked[newKey]; taken && holder != id {
		return ErrSlotTaken
	}
	delete(r.m.booked, slotKey(a.DoctorID, a.Date, a.StartTime))
	a.Date, a.StartTime, a.EndTime = date, startTime, endTime
	a.UpdatedAt = time.Now()
	r.m.booked[newKey] = id
	return nil
}

func (r memoryAppointments) ListBookedTimes(_ context.Context, doctorID string, start, end time.Time) ([]BookedTime, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	from, to := dateKey(start), dateKey(end)
	var out []BookedTime
	for _, a := range r.m.appointments {
		d := dateKey(a.Date)
		if a.DoctorID != doctorID || a.Status != StatusScheduled || d < from || d > to {
			continue
		}
		out = append(out, BookedTime{Date: a.Date, StartTime: a.StartTime})
	}
	return out, nil
}
