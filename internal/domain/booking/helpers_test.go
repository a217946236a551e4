package booking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/slotsync/internal/platform/websocket"
)

var testNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// fakeTransport
// ---------------------------------------------------------------------------

type emitted struct {
	Event   string
	Payload websocket.RoomPayload
}

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	emits     []emitted
	listeners map[string]map[int]websocket.Listener
	next      int
	emitErr   error
}

func newFakeTransport(connected bool) *fakeTransport {
	return &fakeTransport{connected: connected, listeners: make(map[string]map[int]websocket.Listener)}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeTransport) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	p, _ := payload.(websocket.RoomPayload)
	f.emits = append(f.emits, emitted{Event: event, Payload: p})
	return nil
}

func (f *fakeTransport) On(event string, fn websocket.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	if f.listeners[event] == nil {
		f.listeners[event] = make(map[int]websocket.Listener)
	}
	f.listeners[event][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners[event], id)
	}
}

func (f *fakeTransport) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ls := range f.listeners {
		n += len(ls)
	}
	return n
}

// fire delivers an event to every listener the way ClientConn does.
func (f *fakeTransport) fire(event string, payload interface{}) {
	var data json.RawMessage
	if payload != nil {
		switch p := payload.(type) {
		case string:
			data = json.RawMessage(p)
		default:
			data, _ = json.Marshal(p)
		}
	}
	f.mu.Lock()
	fns := make([]websocket.Listener, 0, len(f.listeners[event]))
	for _, fn := range f.listeners[event] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeTransport) takeEmits() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.emits
	f.emits = nil
	return out
}

func countEvents(emits []emitted, event string) int {
	n := 0
	for _, e := range emits {
		if e.Event == event {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// fakeNotifier
// ---------------------------------------------------------------------------

type fakeNotifier struct {
	taken  []string
	failed []string
}

func (n *fakeNotifier) SlotTaken(d CalendarDate, t TimeOfDay) {
	n.taken = append(n.taken, string(d)+" "+string(t))
}

func (n *fakeNotifier) BookingFailed(msg string) { n.failed = append(n.failed, msg) }

// ---------------------------------------------------------------------------
// fakeAPI / fakeBooker
// ---------------------------------------------------------------------------

type fakeAPI struct {
	mu          sync.Mutex
	byDoctor    map[string]AvailabilityWindow
	combined    CombinedAvailability
	err         error
	doctorCalls []AvailabilityQuery
	deptCalls   []AvailabilityQuery
	// before runs at the start of each fetch, outside the fake's lock.
	before func()
}

func (a *fakeAPI) GetDoctorAvailability(_ context.Context, doctorUUID string, start, end CalendarDate) (AvailabilityWindow, error) {
	if a.before != nil {
		a.before()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doctorCalls = append(a.doctorCalls, AvailabilityQuery{DoctorUUID: doctorUUID, Start: start, End: end})
	if a.err != nil {
		return AvailabilityWindow{}, a.err
	}
	w := a.byDoctor[doctorUUID]
	out := w
	out.Slots = nil
	for _, s := range w.Slots {
		if s.Date >= start && s.Date <= end {
			out.Slots = append(out.Slots, s)
		}
	}
	return out, nil
}

func (a *fakeAPI) GetCombinedSchedule(_ context.Context, departmentID string, start, end CalendarDate) (CombinedAvailability, error) {
	if a.before != nil {
		a.before()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deptCalls = append(a.deptCalls, AvailabilityQuery{DepartmentID: departmentID, Start: start, End: end})
	if a.err != nil {
		return nil, a.err
	}
	return a.combined, nil
}

type fakeBooker struct {
	mu         sync.Mutex
	result     BookingResult
	err        error
	requests   []BookingRequest
	reschedule []RescheduleRequest
	// when set, the call blocks until release is closed after signalling
	// entered
	entered chan struct{}
	release chan struct{}
}

func (b *fakeBooker) wait() {
	if b.entered == nil {
		return
	}
	close(b.entered)
	<-b.release
}

func (b *fakeBooker) BookAppointment(_ context.Context, req BookingRequest) (BookingResult, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	b.wait()
	return b.result, b.err
}

func (b *fakeBooker) RescheduleAppointment(_ context.Context, _ string, req RescheduleRequest) (BookingResult, error) {
	b.mu.Lock()
	b.reschedule = append(b.reschedule, req)
	b.mu.Unlock()
	b.wait()
	return b.result, b.err
}

var errBackend = errors.New("backend unavailable")

// ---------------------------------------------------------------------------
// fixtures
// ---------------------------------------------------------------------------

var (
	doc1 = DoctorSummary{ID: "1", UUID: "d1", FirstName: "Ada", LastName: "Lovelace"}
	doc2 = DoctorSummary{ID: "2", UUID: "d2", FirstName: "Alan", LastName: "Turing"}
	doc3 = DoctorSummary{ID: "3", UUID: "d3", FirstName: "Grace", LastName: "Hopper"}
)

func window(doc DoctorSummary, date CalendarDate, times ...TimeOfDay) AvailabilityWindow {
	d := doc
	w := AvailabilityWindow{DoctorID: doc.ID, DoctorUUID: doc.UUID, Doctor: &d}
	for _, t := range times {
		w.Slots = append(w.Slots, TimeSlot{Date: date, Time: t, EndTime: t, DoctorID: doc.ID, DoctorUUID: doc.UUID})
	}
	return w
}

type sessionFixture struct {
	session   *Session
	transport *fakeTransport
	api       *fakeAPI
	booker    *fakeBooker
	notifier  *fakeNotifier
	committed []BookingResult
	dates     []CalendarDate
	confirmed []DateTimeSelection
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		transport: newFakeTransport(true),
		api: &fakeAPI{
			byDoctor: map[string]AvailabilityWindow{
				doc1.UUID: window(doc1, "2025-06-10", "09:00", "09:30", "10:00"),
				doc2.UUID: window(doc2, "2025-06-10", "10:00", "11:00"),
			},
			combined: CombinedAvailability{
				window(doc1, "2025-06-10", "09:00", "09:30", "10:00"),
				window(doc2, "2025-06-10", "10:00", "11:00"),
				window(doc3, "2025-06-10", "14:00"),
			},
		},
		booker:   &fakeBooker{result: BookingResult{Success: true, Message: "Appointment booked", AppointmentID: "apt-1"}},
		notifier: &fakeNotifier{},
	}
	f.session = NewSession(SessionConfig{
		Location: time.UTC,
		Now:      func() time.Time { return testNow },
		Logger:   zerolog.Nop(),
	}, Deps{
		API:       f.api,
		Booker:    f.booker,
		Transport: f.transport,
		Notifier:  f.notifier,
		Hooks: Hooks{
			OnDateSelect:     func(d CalendarDate) { f.dates = append(f.dates, d) },
			OnDateTimeSelect: func(s DateTimeSelection) { f.confirmed = append(f.confirmed, s) },
			OnCommitted:      func(r BookingResult) { f.committed = append(f.committed, r) },
		},
	})
	if err := f.session.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(f.session.Close)
	return f
}

// onDate puts the session on the date/time step for doctor (nil = any) and
// date with availability loaded.
func (f *sessionFixture) onDate(t *testing.T, doctor *DoctorSummary, date CalendarDate) {
	t.Helper()
	s := f.session
	if err := s.SelectDepartment("cardiology"); err != nil {
		t.Fatalf("select department: %v", err)
	}
	if err := s.SelectDoctor(doctor); err != nil {
		t.Fatalf("select doctor: %v", err)
	}
	s.SetStep(StepDateTime)
	if err := s.LoadAvailability(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.SelectDate(date); err != nil {
		t.Fatalf("select date: %v", err)
	}
}

func slotTaken(date, tm, doctor string) websocket.SlotTakenPayload {
	return websocket.SlotTakenPayload{Date: date, Time: tm, DoctorUUID: doctor}
}

func findView(t *testing.T, views []SlotView, tm TimeOfDay, doctorID string) SlotView {
	t.Helper()
	for _, v := range views {
		if v.Time == tm && v.DoctorID == doctorID {
			return v
		}
	}
	t.Fatalf("no slot %s for doctor %s in %d views", tm, doctorID, len(views))
	return SlotView{}
}
