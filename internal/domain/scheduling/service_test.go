package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/slotsync/internal/domain/booking"
	"github.com/ehr/slotsync/internal/platform/auth"
	"github.com/ehr/slotsync/internal/platform/websocket"
)

var (
	testNow   = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	testDay   = time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	adaUUID   = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	alanUUID  = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000002")
	graceUUID = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000003")
)

type fakePublisher struct {
	mu     sync.Mutex
	events []websocket.SlotTakenPayload
	err    error
}

func (p *fakePublisher) PublishSlotTaken(_ context.Context, ev websocket.SlotTakenPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *fakePublisher) published() []websocket.SlotTakenPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]websocket.SlotTakenPayload(nil), p.events...)
}

type fakeMetrics struct {
	mu   sync.Mutex
	seen map[string]int
}

func (m *fakeMetrics) ObserveBooking(kind, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]int)
	}
	m.seen[kind+"/"+outcome]++
}

func (m *fakeMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[key]
}

type fakeTx struct {
	calls int
	// commit runs after fn succeeds, where a real transaction commits.
	commit func()
}

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	if err := fn(ctx); err != nil {
		return err
	}
	if f.commit != nil {
		f.commit()
	}
	return nil
}

func newTestStore() *MemoryStore {
	store := NewMemoryStore()
	store.AddDoctor(Doctor{ID: "1", UUID: adaUUID, DepartmentID: "cardio", FirstName: "Ada", LastName: "Lovelace"})
	store.AddDoctor(Doctor{ID: "2", UUID: alanUUID, DepartmentID: "cardio", FirstName: "Alan", LastName: "Turing"})
	store.AddDoctor(Doctor{ID: "3", UUID: graceUUID, DepartmentID: "cardio", FirstName: "Grace", LastName: "Hopper"})
	for _, slot := range [][2]string{{"09:00", "09:30"}, {"09:30", "10:00"}, {"10:00", "10:30"}} {
		store.AddSlot(ScheduleSlot{DoctorID: "1", Date: testDay, StartTime: slot[0], EndTime: slot[1]})
	}
	store.AddSlot(ScheduleSlot{DoctorID: "2", Date: testDay, StartTime: "10:00", EndTime: "10:30"})
	return store
}

type serviceFixture struct {
	svc     *Service
	store   *MemoryStore
	events  *fakePublisher
	metrics *fakeMetrics
	claims  *MemoryClaimer
	tx      *fakeTx
}

func newFixture() *serviceFixture {
	f := &serviceFixture{
		store:   newTestStore(),
		events:  &fakePublisher{},
		metrics: &fakeMetrics{},
		claims:  NewMemoryClaimer(),
		tx:      &fakeTx{},
	}
	f.svc = NewService(ServiceDeps{
		Doctors:      f.store.Doctors(),
		Slots:        f.store.Slots(),
		Appointments: f.store.Appointments(),
		Claims:       f.claims,
		Events:       f.events,
		Tx:           f.tx,
		Metrics:      f.metrics,
	}, ServiceConfig{
		HorizonMonths: 3,
		Location:      time.UTC,
		Now:           func() time.Time { return testNow },
	}, zerolog.Nop())
	return f
}

func newTestService() *Service {
	return newFixture().svc
}

func bookReq(doctorID, date, start string) booking.BookingRequest {
	return booking.BookingRequest{
		PatientID: "p-1",
		DoctorID:  doctorID,
		Date:      booking.CalendarDate(date),
		StartTime: booking.TimeOfDay(start),
		Reason:    "checkup",
	}
}

// -- Availability --

func TestService_GetDoctorAvailability(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.svc.BookAppointment(ctx, bookReq("1", "2025-06-10", "09:30")); err != nil {
		t.Fatalf("book: %v", err)
	}

	w, err := f.svc.GetDoctorAvailability(ctx, adaUUID.String(), "2025-06-01", "2025-06-30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.DoctorID != "1" || w.DoctorUUID != adaUUID.String() {
		t.Errorf("unexpected window identity: %+v", w)
	}
	if w.Doctor == nil || w.Doctor.LastName != "Lovelace" {
		t.Errorf("expected doctor summary, got %+v", w.Doctor)
	}
	if len(w.Slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(w.Slots))
	}
	for _, s := range w.Slots {
		if want := s.Time == "09:30"; s.IsBooked != want {
			t.Errorf("slot %s: IsBooked=%v, want %v", s.Time, s.IsBooked, want)
		}
		if s.DoctorUUID != adaUUID.String() {
			t.Errorf("slot %s: doctor uuid %q", s.Time, s.DoctorUUID)
		}
	}
	if w.Slots[0].Time != "09:00" || w.Slots[2].Time != "10:00" {
		t.Errorf("slots not ordered: %v %v", w.Slots[0].Time, w.Slots[2].Time)
	}
}

func TestService_GetDoctorAvailability_Errors(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	if _, err := svc.GetDoctorAvailability(ctx, "not-a-uuid", "2025-06-01", "2025-06-30"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.GetDoctorAvailability(ctx, uuid.New().String(), "2025-06-01", "2025-06-30"); !errors.Is(err, ErrDoctorNotFound) {
		t.Errorf("expected ErrDoctorNotFound, got %v", err)
	}
	if _, err := svc.GetDoctorAvailability(ctx, adaUUID.String(), "2025-06-30", "2025-06-01"); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
	if _, err := svc.GetDoctorAvailability(ctx, adaUUID.String(), "June", "2025-06-01"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestService_GetDoctorAvailability_OutsideRange(t *testing.T) {
	svc := newTestService()
	w, err := svc.GetDoctorAvailability(context.Background(), adaUUID.String(), "2025-07-01", "2025-07-31")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.Slots) != 0 {
		t.Errorf("expected no slots, got %d", len(w.Slots))
	}
}

func TestService_GetCombinedSchedule(t *testing.T) {
	svc := newTestService()
	items, err := svc.GetCombinedSchedule(context.Background(), "cardio", "2025-06-01", "2025-06-30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 windows (doctor without slots omitted), got %d", len(items))
	}
	if items[0].DoctorID != "1" || items[1].DoctorID != "2" {
		t.Errorf("unexpected order: %s, %s", items[0].DoctorID, items[1].DoctorID)
	}
}

func TestService_GetCombinedSchedule_RequiresDepartment(t *testing.T) {
	svc := newTestService()
	if _, err := svc.GetCombinedSchedule(context.Background(), "", "2025-06-01", "2025-06-30"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestService_GetCombinedSchedule_UnknownDepartment(t *testing.T) {
	svc := newTestService()
	items, err := svc.GetCombinedSchedule(context.Background(), "neuro", "2025-06-01", "2025-06-30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected empty schedule, got %d windows", len(items))
	}
}

// -- Booking --

func TestService_BookAppointment(t *testing.T) {
	f := newFixture()
	res, err := f.svc.BookAppointment(context.Background(), bookReq("1", "2025-06-10", "09:00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	id, err := uuid.Parse(res.AppointmentID)
	if err != nil {
		t.Fatalf("expected appointment uuid, got %q", res.AppointmentID)
	}

	appt, err := f.store.Appointments().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("stored appointment: %v", err)
	}
	if appt.EndTime != "09:30" {
		t.Errorf("expected end time from slot, got %q", appt.EndTime)
	}
	if appt.DepartmentID != "cardio" {
		t.Errorf("expected department from doctor, got %q", appt.DepartmentID)
	}
	if appt.Reason == nil || *appt.Reason != "checkup" {
		t.Errorf("expected reason, got %v", appt.Reason)
	}

	events := f.events.published()
	if len(events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(events))
	}
	want := websocket.SlotTakenPayload{Time: "09:00", Date: "2025-06-10", DoctorUUID: adaUUID.String()}
	if events[0] != want {
		t.Errorf("published %+v, want %+v", events[0], want)
	}
	if f.metrics.count("book/success") != 1 {
		t.Errorf("expected success metric")
	}
}

func TestService_BookAppointment_NormalizesInput(t *testing.T) {
	f := newFixture()
	req := bookReq("1", "2025-06-10T00:00:00Z", "10:00:00")
	if _, err := f.svc.BookAppointment(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev := f.events.published(); len(ev) != 1 || ev[0].Time != "10:00" || ev[0].Date != "2025-06-10" {
		t.Errorf("unexpected events: %+v", ev)
	}
}

func TestService_BookAppointment_AlreadyTaken(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if _, err := f.svc.BookAppointment(ctx, bookReq("1", "2025-06-10", "09:00")); err != nil {
		t.Fatalf("first booking: %v", err)
	}
	_, err := f.svc.BookAppointment(ctx, bookReq("1", "2025-06-10", "09:00"))
	if !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}
	if len(f.events.published()) != 1 {
		t.Errorf("a failed booking must not publish")
	}
	if f.metrics.count("book/conflict") != 1 {
		t.Errorf("expected conflict metric")
	}
}

func TestService_BookAppointment_Rejections(t *testing.T) {
	tests := []struct {
		name string
		req  booking.BookingRequest
		want error
	}{
		{"missing patient", booking.BookingRequest{DoctorID: "1", Date: "2025-06-10", StartTime: "09:00"}, ErrInvalidInput},
		{"bad time", bookReq("1", "2025-06-10", "9am"), ErrInvalidInput},
		{"bad date", bookReq("1", "10/06/2025", "09:00"), ErrInvalidInput},
		{"unknown doctor", bookReq("99", "2025-06-10", "09:00"), ErrDoctorNotFound},
		{"not offered", bookReq("1", "2025-06-10", "15:00"), ErrSlotNotOffered},
		{"past", bookReq("1", "2025-05-30", "09:00"), ErrOutsideHorizon},
		{"beyond horizon", bookReq("1", "2025-12-01", "09:00"), ErrOutsideHorizon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.BookAppointment(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if len(f.events.published()) != 0 {
				t.Errorf("rejected booking published an event")
			}
		})
	}
}

func TestService_BookAppointment_ReasonTooLong(t *testing.T) {
	svc := newTestService()
	req := bookReq("1", "2025-06-10", "09:00")
	long := make([]byte, 501)
	for i := range long {
		long[i] = 'x'
	}
	req.Reason = string(long)
	if _, err := svc.BookAppointment(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestService_BookAppointment_ClaimHeld(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	release, err := f.claims.Claim(ctx, ClaimKey("1", "2025-06-10", "09:00"), time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.svc.BookAppointment(ctx, bookReq("1", "2025-06-10", "09:00")); !errors.Is(err, ErrSlotClaimed) {
		t.Fatalf("expected ErrSlotClaimed, got %v", err)
	}
	release(ctx)
	if _, err := f.svc.BookAppointment(ctx, bookReq("1", "2025-06-10", "09:00")); err != nil {
		t.Fatalf("expected booking after release, got %v", err)
	}
}

func TestService_BookAppointment_PublishFailureStillBooks(t *testing.T) {
	f := newFixture()
	f.events.err = errors.New("redis down")
	res, err := f.svc.BookAppointment(context.Background(), bookReq("1", "2025-06-10", "09:00"))
	if err != nil || !res.Success {
		t.Fatalf("expected success, got %+v, %v", res, err)
	}
}

func TestService_BookAppointment_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture()
	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := bookReq("1", "2025-06-10", "09:00")
			req.PatientID = uuid.NewString()
			_, err := f.svc.BookAppointment(context.Background(), req)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSlotTaken), errors.Is(err, ErrSlotClaimed):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins)
	}
	if len(f.events.published()) != 1 {
		t.Errorf("expected exactly 1 published event, got %d", len(f.events.published()))
	}
}

// -- Reschedule --

func bookOne(t *testing.T, f *serviceFixture, start string) string {
	t.Helper()
	res, err := f.svc.BookAppointment(context.Background(), bookReq("1", "2025-06-10", start))
	if err != nil {
		t.Fatalf("book %s: %v", start, err)
	}
	return res.AppointmentID
}

func TestService_RescheduleAppointment(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	id := bookOne(t, f, "09:00")

	res, err := f.svc.RescheduleAppointment(ctx, id, booking.RescheduleRequest{Date: "2025-06-10", StartTime: "10:00"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.AppointmentID != id {
		t.Errorf("unexpected result: %+v", res)
	}
	if f.tx.calls != 1 {
		t.Errorf("expected reschedule to run in one transaction, got %d", f.tx.calls)
	}

	w, err := f.svc.GetDoctorAvailability(ctx, adaUUID.String(), "2025-06-10", "2025-06-10")
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	for _, s := range w.Slots {
		if want := s.Time == "10:00"; s.IsBooked != want {
			t.Errorf("slot %s: IsBooked=%v, want %v", s.Time, s.IsBooked, want)
		}
	}

	events := f.events.published()
	if last := events[len(events)-1]; last.Time != "10:00" || last.DoctorUUID != adaUUID.String() {
		t.Errorf("expected taken event for new slot, got %+v", last)
	}
	if f.metrics.count("reschedule/success") != 1 {
		t.Errorf("expected reschedule metric")
	}
}

func TestService_RescheduleAppointment_ClaimCoversCommit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	id := bookOne(t, f, "09:00")
	key := ClaimKey("1", "2025-06-10", "10:00")

	var claimErr error
	f.tx.commit = func() {
		release, err := f.claims.Claim(ctx, key, time.Minute)
		if err == nil {
			release(ctx)
		}
		claimErr = err
	}
	if _, err := f.svc.RescheduleAppointment(ctx, id, booking.RescheduleRequest{Date: "2025-06-10", StartTime: "10:00"}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if !errors.Is(claimErr, ErrSlotClaimed) {
		t.Fatalf("claim must still be held at commit, got %v", claimErr)
	}

	release, err := f.claims.Claim(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("claim must be released after reschedule returns: %v", err)
	}
	release(ctx)
}

func TestService_RescheduleAppointment_SameSlot(t *testing.T) {
	f := newFixture()
	id := bookOne(t, f, "09:00")
	_, err := f.svc.RescheduleAppointment(context.Background(), id, booking.RescheduleRequest{Date: "2025-06-10", StartTime: "09:00"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestService_RescheduleAppointment_Conflict(t *testing.T) {
	f := newFixture()
	id := bookOne(t, f, "09:00")
	bookOne(t, f, "09:30")
	_, err := f.svc.RescheduleAppointment(context.Background(), id, booking.RescheduleRequest{Date: "2025-06-10", StartTime: "09:30"})
	if !errors.Is(err, ErrSlotTaken) {
		t.Errorf("expected ErrSlotTaken, got %v", err)
	}
}

func TestService_RescheduleAppointment_Errors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	req := booking.RescheduleRequest{Date: "2025-06-10", StartTime: "10:00"}

	if _, err := f.svc.RescheduleAppointment(ctx, "nope", req); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.svc.RescheduleAppointment(ctx, uuid.NewString(), req); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("expected ErrAppointmentNotFound, got %v", err)
	}
	id := bookOne(t, f, "09:00")
	if _, err := f.svc.RescheduleAppointment(ctx, id, booking.RescheduleRequest{Date: "2025-06-10", StartTime: "16:00"}); !errors.Is(err, ErrSlotNotOffered) {
		t.Errorf("expected ErrSlotNotOffered, got %v", err)
	}
	if _, err := f.svc.RescheduleAppointment(ctx, id, booking.RescheduleRequest{Date: "2025-06-10"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing time, got %v", err)
	}
}

// -- Patient-bound callers --

func patientCtx(pid string) context.Context {
	return auth.WithClaims(context.Background(), &auth.Claims{
		Roles:     []string{auth.RolePatient},
		PatientID: pid,
	})
}

func TestService_BookAppointment_PatientBound(t *testing.T) {
	f := newFixture()

	req := bookReq("1", "2025-06-10", "09:00")
	req.PatientID = ""
	if _, err := f.svc.BookAppointment(patientCtx("p-9"), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	booked, _ := f.store.Appointments().ListBookedTimes(context.Background(), "1", testDay, testDay)
	if len(booked) != 1 {
		t.Fatalf("expected 1 booking, got %d", len(booked))
	}

	other := bookReq("1", "2025-06-10", "09:30")
	other.PatientID = "p-1"
	if _, err := f.svc.BookAppointment(patientCtx("p-9"), other); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if got := f.metrics.count("book/rejected"); got != 1 {
		t.Errorf("expected 1 rejected booking, got %d", got)
	}
}

func TestService_RescheduleAppointment_OtherPatientHidden(t *testing.T) {
	f := newFixture()
	id := bookOne(t, f, "09:00")

	req := booking.RescheduleRequest{Date: "2025-06-10", StartTime: "10:00"}
	if _, err := f.svc.RescheduleAppointment(patientCtx("p-other"), id, req); !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("expected ErrAppointmentNotFound, got %v", err)
	}
	if _, err := f.svc.RescheduleAppointment(patientCtx("p-1"), id, req); err != nil {
		t.Errorf("owner reschedule failed: %v", err)
	}
}
