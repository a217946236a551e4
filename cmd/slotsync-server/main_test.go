package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/slotsync/internal/config"
	"github.com/ehr/slotsync/internal/domain/booking"
	"github.com/ehr/slotsync/internal/domain/scheduling"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                  "development",
		Store:                config.StoreMemory,
		BookingHorizonMonths: 3,
		ClaimTTL:             time.Second,
		WSSendBuffer:         16,
		Timezone:             "UTC",
	}
}

// nextWeekday returns the first Monday-Friday at least two days after now.
func nextWeekday(now time.Time) time.Time {
	d := now.AddDate(0, 0, 2)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func newTestServer(t *testing.T) *server {
	t.Helper()
	srv, err := buildServer(context.Background(), testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	t.Cleanup(srv.Close)
	seedDemo(srv.store, time.Now().UTC(), 14)
	return srv
}

func do(srv *server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "migrate", "watch"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("missing subcommand %q", name)
		}
	}
	if cmd, _, err := root.Find([]string{"migrate", "status"}); err != nil || cmd.Name() != "status" {
		t.Error("missing migrate status")
	}
}

func TestBuildServer_InfrastructureRoutes(t *testing.T) {
	srv := newTestServer(t)

	if rec := do(srv, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", rec.Code)
	}
	rec := do(srv, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "slotsync_goroutines") {
		t.Errorf("metrics: unexpected response %d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/health", ""); rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestBuildServer_BookAndConflict(t *testing.T) {
	srv := newTestServer(t)
	day := nextWeekday(time.Now().UTC()).Format("2006-01-02")
	body := `{"patient_id":"p-1","doctor_id":"1","date":"` + day + `","start_time":"09:00"}`

	if rec := do(srv, http.MethodPost, "/api/v1/appointments", body); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := do(srv, http.MethodPost, "/api/v1/appointments", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	metrics := do(srv, http.MethodGet, "/metrics", "").Body.String()
	for _, want := range []string{
		`slotsync_bookings_total{kind="book",outcome="success"} 1`,
		`slotsync_bookings_total{kind="book",outcome="conflict"} 1`,
	} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestBuildServer_AvailabilityMarksBooked(t *testing.T) {
	srv := newTestServer(t)
	day := nextWeekday(time.Now().UTC()).Format("2006-01-02")
	do(srv, http.MethodPost, "/api/v1/appointments",
		`{"patient_id":"p-1","doctor_id":"3","date":"`+day+`","start_time":"09:30"}`)

	rec := do(srv, http.MethodGet, "/api/v1/departments/dermatology/schedule?start_date="+day+"&end_date="+day, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"isBooked":true`) {
		t.Errorf("expected a booked slot in %s", rec.Body.String())
	}
}

func TestBuildServer_JWTModeRejectsAnonymous(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "staging"
	cfg.AuthSigningKey = "secret"
	srv, err := buildServer(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	defer srv.Close()

	if rec := do(srv, http.MethodGet, "/api/v1/departments/x/schedule", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health must stay public, got %d", rec.Code)
	}
}

func TestSeedDemo(t *testing.T) {
	store := scheduling.NewMemoryStore()
	monday := time.Date(2025, 6, 9, 15, 0, 0, 0, time.UTC)
	n := seedDemo(store, monday, 7)

	// 5 weekdays; doctor 1 has 6 slots, doctor 2 has 8, doctor 3 has 12.
	if want := 5 * (6 + 8 + 12); n != want {
		t.Errorf("expected %d slots, got %d", want, n)
	}
	doc, err := store.Doctors().GetByID(context.Background(), "1")
	if err != nil {
		t.Fatalf("doctor 1: %v", err)
	}
	again := scheduling.NewMemoryStore()
	seedDemo(again, monday, 1)
	doc2, _ := again.Doctors().GetByID(context.Background(), "1")
	if doc.UUID != doc2.UUID {
		t.Error("demo doctor UUIDs must be stable")
	}
	slot, err := store.Slots().Find(context.Background(), "1", monday.Truncate(24*time.Hour), "11:30")
	if err != nil || slot.EndTime != "12:00" {
		t.Errorf("expected 11:30-12:00 slot, got %+v %v", slot, err)
	}
}

func TestWSURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8000":  "ws://localhost:8000/ws",
		"https://slots.example/": "wss://slots.example/ws",
		"ws://already:1":         "ws://already:1/ws",
	}
	for in, want := range tests {
		if got := wsURL(in); got != want {
			t.Errorf("wsURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrintSlots(t *testing.T) {
	var buf bytes.Buffer
	printSlots(&buf, "2025-06-10", nil)
	if !strings.Contains(buf.String(), "No appointments available") {
		t.Errorf("unexpected output %q", buf.String())
	}

	buf.Reset()
	printSlots(&buf, "2025-06-10", []booking.SlotView{{
		TimeSlot: booking.TimeSlot{Date: "2025-06-10", Time: "09:00", DoctorID: "1",
			Doctor: &booking.DoctorSummary{FirstName: "Ada", LastName: "Lovelace"}},
		State: booking.SlotBooked,
		Label: "9:00 AM",
	}})
	out := buf.String()
	if !strings.Contains(out, "booked") || !strings.Contains(out, "Ada Lovelace") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestDoctorOf(t *testing.T) {
	named := &booking.DoctorSummary{ID: "1", UUID: "d1", FirstName: "Ada"}
	if got := doctorOf(booking.AvailabilityWindow{Doctor: named}, "d1"); got != named {
		t.Errorf("expected the window's doctor, got %+v", got)
	}

	got := doctorOf(booking.AvailabilityWindow{DoctorID: "2", DoctorUUID: "d2"}, "d2")
	if got == nil || got.ID != "2" || got.UUID != "d2" {
		t.Errorf("expected doctor built from window ids, got %+v", got)
	}

	got = doctorOf(booking.AvailabilityWindow{}, "d3")
	if got == nil || got.UUID != "d3" {
		t.Errorf("expected requested uuid when the window carries none, got %+v", got)
	}
}
