package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/slotsync/internal/domain/booking"
	"github.com/ehr/slotsync/internal/platform/notification"
	"github.com/ehr/slotsync/internal/platform/scheduleclient"
	"github.com/ehr/slotsync/internal/platform/websocket"
)

type watchOptions struct {
	server     string
	token      string
	department string
	doctorUUID string
	date       string
	book       string
	patientID  string
	reason     string
	verbose    bool
}

func watchCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live availability for a department or doctor",
		Long: "Connects a booking session to a running server, prints the slots for the chosen day " +
			"and reports slots taken by other clients as they happen. With --book the session " +
			"also submits a booking for the given time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8000", "Server base URL")
	f.StringVar(&opts.token, "token", os.Getenv("SLOTSYNC_TOKEN"), "Bearer token")
	f.StringVar(&opts.department, "department", "", "Department id (required)")
	f.StringVar(&opts.doctorUUID, "doctor", "", "Doctor UUID; omit for any doctor in the department")
	f.StringVar(&opts.date, "date", "", "Day to watch (YYYY-MM-DD, default today)")
	f.StringVar(&opts.book, "book", "", "Book this start time (HH:MM) once availability is loaded")
	f.StringVar(&opts.patientID, "patient", "", "Patient id used with --book")
	f.StringVar(&opts.reason, "reason", "", "Visit reason used with --book")
	f.BoolVar(&opts.verbose, "verbose", false, "Log session internals")
	_ = cmd.MarkFlagRequired("department")
	return cmd
}

// wsURL maps an http(s) base URL to the hub endpoint.
func wsURL(server string) string {
	base := strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func runWatch(ctx context.Context, out io.Writer, opts watchOptions) error {
	level := zerolog.WarnLevel
	if opts.verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(level)

	api := scheduleclient.New(strings.TrimRight(opts.server, "/")+"/api/v1",
		scheduleclient.WithToken(opts.token),
		scheduleclient.WithLogger(logger))
	conn := websocket.NewClientConn(websocket.ClientConnConfig{URL: wsURL(opts.server), Logger: logger})
	toaster := notification.NewToaster(logger, notification.WithOutput(out))

	session := booking.NewSession(booking.SessionConfig{
		Location: time.Local,
		Logger:   logger,
	}, booking.Deps{
		API:       api,
		Booker:    api,
		Transport: conn,
		Notifier:  toaster,
		Hooks:     booking.Hooks{OnCommitted: toaster.Booked},
	})
	if err := session.Open(); err != nil {
		return err
	}
	defer session.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = conn.Run(connCtx) }()

	if err := session.SelectDepartment(opts.department); err != nil {
		return err
	}
	date := booking.CalendarDate(opts.date)
	if date == "" {
		date = booking.CalendarDate(time.Now().Format("2006-01-02"))
	}
	if opts.doctorUUID != "" {
		w, err := api.GetDoctorAvailability(ctx, opts.doctorUUID, date, date)
		if err != nil {
			return fmt.Errorf("look up doctor: %w", err)
		}
		if err := session.SelectDoctor(doctorOf(w, opts.doctorUUID)); err != nil {
			return err
		}
	}
	session.SetStep(booking.StepDateTime)
	if err := session.SelectDate(date); err != nil {
		return err
	}
	if err := session.LoadAvailability(ctx); err != nil {
		return fmt.Errorf("load availability: %w", err)
	}
	printSlots(out, date, session.DisplayedSlots())

	if opts.book != "" {
		return bookTime(ctx, session, opts)
	}

	<-ctx.Done()
	return nil
}

// doctorOf returns the doctor an availability window belongs to. Servers
// that omit the doctor object still identify it by id and uuid.
func doctorOf(w booking.AvailabilityWindow, requested string) *booking.DoctorSummary {
	if w.Doctor != nil {
		return w.Doctor
	}
	d := &booking.DoctorSummary{ID: w.DoctorID, UUID: w.DoctorUUID}
	if d.UUID == "" {
		d.UUID = requested
	}
	return d
}

func bookTime(ctx context.Context, session *booking.Session, opts watchOptions) error {
	at, ok := booking.NormalizeTime(opts.book)
	if !ok {
		return fmt.Errorf("invalid --book time %q", opts.book)
	}
	for _, v := range session.DisplayedSlots() {
		if v.Time != at || !v.Selectable {
			continue
		}
		if err := session.Select(v.Key()); err != nil {
			return err
		}
		if _, err := session.ConfirmSlot(); err != nil {
			return err
		}
		_, err := session.Submit(ctx, booking.BookingDetails{
			PatientID: opts.patientID,
			Reason:    opts.reason,
		})
		return err
	}
	return fmt.Errorf("no open slot at %s", at)
}

func printSlots(out io.Writer, date booking.CalendarDate, slots []booking.SlotView) {
	if len(slots) == 0 {
		fmt.Fprintf(out, "No appointments available on %s\n", date)
		return
	}
	fmt.Fprintf(out, "Slots on %s:\n", date)
	for _, v := range slots {
		doctor := v.DoctorID
		if v.Doctor != nil {
			doctor = v.Doctor.DisplayName()
		}
		fmt.Fprintf(out, "  %-6s %-8s %s\n", v.Label, v.State, doctor)
	}
}
