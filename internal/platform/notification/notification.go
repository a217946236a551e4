// Package notification renders and records the transient messages a booking
// session raises: slots taken by someone else and failed submissions.
package notification

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/slotsync/internal/domain/booking"
)

// Kind identifies which event produced a toast.
type Kind string

const (
	KindSlotTaken     Kind = "slot-taken"
	KindBookingFailed Kind = "booking-failed"
	KindBooked        Kind = "booked"
)

// Toast is a single transient notification.
type Toast struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable toast message.
type Template struct {
	Kind Kind   `json:"kind"`
	Body string `json:"body"`
}

// TemplateEngine manages toast templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Kind]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[Kind]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{Kind: KindSlotTaken, Body: "The {{time}} slot on {{date}} was just booked by someone else."},
		{Kind: KindBookingFailed, Body: "{{message}}"},
		{Kind: KindBooked, Body: "Appointment {{appointment_id}} confirmed."},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.Kind] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Kind] = &t
}

// Render performs {{key}} replacement on the template for kind. Keys present
// in the template but absent from data are left as-is.
func (e *TemplateEngine) Render(kind Kind, data map[string]string) (string, error) {
	e.mu.RLock()
	t, ok := e.templates[kind]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("template %q not found", kind)
	}

	body := t.Body
	for k, v := range data {
		body = strings.ReplaceAll(body, "{{"+k+"}}", v)
	}
	return body, nil
}

// ---------------------------------------------------------------------------
// Toaster
// ---------------------------------------------------------------------------

// DefaultHistory is how many toasts a Toaster keeps when none is configured.
const DefaultHistory = 50

// Toaster implements booking.Notifier. Each toast is logged, optionally
// written as a line to Out, and kept in a bounded history.
type Toaster struct {
	mu      sync.Mutex
	tpl     *TemplateEngine
	logger  zerolog.Logger
	out     io.Writer
	history []Toast
	limit   int
	now     func() time.Time
}

var _ booking.Notifier = (*Toaster)(nil)

// Option configures a Toaster.
type Option func(*Toaster)

// WithOutput writes every rendered toast as a line to w.
func WithOutput(w io.Writer) Option { return func(t *Toaster) { t.out = w } }

// WithHistory bounds the number of toasts retained by Recent.
func WithHistory(n int) Option { return func(t *Toaster) { t.limit = n } }

// WithTemplates replaces the built-in templates.
func WithTemplates(e *TemplateEngine) Option { return func(t *Toaster) { t.tpl = e } }

func NewToaster(logger zerolog.Logger, opts ...Option) *Toaster {
	t := &Toaster{
		tpl:    NewTemplateEngine(),
		logger: logger,
		limit:  DefaultHistory,
		now:    time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.limit <= 0 {
		t.limit = DefaultHistory
	}
	return t
}

// SlotTaken implements booking.Notifier.
func (t *Toaster) SlotTaken(date booking.CalendarDate, at booking.TimeOfDay) {
	t.emit(KindSlotTaken, map[string]string{"date": string(date), "time": string(at)})
}

// BookingFailed implements booking.Notifier.
func (t *Toaster) BookingFailed(message string) {
	t.emit(KindBookingFailed, map[string]string{"message": message})
}

// Booked records a committed booking. It matches booking.Hooks.OnCommitted.
func (t *Toaster) Booked(res booking.BookingResult) {
	t.emit(KindBooked, map[string]string{"appointment_id": res.AppointmentID})
}

func (t *Toaster) emit(kind Kind, data map[string]string) {
	msg, err := t.tpl.Render(kind, data)
	if err != nil {
		t.logger.Error().Err(err).Str("kind", string(kind)).Msg("render toast")
		return
	}
	toast := Toast{
		ID:        uuid.NewString(),
		Kind:      kind,
		Message:   msg,
		Data:      data,
		CreatedAt: t.now(),
	}

	t.mu.Lock()
	t.history = append(t.history, toast)
	if over := len(t.history) - t.limit; over > 0 {
		t.history = append(t.history[:0], t.history[over:]...)
	}
	out := t.out
	t.mu.Unlock()

	ev := t.logger.Info()
	if kind == KindBookingFailed {
		ev = t.logger.Warn()
	}
	ev.Str("toast_id", toast.ID).Str("kind", string(kind)).Msg(msg)

	if out != nil {
		_, _ = fmt.Fprintf(out, "[%s] %s\n", kind, msg)
	}
}

// Recent returns up to limit toasts, newest first. limit <= 0 returns all.
func (t *Toaster) Recent(limit int) []Toast {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Toast, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, t.history[i])
	}
	return out
}
