// Package scheduleclient is the REST client for the schedule and appointment
// service. It satisfies booking.ScheduleAPI and booking.AppointmentBooker.
package scheduleclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/slotsync/internal/domain/booking"
)

// maxErrorBody caps how much of a failed response is read.
const maxErrorBody = 4 << 10

// APIError is a non-2xx response that carried no booking result.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("schedule service: status %d", e.StatusCode)
	}
	return fmt.Sprintf("schedule service: status %d: %s", e.StatusCode, e.Message)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
	logger     zerolog.Logger
}

// New returns a client for the API rooted at baseURL, e.g.
// "http://localhost:8000/api/v1".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) GetDoctorAvailability(ctx context.Context, doctorUUID string, start, end booking.CalendarDate) (booking.AvailabilityWindow, error) {
	var w booking.AvailabilityWindow
	path := "/doctors/" + url.PathEscape(doctorUUID) + "/availability"
	if err := c.get(ctx, path, rangeQuery(start, end), &w); err != nil {
		return booking.AvailabilityWindow{}, err
	}
	return w, nil
}

func (c *Client) GetCombinedSchedule(ctx context.Context, departmentID string, start, end booking.CalendarDate) (booking.CombinedAvailability, error) {
	var items booking.CombinedAvailability
	path := "/departments/" + url.PathEscape(departmentID) + "/schedule"
	if err := c.get(ctx, path, rangeQuery(start, end), &items); err != nil {
		return nil, err
	}
	return items, nil
}

// BookAppointment posts a booking. A rejection the server explains in a
// booking result body is returned as that result with a nil error.
func (c *Client) BookAppointment(ctx context.Context, req booking.BookingRequest) (booking.BookingResult, error) {
	return c.send(ctx, http.MethodPost, "/appointments", req)
}

func (c *Client) RescheduleAppointment(ctx context.Context, appointmentID string, req booking.RescheduleRequest) (booking.BookingResult, error) {
	return c.send(ctx, http.MethodPut, "/appointments/"+url.PathEscape(appointmentID)+"/reschedule", req)
}

func rangeQuery(start, end booking.CalendarDate) url.Values {
	q := url.Values{}
	q.Set("start_date", string(start))
	q.Set("end_date", string(end))
	return q
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	ev := c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("request_id", req.Header.Get("X-Request-ID")).
		Dur("latency", time.Since(start))
	if err != nil {
		ev.Err(err).Msg("schedule request failed")
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	ev.Int("status", resp.StatusCode).Msg("schedule request")
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload interface{}) (booking.BookingResult, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return booking.BookingResult{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, method, path, nil, bytes.NewReader(b))
	if err != nil {
		return booking.BookingResult{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return booking.BookingResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var res booking.BookingResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return booking.BookingResult{}, fmt.Errorf("decode %s: %w", path, err)
		}
		return res, nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var res booking.BookingResult
	if json.Unmarshal(raw, &res) == nil && res.Message != "" {
		res.Success = false
		return res, nil
	}
	return booking.BookingResult{}, apiError(resp.StatusCode, raw)
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return apiError(resp.StatusCode, raw)
}

func apiError(status int, raw []byte) *APIError {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return &APIError{StatusCode: status, Message: body.Message}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(raw))}
}
