// Package telemetry exposes Prometheus metrics for the HTTP API, the
// websocket hub and booking outcomes.
package telemetry

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "slotsync"

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide on the global one.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	wsClients    prometheus.Gauge
	wsRooms      prometheus.Gauge
	wsDelivered  *prometheus.CounterVec
	wsDropped    *prometheus.CounterVec
	bookingTotal *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connected_clients",
			Help:      "Websocket clients currently registered with the hub",
		}),
		wsRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_active_rooms",
			Help:      "Doctor/date rooms with at least one member",
		}),
		wsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_delivered_total",
			Help:      "Frames queued to room members",
		}, []string{"event"}),
		wsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_dropped_total",
			Help:      "Frames skipped because a member's send buffer was full",
		}, []string{"event"}),
		bookingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bookings_total",
			Help:      "Booking and reschedule attempts by outcome",
		}, []string{"kind", "outcome"}),
	}

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "goroutines",
		Help:      "Number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(
		m.requestDuration, m.requestTotal,
		m.wsClients, m.wsRooms, m.wsDelivered, m.wsDropped,
		m.bookingTotal, goroutines,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(m.handler)
}

// RegisterPool exports connection pool gauges.
func (m *Metrics) RegisterPool(pool *pgxpool.Pool) {
	gauge := func(name, help string, fn func(*pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      name,
			Help:      help,
		}, func() float64 { return fn(pool.Stat()) })
	}
	m.registry.MustRegister(
		gauge("total_conns", "Connections in the pool", func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("idle_conns", "Idle connections", func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		gauge("acquired_conns", "Connections in use", func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
	)
}

// ObserveRequest implements middleware.HTTPMetrics.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	m.requestTotal.WithLabelValues(method, route, code).Inc()
}

// SetConnectedClients implements websocket.HubMetrics.
func (m *Metrics) SetConnectedClients(n int) { m.wsClients.Set(float64(n)) }

// SetActiveRooms implements websocket.HubMetrics.
func (m *Metrics) SetActiveRooms(n int) { m.wsRooms.Set(float64(n)) }

// ObserveBroadcast implements websocket.HubMetrics.
func (m *Metrics) ObserveBroadcast(event string, delivered, dropped int) {
	if delivered > 0 {
		m.wsDelivered.WithLabelValues(event).Add(float64(delivered))
	}
	if dropped > 0 {
		m.wsDropped.WithLabelValues(event).Add(float64(dropped))
	}
}

// ObserveBooking implements scheduling.BookingMetrics.
func (m *Metrics) ObserveBooking(kind, outcome string) {
	m.bookingTotal.WithLabelValues(kind, outcome).Inc()
}
