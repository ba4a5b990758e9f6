// Package metrics exposes Prometheus collectors for the HTTP layer and the
// pharmacy workflow. All recording methods are safe on a nil *Metrics so
// services can run without instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	stockAdjustments *prometheus.CounterVec
	stockUnits       *prometheus.CounterVec
	lowStockEvents   prometheus.Counter
	transitions      *prometheus.CounterVec
	dispenses        *prometheus.CounterVec
	safetyFindings   *prometheus.CounterVec
	reconcileResults *prometheus.CounterVec
	webhookResults   *prometheus.CounterVec
}

// New builds the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "his",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "his",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		stockAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "his",
			Subsystem: "inventory",
			Name:      "adjustments_total",
			Help:      "Committed ledger entries by transaction type.",
		}, []string{"type"}),
		stockUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "his",
			Subsystem: "inventory",
			Name:      "units_total",
			Help:      "Units moved by transaction type and direction.",
		}, []string{"type", "direction"}),
		lowStockEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "his",
			Subsystem: "inventory",
			Name:      "low_stock_events_total",
			Help:      "Adjustments that left a record below its minimum threshold.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "his",
			Subsystem: "prescription",
			Name:      "transitions_total",
			Help:      "Prescription status transitions.",
		}, []string{"from", "to"}),
		dispenses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "his",
			Subsystem: "prescription",
			Name:      "dispense_attempts_total",
			Help:      "Dispense attempts by outcome code.",
		}, []string{"outcome"}),
		safetyFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "his",
			Subsystem: "prescription",
			Name:      "safety_findings_total",
			Help:      "Screening findings by kind.",
		}, []string{"kind"}),
		reconcileResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "his",
			Subsystem: "inventory",
			Name:      "reconciliations_total",
			Help:      "Reconciliation checks by result.",
		}, []string{"result"}),
		webhookResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "his",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Outbound webhook deliveries by event type and result.",
		}, []string{"type", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.stockAdjustments, m.stockUnits, m.lowStockEvents,
		m.transitions, m.dispenses, m.safetyFindings, m.reconcileResults,
		m.webhookResults,
	)
	return m
}

// Registry returns the registry backing the /metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware records request count and latency keyed by the route pattern,
// not the raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

func (m *Metrics) StockAdjusted(txType string, direction, quantity int) {
	if m == nil {
		return
	}
	dir := "in"
	if direction < 0 {
		dir = "out"
	}
	m.stockAdjustments.WithLabelValues(txType).Inc()
	m.stockUnits.WithLabelValues(txType, dir).Add(float64(quantity))
}

func (m *Metrics) LowStock() {
	if m == nil {
		return
	}
	m.lowStockEvents.Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// DispenseOutcome counts a dispense attempt; outcome is "ok" or an error code.
func (m *Metrics) DispenseOutcome(outcome string) {
	if m == nil {
		return
	}
	m.dispenses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SafetyFinding(kind string) {
	if m == nil {
		return
	}
	m.safetyFindings.WithLabelValues(kind).Inc()
}

func (m *Metrics) Reconciled(balanced bool) {
	if m == nil {
		return
	}
	result := "balanced"
	if !balanced {
		result = "mismatch"
	}
	m.reconcileResults.WithLabelValues(result).Inc()
}

func (m *Metrics) WebhookDelivered(eventType string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failed"
	}
	m.webhookResults.WithLabelValues(eventType, result).Inc()
}
