package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/odyssey-erp/invoicing/internal/jobs"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	invoicesCreated  prometheus.Counter
	invoicesRejected *prometheus.CounterVec
	invoicesVoided   prometheus.Counter
	ledgerViolations prometheus.Counter
	jobs             *jobmetrics.Metrics
}

// NewMetrics menginisialisasi registry, metrik HTTP, invoicing, dan job.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	created := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_po_invoices_created_total",
		Help: "Invoices issued against purchase orders.",
	})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_po_invoices_rejected_total",
		Help: "Invoice requests rejected by validation, by reason.",
	}, []string{"reason"})
	voided := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_po_invoices_voided_total",
		Help: "Invoices voided.",
	})
	violations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_po_ledger_consistency_errors_total",
		Help: "Purchase order lines found invoiced beyond their ordered quantity.",
	})
	registry.MustRegister(requests, duration, created, rejected, voided, violations)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		invoicesCreated:  created,
		invoicesRejected: rejected,
		invoicesVoided:   voided,
		ledgerViolations: violations,
		jobs:             jobmetrics.NewMetrics(registry),
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Jobs returns the background job collectors registered on the same registry.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// InvoiceCreated counts an issued invoice.
func (m *Metrics) InvoiceCreated() {
	if m == nil {
		return
	}
	m.invoicesCreated.Inc()
}

// InvoiceRejected counts a rejected invoice request.
func (m *Metrics) InvoiceRejected(reason string) {
	if m == nil {
		return
	}
	m.invoicesRejected.WithLabelValues(reason).Inc()
}

// InvoiceVoided counts a voided invoice.
func (m *Metrics) InvoiceVoided() {
	if m == nil {
		return
	}
	m.invoicesVoided.Inc()
}

// LedgerInconsistency counts a detected ledger consistency violation.
func (m *Metrics) LedgerInconsistency() {
	if m == nil {
		return
	}
	m.ledgerViolations.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
