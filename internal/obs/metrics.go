package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dewolfe/flowgate/internal/routing"
)

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	GuardRejected   *prometheus.CounterVec

	AdmittedTotal *prometheus.CounterVec
	AdmittedCost  *prometheus.CounterVec
	DelayedTotal  *prometheus.CounterVec
	CarriedTotal  *prometheus.CounterVec
	CarriedCost   *prometheus.CounterVec
	ResetsTotal   *prometheus.CounterVec
	ShapeWait     *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowgate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowgate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		GuardRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowgate_guard_rejected_total",
				Help: "Total requests rejected by the per-client guard",
			},
			[]string{"route"},
		),
		AdmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowgate_flow_admitted_total",
				Help: "Total admissions per flow",
			},
			[]string{"flow"},
		),
		AdmittedCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowgate_flow_admitted_cost_total",
				Help: "Total tokens admitted per flow",
			},
			[]string{"flow"},
		),
		DelayedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowgate_flow_delayed_total",
				Help: "Total probabilistic rollback-retries per flow",
			},
			[]string{"flow"},
		),
		CarriedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowgate_flow_carried_total",
				Help: "Total carry-overs into a later interval per flow",
			},
			[]string{"flow"},
		),
		CarriedCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowgate_flow_carried_cost_total",
				Help: "Total tokens carried into a later interval per flow",
			},
			[]string{"flow"},
		),
		ResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowgate_flow_resets_total",
				Help: "Total counter resets per flow",
			},
			[]string{"flow"},
		),
		ShapeWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowgate_shape_wait_seconds",
				Help:    "Time requests spent blocked in flow admission",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"flow"},
		),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.GuardRejected,
		m.AdmittedTotal, m.AdmittedCost, m.DelayedTotal,
		m.CarriedTotal, m.CarriedCost, m.ResetsTotal, m.ShapeWait,
	)
	return m
}

// Admitted, Delayed, Carried and Reset make Metrics a flow.Observer, so the
// shaper reports straight into Prometheus.
func (m *Metrics) Admitted(flow string, cost int64) {
	m.AdmittedTotal.WithLabelValues(flow).Inc()
	m.AdmittedCost.WithLabelValues(flow).Add(float64(cost))
}

func (m *Metrics) Delayed(flow string) {
	m.DelayedTotal.WithLabelValues(flow).Inc()
}

func (m *Metrics) Carried(flow string, over int64) {
	m.CarriedTotal.WithLabelValues(flow).Inc()
	m.CarriedCost.WithLabelValues(flow).Add(float64(over))
}

func (m *Metrics) Reset(flow string) {
	m.ResetsTotal.WithLabelValues(flow).Inc()
}

// ObserveWait records how long a request was parked in admission.
func (m *Metrics) ObserveWait(flow string, d time.Duration) {
	m.ShapeWait.WithLabelValues(flow).Observe(d.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics.
// It uses the route stored by RouteMatcher (routing.RouteFrom).
func (m *Metrics) Middleware(skip map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt != nil && rt.ID != "" {
				route = rt.ID
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
