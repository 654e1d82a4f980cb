package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ledger metrics
	CommissionsPosted     *prometheus.CounterVec
	CommissionAmount      *prometheus.CounterVec
	CommissionErrors      prometheus.Counter
	CommissionResolutions *prometheus.CounterVec
	Withdrawals           *prometheus.CounterVec
	WithdrawalAmount      *prometheus.CounterVec

	// Maintenance metrics
	PathsRebuilt        prometheus.Counter
	ReconcileViolations *prometheus.GaugeVec
}

// New creates a new Metrics instance registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		CommissionsPosted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mlm_commissions_posted_total",
			Help: "Commissions written to the ledger",
		}, []string{"type", "status"}),
		CommissionAmount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mlm_commission_amount_total",
			Help: "Sum of posted commission amounts",
		}, []string{"type"}),
		CommissionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "mlm_commission_errors_total",
			Help: "Calculations that failed to post",
		}),
		CommissionResolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mlm_commission_resolutions_total",
			Help: "Pending commissions approved or cancelled",
		}, []string{"status"}),
		Withdrawals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mlm_withdrawals_total",
			Help: "Withdrawal requests and transitions by resulting status",
		}, []string{"status"}),
		WithdrawalAmount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mlm_withdrawal_amount_total",
			Help: "Sum of withdrawal amounts by resulting status",
		}, []string{"status"}),

		PathsRebuilt: f.NewCounter(prometheus.CounterOpts{
			Name: "mlm_paths_rebuilt_total",
			Help: "Hierarchy paths rewritten by maintenance rebuilds",
		}),
		ReconcileViolations: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mlm_reconcile_violations",
			Help: "Violations found by the last reconciliation run",
		}, []string{"check"}),
	}
}

func float(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}

// CommissionPosted records one posted commission. Safe on a nil receiver.
func (m *Metrics) CommissionPosted(typ, status string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.CommissionsPosted.WithLabelValues(typ, status).Inc()
	m.CommissionAmount.WithLabelValues(typ).Add(float(amount))
}

// CommissionFailed records a calculation that could not be posted.
func (m *Metrics) CommissionFailed() {
	if m == nil {
		return
	}
	m.CommissionErrors.Inc()
}

// CommissionResolved records an approval or cancellation.
func (m *Metrics) CommissionResolved(status string) {
	if m == nil {
		return
	}
	m.CommissionResolutions.WithLabelValues(status).Inc()
}

// Withdrawal records a withdrawal reaching status.
func (m *Metrics) Withdrawal(status string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.Withdrawals.WithLabelValues(status).Inc()
	m.WithdrawalAmount.WithLabelValues(status).Add(float(amount))
}

// Rebuilt records rewritten hierarchy paths.
func (m *Metrics) Rebuilt(n int) {
	if m == nil {
		return
	}
	m.PathsRebuilt.Add(float64(n))
}

// Violations sets the violation gauge for a reconciliation check.
func (m *Metrics) Violations(check string, n float64) {
	if m == nil {
		return
	}
	m.ReconcileViolations.WithLabelValues(check).Set(n)
}

// Middleware records request count and latency, labelled by the matched chi route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := []string{r.Method, path, strconv.Itoa(status)}
		m.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
		m.HTTPRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}
