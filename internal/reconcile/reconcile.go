// internal/reconcile/reconcile.go
package reconcile

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"mlmledger/internal/metrics"
)

// Check is a ledger invariant expressed as a measured value and the threshold it must meet.
type Check struct {
	Name       string
	Hypothesis string
	Query      func(context.Context) (float64, error)
	Threshold  Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Holds reports whether value satisfies the threshold.
func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Provider is implemented by stores that know how to measure their own invariants.
type Provider interface {
	ReconcileChecks() []Check
}

type Violation struct {
	Check     string    `json:"check"`
	Operator  string    `json:"operator"`
	Expected  float64   `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorEvent struct {
	Check     string    `json:"check"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Report captures one reconciliation run.
type Report struct {
	StartTime    time.Time          `json:"start_time"`
	EndTime      time.Time          `json:"end_time"`
	Duration     time.Duration      `json:"duration"`
	Healthy      bool               `json:"healthy"`
	Observations map[string]float64 `json:"observations"`
	Violations   []Violation        `json:"violations"`
	ErrorEvents  []ErrorEvent       `json:"error_events"`
}

// Engine runs registered checks and keeps the last report.
type Engine struct {
	tracer  trace.Tracer
	logger  *zap.Logger
	metrics *metrics.Metrics
	checks  []Check
	last    *Report
	mu      sync.Mutex
}

// NewEngine creates an engine. m may be nil.
func NewEngine(logger *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		tracer:  otel.Tracer("mlmledger/reconcile"),
		logger:  logger.Named("reconcile"),
		metrics: m,
	}
}

// Register adds checks to the engine.
func (e *Engine) Register(checks ...Check) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks = append(e.checks, checks...)
}

// Checks returns the registered checks.
func (e *Engine) Checks() []Check {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Check(nil), e.checks...)
}

// Last returns the most recent report, or nil before the first run.
func (e *Engine) Last() *Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Run evaluates every check once. A failing query is recorded as an error event and
// marks the report unhealthy; it does not stop the remaining checks.
func (e *Engine) Run(ctx context.Context) *Report {
	ctx, span := e.tracer.Start(ctx, "reconcile.run")
	defer span.End()

	report := &Report{
		StartTime:    time.Now(),
		Observations: make(map[string]float64),
		Violations:   make([]Violation, 0),
		ErrorEvents:  make([]ErrorEvent, 0),
	}

	for _, c := range e.Checks() {
		value, err := c.Query(ctx)
		if err != nil {
			span.RecordError(err)
			report.ErrorEvents = append(report.ErrorEvents, ErrorEvent{
				Check:     c.Name,
				Error:     err.Error(),
				Timestamp: time.Now(),
			})
			e.logger.Error("reconcile check failed", zap.String("check", c.Name), zap.Error(err))
			continue
		}

		report.Observations[c.Name] = value
		e.metrics.Violations(c.Name, violationCount(value, c.Threshold))
		if !c.Threshold.Holds(value) {
			report.Violations = append(report.Violations, Violation{
				Check:     c.Name,
				Operator:  c.Threshold.Operator,
				Expected:  c.Threshold.Value,
				Actual:    value,
				Timestamp: time.Now(),
			})
			e.logger.Warn("ledger invariant violated",
				zap.String("check", c.Name),
				zap.String("hypothesis", c.Hypothesis),
				zap.Float64("actual", value),
			)
		}
	}

	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(report.StartTime)
	report.Healthy = len(report.Violations) == 0 && len(report.ErrorEvents) == 0

	e.mu.Lock()
	e.last = report
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("healthy", report.Healthy),
		attribute.Int("violations", len(report.Violations)),
	)
	return report
}

func violationCount(value float64, t Threshold) float64 {
	if t.Holds(value) {
		return 0
	}
	return value
}

// Print writes a human-readable summary of r.
func Print(w io.Writer, r *Report) {
	if r.Healthy {
		fmt.Fprintln(w, "ledger consistent")
	} else {
		fmt.Fprintln(w, "ledger INCONSISTENT")
	}
	for _, v := range r.Violations {
		fmt.Fprintf(w, "  - %s: expected %s %.2f, got %.2f\n", v.Check, v.Operator, v.Expected, v.Actual)
	}
	for _, ev := range r.ErrorEvents {
		fmt.Fprintf(w, "  ! %s: %s\n", ev.Check, ev.Error)
	}
	fmt.Fprintf(w, "checks: %d, duration: %s\n", len(r.Observations)+len(r.ErrorEvents), r.Duration)
}
