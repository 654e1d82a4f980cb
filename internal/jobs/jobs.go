// Package jobs schedules hierarchy maintenance.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mlmledger/internal/metrics"
	"mlmledger/internal/reconcile"
)

// Rebuilder recomputes stored hierarchy paths from upline links.
type Rebuilder interface {
	RebuildAllPaths(ctx context.Context) (int, error)
}

// Reconciler audits ledger invariants.
type Reconciler interface {
	Run(ctx context.Context) *reconcile.Report
}

// Maintenance rebuilds paths and then reconciles the ledger.
type Maintenance struct {
	rebuilder  Rebuilder
	reconciler Reconciler
	metrics    *metrics.Metrics
	logger     *zap.Logger
	timeout    time.Duration
}

func NewMaintenance(rebuilder Rebuilder, reconciler Reconciler, m *metrics.Metrics, logger *zap.Logger) *Maintenance {
	return &Maintenance{
		rebuilder:  rebuilder,
		reconciler: reconciler,
		metrics:    m,
		logger:     logger.Named("jobs"),
		timeout:    30 * time.Minute,
	}
}

// RunOnce performs one maintenance pass. A failed rebuild skips reconciliation.
func (m *Maintenance) RunOnce(ctx context.Context) (*reconcile.Report, error) {
	start := time.Now()
	n, err := m.rebuilder.RebuildAllPaths(ctx)
	if err != nil {
		m.logger.Error("path rebuild failed", zap.Error(err))
		return nil, fmt.Errorf("failed to rebuild paths: %w", err)
	}
	m.metrics.Rebuilt(n)
	m.logger.Info("paths rebuilt", zap.Int("updated", n), zap.Duration("took", time.Since(start)))

	if m.reconciler == nil {
		return nil, nil
	}
	report := m.reconciler.Run(ctx)
	if !report.Healthy {
		m.logger.Warn("ledger reconciliation found violations", zap.Int("violations", len(report.Violations)))
	}
	return report, nil
}

// Scheduler runs maintenance on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	job  *Maintenance
}

// Schedule registers the job on spec (standard five-field cron syntax).
func Schedule(spec string, job *Maintenance) (*Scheduler, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), job.timeout)
		defer cancel()
		_, _ = job.RunOnce(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, job: job}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
