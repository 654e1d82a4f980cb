// cmd/mlm/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mlmledger/internal/clients"
	"mlmledger/internal/commission"
	"mlmledger/internal/config"
	"mlmledger/internal/hierarchy"
	"mlmledger/internal/httpx"
	"mlmledger/internal/jobs"
	"mlmledger/internal/journal"
	"mlmledger/internal/logging"
	"mlmledger/internal/metrics"
	"mlmledger/internal/reconcile"
	"mlmledger/internal/settings"
	"mlmledger/internal/store/postgres"
	"mlmledger/internal/telemetry"
	"mlmledger/internal/wallet"
)

// backend is the storage the API runs on. Both the postgres and memory stores satisfy it.
type backend interface {
	hierarchy.Repository
	commission.Repository
	wallet.Repository
	journal.Reader
	settings.Store
	reconcile.Provider
}

type app struct {
	hierarchy  hierarchy.Service
	commission commission.Service
	wallet     wallet.Service
	engine     *reconcile.Engine
	metrics    *metrics.Metrics
	handler    http.Handler
}

// newApp wires services and routes over store. ping backs /healthz and may be nil.
func newApp(cfg *config.Config, store backend, orders commission.OrderSource, reg *prometheus.Registry, logger *zap.Logger, ping func(context.Context) error) *app {
	m := metrics.New(reg)

	a := &app{metrics: m}
	a.hierarchy = hierarchy.NewService(store, logger, cfg.ReferralBaseURL)
	a.commission = commission.NewService(store, orders, a.hierarchy, logger, m)
	a.wallet = wallet.NewService(store, logger, m)
	a.engine = reconcile.NewEngine(logger, m)
	a.engine.Register(store.ReconcileChecks()...)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	interval := time.Minute / time.Duration(cfg.WithdrawalRatePerMinute)
	r.Route("/api/v1", func(r chi.Router) {
		hierarchy.NewHandler(a.hierarchy, logger).Routes(r)
		commission.NewHandler(a.commission, store, logger).Routes(r)
		wallet.NewHandler(a.wallet, store, logger, interval, cfg.WithdrawalBurst).Routes(r)
		journal.NewHandler(store, logger).Routes(r)
		settings.NewHandler(store, logger).Routes(r)

		r.Get("/reconcile", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("cached") == "true" {
				if last := a.engine.Last(); last != nil {
					httpx.WriteJSON(w, http.StatusOK, last)
					return
				}
			}
			httpx.WriteJSON(w, http.StatusOK, a.engine.Run(r.Context()))
		})
	})
	a.handler = r
	return a
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mlm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "mlm-ledger", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	store, err := postgres.Open(ctx, cfg.DatabaseURL, logger, cfg.MLM)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var orders commission.OrderSource = store
	if cfg.OrderServiceURL != "" {
		orders = clients.NewOrderClient(cfg.OrderServiceURL)
		logger.Info("reading orders from order service", zap.String("url", cfg.OrderServiceURL))
	}

	a := newApp(cfg, store, orders, reg, logger, store.DB().PingContext)

	if cfg.RebuildSchedule != "" {
		scheduler, err := jobs.Schedule(cfg.RebuildSchedule, jobs.NewMaintenance(a.hierarchy, a.engine, a.metrics, logger))
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
		logger.Info("maintenance scheduled", zap.String("schedule", cfg.RebuildSchedule))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting mlm ledger service", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
