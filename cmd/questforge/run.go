package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	qf "github.com/ineyio/questforge"
	"github.com/ineyio/questforge/usage"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Serve generations over HTTP with background maintenance",
		Long: `Serves POST /v1/generate and GET /v1/accounts/{user}, exposes Prometheus
metrics, reloads provider config, releases stale reservations and starts
new credit periods on a cron schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings)
		},
	}
}

func run(ctx context.Context, s Settings) error {
	logger := slog.Default()
	var cl closers
	defer cl.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom, err := usage.NewProm(reg)
	if err != nil {
		return err
	}
	sinks, err := openSinks(ctx, s, &cl)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, s, usage.Multi{prom, sinks}, &cl)
	if err != nil {
		return err
	}

	sched, err := scheduleMaintenance(s, a.ledger, logger)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	errc := make(chan error, 3)

	// Provider config reload.
	go func() {
		switch {
		case a.file != nil:
			errc <- a.file.Watch(ctx, a.registry)
		case a.config.RefreshInterval > 0:
			errc <- a.registry.Run(ctx, a.config.RefreshInterval)
		}
	}()

	api := &http.Server{
		Addr:              s.HTTPAddr,
		Handler:           newHandler(a.orchestrator, a.ledger, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metrics := &http.Server{
		Addr:              s.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	for _, srv := range []*http.Server{api, metrics} {
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}()
	}
	logger.Info("questforge running",
		"http", s.HTTPAddr,
		"metrics", s.MetricsAddr,
		"ledger", s.LedgerDriver,
		"candidates", a.registry.Snapshot().Len(),
	)

	select {
	case <-ctx.Done():
	case err = <-errc:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range []*http.Server{api, metrics} {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("shutdown", "addr", srv.Addr, "error", serr)
		}
	}
	logger.Info("questforge stopped")
	return err
}

// scheduleMaintenance registers the sweep and period rollover jobs.
func scheduleMaintenance(s Settings, l store, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))

	_, err := c.AddFunc(s.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := qf.SweepReservations(ctx, l, l, s.SweepAge)
		if err != nil {
			logger.Warn("sweep failed", "released", n, "error", err)
			return
		}
		if n > 0 {
			logger.Info("released stale reservations", "count", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("sweep schedule %q: %w", s.SweepSchedule, err)
	}

	_, err = c.AddFunc(s.RolloverSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		period := qf.PeriodStart(time.Now())
		n, err := l.ResetPeriod(ctx, period)
		if err != nil {
			logger.Error("period rollover failed", "error", err)
			return
		}
		logger.Info("credit period started", "period", period.Format(time.DateOnly), "accounts", n)
	})
	if err != nil {
		return nil, fmt.Errorf("rollover schedule %q: %w", s.RolloverSchedule, err)
	}
	return c, nil
}
