package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/bookfinder/pkg/api"
	"github.com/zoff-tech/bookfinder/pkg/metrics"
	"github.com/zoff-tech/bookfinder/pkg/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the search API and realtime feed, and run the outbox relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		withRelay, _ := cmd.Flags().GetBool("relay")

		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability)
		if err != nil {
			return err
		}
		defer shutdownTelemetry(context.Background())

		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics.Register(registry)

		a, err := buildApp(ctx, cfg, logger, wiring{search: true, relay: withRelay && cfg.Relay.Enabled})
		if err != nil {
			return err
		}
		defer a.Close()

		opts := []api.ServerOption{
			api.WithLogger(logger),
			api.WithMetrics(cfg.Observability.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
		}
		if hub, ok := a.broker.(http.Handler); ok {
			opts = append(opts, api.WithRealtime(hub))
		}
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.NewServer(a.search, opts...).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("http server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if a.relay != nil {
			g.Go(func() error {
				a.relay.Run(ctx)
				return nil
			})
		}
		if a.archive != nil {
			g.Go(func() error {
				a.archive.Run(ctx)
				return nil
			})
		}
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().Bool("relay", true, "also run the outbox relay in this process")
	rootCmd.AddCommand(serveCmd)
}
