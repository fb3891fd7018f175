package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/newtron-network/metalnet/pkg/journal"
	"github.com/newtron-network/metalnet/pkg/observability"
	"github.com/newtron-network/metalnet/pkg/util"
)

var serveNetworksCmd = &cobra.Command{
	Use:   "serve-networks",
	Short: "Run the networking worker",
	Long: `Run the networking worker until interrupted.

The worker applies PENDING networking actions to the switches in journal
order, then sleeps for worker.interval. Metrics are served on
metrics.listen when set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openStore(ctx)
		if err != nil {
			return err
		}

		cfg := app.settings
		shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
			Enabled:     cfg.Tracing.Enabled,
			ServiceName: cfg.Tracing.ServiceName,
			Exporter:    cfg.Tracing.Exporter,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return err
		}
		defer observability.ShutdownWithTimeout(context.Background(), shutdown)

		metrics, err := observability.NewWorkerCollector(prometheus.DefaultRegisterer)
		if err != nil {
			return err
		}
		if cfg.Metrics.Listen != "" {
			srv := serveMetrics(cfg.Metrics.Listen, metrics)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
		}

		w, err := journal.NewWorker(s, resolver(), journal.Config{
			Interval:      cfg.Worker.Interval,
			DoneRetention: cfg.Worker.DoneRetention,
			IOTimeout:     cfg.Worker.IOTimeout,
		}, journal.WithMetrics(metrics))
		if err != nil {
			return err
		}
		return w.Run(ctx)
	},
}

func serveMetrics(addr string, metrics *observability.WorkerCollector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		util.WithField("addr", addr).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Logger.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}
