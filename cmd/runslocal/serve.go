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

	"github.com/spf13/cobra"

	"github.com/Shavakan/runs-local/pkg/config"
	"github.com/Shavakan/runs-local/pkg/health"
	"github.com/Shavakan/runs-local/pkg/lifecycle"
	"github.com/Shavakan/runs-local/pkg/metrics"
	"github.com/Shavakan/runs-local/pkg/tracing"
)

const serverShutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the health poll loop and metrics endpoint",
	Long: `Reconciles local state on startup, then polls every instance's health
on an interval. With RUNS_LOCAL_METRICS_ADDR set, Prometheus metrics are
served on /metrics; with RUNS_LOCAL_STATSD_ADDR set, metrics are also
published via DogStatsD.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.LoadConfig()
	if cfg.OTLPEndpoint != "" {
		traceCfg = &tracing.Config{Enabled: true, Endpoint: cfg.OTLPEndpoint, SamplingRatio: 1.0}
	}
	traceProvider, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		_ = traceProvider.Shutdown(shutdownCtx)
	}()

	publisher, promPub, err := buildPublisher()
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	rt, err := newRuntime(ctx, "")
	if err != nil {
		return err
	}
	defer rt.close()

	// Crash recovery before anything else observes the registry.
	if _, err := rt.controller.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconcile failed: %w", err)
	}

	dispatch, err := newDispatchClient(ctx, "")
	if err != nil {
		return err
	}

	timeouts := config.DefaultTimeouts()
	monitor := health.NewMonitor(health.MonitorOptions{
		Registry:  rt.registry,
		Dispatch:  dispatch,
		Proc:      lifecycle.NewExecWorker(),
		Publisher: publisher,
		Thresholds: health.Thresholds{
			DiskSoftBytes: cfg.DiskSoftThreshold,
			DiskHardBytes: cfg.DiskHardThreshold,
			MemSoftBytes:  cfg.MemSoftThreshold,
			MemHardBytes:  cfg.MemHardThreshold,
		},
		ProbeTimeout: timeouts.HealthProbe,
		Interval:     timeouts.HealthInterval,
	})

	var server *http.Server
	serverErr := make(chan error, 1)
	if cfg.MetricsAddr != "" && promPub != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promPub.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})

		server = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
		fmt.Fprintf(os.Stderr, "metrics listening on %s\n", cfg.MetricsAddr)
	}

	monitorDone := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(monitorDone)
	}()

	select {
	case err := <-serverErr:
		stop()
		<-monitorDone
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	<-monitorDone
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	return nil
}

// buildPublisher assembles the metrics fan-out from configuration. The
// Prometheus publisher is returned separately so serve can mount its
// handler.
func buildPublisher() (metrics.Publisher, *metrics.PrometheusPublisher, error) {
	multi := metrics.NewMultiPublisher()

	var promPub *metrics.PrometheusPublisher
	if cfg.MetricsAddr != "" {
		promPub = metrics.NewPrometheusPublisher(metrics.PrometheusConfig{})
		multi.Add(promPub)
	}
	if cfg.StatsdAddr != "" {
		ddPub, err := metrics.NewDatadogPublisher(metrics.DatadogConfig{Address: cfg.StatsdAddr})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create DogStatsD publisher: %w", err)
		}
		multi.Add(ddPub)
	}

	if len(multi.Publishers()) == 0 {
		return metrics.NoopPublisher{}, nil, nil
	}
	return multi, promPub, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
