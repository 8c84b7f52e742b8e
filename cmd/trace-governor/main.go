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

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/trace-governor/internal/breaker"
	"github.com/szibis/trace-governor/internal/buffer"
	"github.com/szibis/trace-governor/internal/config"
	"github.com/szibis/trace-governor/internal/exporter"
	"github.com/szibis/trace-governor/internal/health"
	"github.com/szibis/trace-governor/internal/logging"
	"github.com/szibis/trace-governor/internal/receiver"
	"github.com/szibis/trace-governor/internal/stats"
	"github.com/szibis/trace-governor/internal/telemetry"
)

const serviceName = "trace-governor"

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if cfg.ShowVersion {
		fmt.Printf("%s %s\n", serviceName, config.Version())
		os.Exit(0)
	}

	logging.SetResource(map[string]string{
		"service.name":    serviceName,
		"service.version": config.Version(),
	})

	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(cfg.MemoryLimitRatio),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	); err != nil {
		logging.Warn("failed to set GOMEMLIMIT", logging.F("error", err.Error()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), serviceName, config.Version())
	if err != nil {
		logging.Fatal("failed to initialize telemetry", logging.F("error", err.Error()))
	}
	if tel.Enabled() {
		logging.SetHook(tel.NewLogHook())
		logging.Info("self-telemetry enabled", logging.F("endpoint", cfg.TelemetryEndpoint))
	}

	// Primary OTLP sink.
	primary, err := exporter.New(ctx, cfg.ExporterConfig())
	if err != nil {
		logging.Fatal("failed to create exporter", logging.F("error", err.Error()))
	}

	// Optional durable fallback.
	var fallback exporter.Sink
	if cfg.FallbackDir != "" {
		fb, err := exporter.NewFallbackSink(cfg.FallbackConfig())
		if err != nil {
			logging.Fatal("failed to create fallback sink", logging.F("error", err.Error()))
		}
		fallback = fb
	}

	// Optional crash-recovery snapshot store.
	var store buffer.SnapshotStore
	if cfg.BufferSnapshotDir != "" {
		fs, err := buffer.NewFileStore(cfg.BufferSnapshotDir)
		if err != nil {
			logging.Fatal("failed to create snapshot store", logging.F("error", err.Error()))
		}
		store = fs
	}

	brk := cfg.NewBreaker()
	buf := buffer.New(cfg.BufferConfig(store))

	resilient, err := exporter.NewResilient(primary, exporter.ResilientConfig{
		Breaker:         brk,
		Buffer:          buf,
		Policy:          cfg.NewBackoffPolicy(),
		Fallback:        fallback,
		RetryInterval:   cfg.RetryInterval,
		CleanupInterval: cfg.CleanupInterval,
		ExportTimeout:   cfg.ExportCallTimeout,
	})
	if err != nil {
		logging.Fatal("failed to create resilient exporter", logging.F("error", err.Error()))
	}

	statsCollector := stats.NewCollector(cfg.StatsConfig())

	grpcReceiver := receiver.NewGRPCWithConfig(receiver.GRPCConfig{
		Addr: cfg.GRPCListenAddr,
		TLS:  cfg.ReceiverTLSConfig(),
		Auth: cfg.ReceiverAuthConfig(),
	}, resilient, statsCollector)
	httpReceiver := receiver.NewHTTPWithConfig(receiver.HTTPConfig{
		Addr: cfg.HTTPListenAddr,
		TLS:  cfg.ReceiverTLSConfig(),
		Auth: cfg.ReceiverAuthConfig(),
	}, resilient, statsCollector)

	checker := health.New()
	checker.RegisterReadiness("export_circuit", func() error {
		if brk.State() == breaker.StateOpen {
			return fmt.Errorf("export circuit open, %d spans buffered", buf.Size())
		}
		return nil
	})

	statsMux := http.NewServeMux()
	statsMux.Handle("/metrics", promhttp.Handler())
	checker.Register(statsMux)
	statsServer := &http.Server{
		Addr:              cfg.StatsAddr,
		Handler:           statsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := grpcReceiver.Start(); err != nil {
			return fmt.Errorf("grpc receiver: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := httpReceiver.Start(); err != nil {
			return fmt.Errorf("http receiver: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := statsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("stats server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		statsCollector.StartPeriodicLogging(gctx, cfg.StatsInterval)
		return nil
	})

	logging.Info("trace-governor started", logging.F(
		"grpc_addr", cfg.GRPCListenAddr,
		"http_addr", cfg.HTTPListenAddr,
		"exporter_endpoint", cfg.ExporterEndpoint,
		"exporter_protocol", cfg.ExporterProtocol,
		"stats_addr", cfg.StatsAddr,
		"fallback_enabled", fallback != nil,
		"snapshots_enabled", store != nil,
	))

	// Wait for a signal or a server failure.
	<-gctx.Done()

	logging.Info("shutting down")
	checker.SetShuttingDown()

	// Stop ingest before draining so the buffer cannot refill.
	grpcReceiver.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpReceiver.Stop(shutdownCtx); err != nil {
		logging.Error("http receiver shutdown error", logging.F("error", err.Error()))
	}
	if err := statsServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("stats server shutdown error", logging.F("error", err.Error()))
	}

	if err := resilient.Shutdown(shutdownCtx); err != nil {
		logging.Error("exporter shutdown error", logging.F("error", err.Error()))
	}

	stop()
	if err := g.Wait(); err != nil {
		logging.Error("component error", logging.F("error", err.Error()))
	}

	if tel.Enabled() {
		telCtx, telCancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
		defer telCancel()
		if err := tel.Shutdown(telCtx); err != nil {
			logging.Error("telemetry shutdown error", logging.F("error", err.Error()))
		}
	}

	logging.Info("shutdown complete")
}
