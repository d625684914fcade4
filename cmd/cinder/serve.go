package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/emberworks/cinder/internal/active"
	"github.com/emberworks/cinder/internal/config"
	"github.com/emberworks/cinder/internal/counter"
	"github.com/emberworks/cinder/internal/janitor"
	"github.com/emberworks/cinder/internal/queue"
	"github.com/emberworks/cinder/internal/rpc"
	"github.com/emberworks/cinder/internal/semaphore"
	"github.com/emberworks/cinder/internal/storage"
)

var serveMetrics bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMetrics, "metrics", false, "periodically dump otel metrics to stdout")
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	if serveMetrics {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("metrics exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		)
		otel.SetMeterProvider(provider)
		defer provider.Shutdown(context.Background())
	}

	db, err := storage.Open(cfg.FDBClusterFile, cfg.FDBAPIVersion)
	if err != nil {
		return err
	}

	sem, err := semaphore.Connect(cfg.RedisURL, semaphore.WithSelfHosted(cfg.SelfHosted))
	if err != nil {
		return err
	}
	defer sem.Close()

	counters := counter.New(db)
	q := queue.New(db, counters, cfg.QueueConfig())
	tracker := active.New(db, counters)
	jan := janitor.New(q, tracker, counters, cfg.JanitorConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jan.Run(ctx)

	if cfg.ListenNetwork == "unix" {
		// A previous daemon that died hard leaves the socket behind.
		os.Remove(cfg.ListenAddr)
	}
	ln, err := net.Listen(cfg.ListenNetwork, cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", cfg.ListenNetwork, cfg.ListenAddr, err)
	}

	server := rpc.NewServer(q, tracker, jan, sem, Version)
	go func() {
		<-ctx.Done()
		fmt.Fprintf(os.Stderr, "cinder: shutting down\n")
		server.Shutdown()
	}()

	fmt.Fprintf(os.Stderr, "cinder: listening on %s %s\n", cfg.ListenNetwork, cfg.ListenAddr)
	return server.Serve(ln)
}
