package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-shield/internal/governance"
	"github.com/polisai/polis-shield/pkg/api"
	"github.com/polisai/polis-shield/pkg/config"
	"github.com/polisai/polis-shield/pkg/jobs"
	"github.com/polisai/polis-shield/pkg/scanner"
	"github.com/polisai/polis-shield/pkg/telemetry"
)

func newServeCmd(opts *GlobalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scanning HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, addr)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides server.address)")
	return cmd
}

func runServe(ctx context.Context, opts *GlobalOptions, addr string) error {
	if opts.EnvFile != "" {
		config.LoadEnvFiles(opts.EnvFile)
	}

	var (
		cfg     *config.Config
		watcher *config.Watcher
		err     error
	)
	if opts.ConfigPath != "" {
		watcher, err = config.NewWatcher(opts.ConfigPath, nil)
		if err != nil {
			return err
		}
		defer func() { _ = watcher.Close() }()
		cfg = watcher.Current()
	} else if cfg, err = config.Load(""); err != nil {
		return err
	}
	applyLogFlags(cfg, opts)
	if addr != "" {
		cfg.Server.Address = addr
	}

	logger := newLogger(cfg, nil)
	slog.SetDefault(logger)

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Error("Failed to flush telemetry", "error", err)
		}
	}()

	registry, err := buildRegistry(cfg.Detectors, logger)
	if err != nil {
		return err
	}
	engine, err := buildEngine(ctx, cfg.Policies, logger)
	if err != nil {
		return err
	}
	sc := scanner.New(registry, engine, logger)

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	publisher, err := openPublisher(cfg.Events, logger)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	manager := jobs.NewManager(jobsConfig(cfg.Jobs), sc, store,
		jobs.WithPublisher(publisher),
		jobs.WithLogger(logger),
	)
	manager.Start()

	limiter := governance.NewRateLimiter(rateLimiterConfig(cfg.RateLimit))
	srv, err := api.NewServer(api.Options{
		Scanner:      sc,
		Jobs:         manager,
		Limiter:      limiter,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	if watcher != nil {
		r := &reloader{scanner: sc, limiter: limiter, metrics: srv.Metrics(), logger: logger}
		go r.watch(ctx, watcher.Subscribe())
	}

	tlsConfig, err := cfg.Server.TLS.ServerTLS()
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
		TLSConfig:    tlsConfig,
	}

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("bind %s: %w", cfg.Server.Address, err)
	}
	logger.Info("Server listening",
		"addr", listener.Addr().String(),
		"tls", tlsConfig != nil,
		"storage", cfg.Storage.Driver,
		"events", cfg.Events.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if tlsConfig != nil {
			errCh <- server.ServeTLS(listener, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", "error", err)
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Error("Job manager shutdown error", "error", err)
	}
	logger.Info("Server stopped")
	return nil
}

// reloader applies detection, policy and rate limit settings from a reloaded
// config. Listener, storage and event settings need a restart.
type reloader struct {
	scanner *scanner.Scanner
	limiter *governance.RateLimiter
	metrics *api.Metrics
	logger  *slog.Logger
}

func (r *reloader) watch(ctx context.Context, updates <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if err := r.apply(ctx, cfg); err != nil {
				r.logger.Error("Failed to apply reloaded configuration", "error", err)
			}
		}
	}
}

// apply rebuilds the pipeline from cfg. On error the running pipeline is kept.
func (r *reloader) apply(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	registry, err := buildRegistry(cfg.Detectors, r.logger)
	if err != nil {
		r.record("error")
		return err
	}
	engine, err := buildEngine(ctx, cfg.Policies, r.logger)
	if err != nil {
		r.record("error")
		return err
	}
	r.scanner.Swap(registry, engine)
	r.limiter.Configure(rateLimiterConfig(cfg.RateLimit))
	r.record("success")

	r.logger.Info("Configuration reloaded",
		"detectors", len(registry.Detectors()),
		"policies", len(engine.Policies()),
		"rate_limit_rps", cfg.RateLimit.RequestsPerSecond,
	)
	return nil
}

func (r *reloader) record(status string) {
	if r.metrics != nil {
		r.metrics.RecordConfigReload(status)
	}
}
