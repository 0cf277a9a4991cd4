package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"go-taskmgr/internal/api/handler"
	"go-taskmgr/internal/config"
	"go-taskmgr/internal/domain"
	"go-taskmgr/internal/logging"
	"go-taskmgr/internal/metrics"
	"go-taskmgr/internal/service"
	"go-taskmgr/internal/worker"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "taskmgr",
		Short: "Distributed task manager node",
		Long: `Runs one node of the task manager cluster. Every node can submit, cancel
and query tasks, nodes with the worker enabled also execute them.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	flags.String("backend", "", `"redis" or "memory"`)
	flags.String("node", "", "hostname recorded in task events")
	flags.String("http-address", "", "admin API listen address")
	flags.Bool("worker", true, "execute tasks on this node")
	flags.String("log-level", "", "debug, info, warn or error")
	_ = v.BindPFlag("backend", flags.Lookup("backend"))
	_ = v.BindPFlag("node.hostname", flags.Lookup("node"))
	_ = v.BindPFlag("http.address", flags.Lookup("http-address"))
	_ = v.BindPFlag("worker.enabled", flags.Lookup("worker"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	// 1. Logging
	baseLogger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = baseLogger.Sync() }()
	logger := logging.ForNode(baseLogger, cfg.Node.Hostname)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 3. Event log and broker
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	// 4. Task manager
	registry := worker.InitRegistry()
	svc := service.NewTaskManager(service.Dependencies{
		EventLog: b.log,
		Queue:    b.queue,
		Bus:      b.bus,
		Registry: registry,
		Logger:   logger,
		Metrics:  m,
	}, service.Options{
		Hostname:        domain.Hostname(cfg.Node.Hostname),
		Worker:          cfg.Worker.Enabled,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		AwaitTimeout:    cfg.Await.DefaultTimeout,
		MaxRetries:      cfg.Engine.MaxRetries,
		InitialBackoff:  cfg.Engine.InitialBackoff,
		ReadThrough:     cfg.Query.ReadThrough,
	})
	if err := svc.Start(ctx); err != nil {
		return err
	}

	// 5. Admin API
	server := &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: handler.NewRouter(handler.NewTaskHandler(svc, registry), reg),
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", cfg.HTTP.Address), zap.String("backend", cfg.Backend))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 6. Wait for a signal, then drain
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout+finishGrace)
	defer cancel()
	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("task manager: %w", err))
	}
	return errors.Join(errs...)
}
