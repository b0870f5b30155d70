package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/veyra/flowcore/internal/dispatch"
	"github.com/veyra/flowcore/internal/engine"
	"github.com/veyra/flowcore/internal/expressions"
	"github.com/veyra/flowcore/internal/functions"
	"github.com/veyra/flowcore/internal/logging"
	"github.com/veyra/flowcore/internal/scheduler"
	"github.com/veyra/flowcore/internal/server"
	"github.com/veyra/flowcore/internal/steps"
	"github.com/veyra/flowcore/internal/store"
	"github.com/veyra/flowcore/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowcore:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Expression engines.
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}
	jqEngine := expressions.NewGoJQEngine()
	renderer := expressions.NewRenderer()

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return fmt.Errorf("workflow validator: %w", err)
	}

	// Built-in functions.
	funcRegistry := functions.NewRegistry()
	if err := functions.RegisterBuiltins(funcRegistry, nil); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}

	// Step handlers.
	registry := steps.NewRegistry()
	handlers := []steps.Handler{
		steps.NewDataQueryHandler(store.NewSQLDataReader(st.DB())),
		steps.NewAIAnalysisHandler(&steps.StaticAnalyzer{}, jqEngine),
		steps.NewFunctionCallHandler(funcRegistry),
		steps.NewApprovalHandler(store.NewApprovals(st)),
		steps.NewNotificationHandler(steps.NoopNotifier{}, renderer),
	}
	for _, h := range handlers {
		if err := registry.Register(h); err != nil {
			return fmt.Errorf("register handler: %w", err)
		}
	}

	// Engine.
	fsm := engine.NewExecutionFSM(st)
	executor := engine.NewStepExecutor(registry, st, logger)
	controller := engine.NewController(st, executor, fsm, logger)
	dispatcher := dispatch.NewDispatcher(st, controller, celEngine, validator, cfg.MaxParallelRuns, logger)

	// Scheduler.
	sched := scheduler.NewScheduler(dispatcher, cfg.schedulerInterval(), logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// HTTP entry surface.
	srv := server.New(server.Config{
		Addr:        cfg.ListenAddr,
		CORSOrigins: cfg.CORSOrigins,
	}, server.NewHandlers(dispatcher, st, validator, logger), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
