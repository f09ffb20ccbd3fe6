package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/italolelis/rangeload/internal/cleanup"
	"github.com/italolelis/rangeload/internal/config"
	"github.com/italolelis/rangeload/internal/engine"
	"github.com/italolelis/rangeload/internal/http/rest"
	"github.com/italolelis/rangeload/internal/logctx"
	"github.com/italolelis/rangeload/internal/notifier"
	"github.com/italolelis/rangeload/internal/queue"
	"github.com/italolelis/rangeload/internal/storage"
	"github.com/italolelis/rangeload/internal/storage/postgres"
	redisstore "github.com/italolelis/rangeload/internal/storage/redis"
	"github.com/italolelis/rangeload/internal/storage/sqlite"
	"github.com/italolelis/rangeload/internal/telemetry"
	"github.com/italolelis/rangeload/internal/transfer"
	"github.com/italolelis/rangeload/internal/transfer/httprange"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger, closeLog := newLogger(cfg)
	defer closeLog.Close()

	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("rangeload starting...", "log_level", cfg.LogLevel, "checkpoint_backend", cfg.Checkpoint.Backend)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// newLogger writes JSON to stdout and, when LOG_FILE is set, to a rotating file as well.
func newLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	handler := slog.Handler(slog.NewJSONHandler(os.Stdout, opts))

	var closer io.Closer = io.NopCloser(nil)

	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}

		handler = slogmulti.Fanout(handler, slog.NewJSONHandler(rotator, opts))
		closer = rotator
	}

	return slog.New(logctx.NewTraceHandler(handler)), closer
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Storage
	stores, err := openStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint storage: %w", err)
	}
	defer stores.Close()

	checkpoints := storage.NewInstrumentedCheckpointStore(stores.checkpoints, tel)
	tasks := storage.NewInstrumentedTaskRepository(stores.tasks, tel)

	// =========================================================================
	// Start Transport
	transport := transfer.NewInstrumentedTransport(
		httprange.New(
			httprange.WithUserAgent(cfg.Transport.UserAgent),
			httprange.WithProbeTimeout(cfg.Transport.Timeout),
		),
		tel,
		"http",
	)

	// =========================================================================
	// Start Queue
	hub := rest.NewHub()

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	engineCfg := engine.Config{
		Blocks:            cfg.BlocksPerTask,
		MinMultiBlockSize: cfg.MinMultiBlockSize,
		ProgressInterval:  cfg.ProgressInterval,
		CheckpointEvery:   cfg.CheckpointEvery,
		ChunkSize:         cfg.ChunkSize,
		MaxSpeed:          cfg.MaxSpeed,
	}

	factory := func(task *transfer.Task, hook engine.TerminalFunc) *engine.Engine {
		listeners := transfer.Listeners{
			engine.NewLogListener(ctx, task.Key),
			transfer.NewEventListener(task, hub),
		}

		if notif != nil {
			listeners = append(listeners, notifier.NewListener(ctx, notif, task))
		}

		return engine.New(task, transport, checkpoints, engineCfg,
			engine.WithListener(listeners),
			engine.WithTaskRepository(tasks),
			engine.WithTelemetry(tel),
			engine.WithTerminalHook(hook),
		)
	}

	q := queue.New(ctx, factory,
		queue.WithMaxConcurrent(cfg.MaxConcurrent),
		queue.WithTaskRepository(tasks),
		queue.WithTelemetry(tel),
	)

	if _, err := q.Restore(ctx); err != nil {
		logger.Error("failed to restore tasks", "err", err)
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, q, hub, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for transfers...",
		"target_dir", cfg.TargetDir,
		"max_concurrent", cfg.MaxConcurrent,
		"blocks_per_task", cfg.BlocksPerTask,
		"keep_partial_for", cfg.KeepPartialFor.String(),
	)

	// =========================================================================
	// Start Cleanup
	go runCleanup(ctx, q, cfg)

	select {
	case err := <-serverErrors:
		shutdownQueue(ctx, q, cfg)
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		shutdownQueue(ctx, q, cfg)

		return nil
	}
}

func shutdownQueue(ctx context.Context, q *queue.Queue, cfg *config.Config) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := q.Shutdown(shutdownCtx); err != nil {
		logctx.LoggerFromContext(ctx).Error("transfers did not stop in time", "err", err)
	}
}

// stores bundles the checkpoint store and task repository of one backend.
type stores struct {
	checkpoints storage.CheckpointStore
	tasks       storage.TaskRepository
	closers     []io.Closer
}

func (s *stores) Close() error {
	var firstErr error

	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// This is an abstract factory for the checkpoint backend.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendMemory:
		return &stores{
			checkpoints: storage.NewMemoryCheckpointStore(),
			tasks:       storage.NewMemoryTaskRepository(),
		}, nil
	case config.BackendSQLite:
		db, err := sqlite.InitDB(cfg.Checkpoint.DBPath)
		if err != nil {
			return nil, err
		}

		return &stores{
			checkpoints: sqlite.NewCheckpointRepository(db),
			tasks:       sqlite.NewTaskRepository(db),
			closers:     []io.Closer{db},
		}, nil
	case config.BackendPostgres:
		repo, err := postgres.Open(ctx, cfg.Checkpoint.PostgresDSN)
		if err != nil {
			return nil, err
		}

		return &stores{checkpoints: repo, tasks: repo, closers: []io.Closer{repo}}, nil
	case config.BackendRedis:
		client, err := redisstore.Dial(ctx, cfg.Checkpoint.RedisAddr, cfg.Checkpoint.RedisPassword, cfg.Checkpoint.RedisDB)
		if err != nil {
			return nil, err
		}

		// redis only holds checkpoints; task records stay in the local database
		db, err := sqlite.InitDB(cfg.Checkpoint.DBPath)
		if err != nil {
			client.Close()
			return nil, err
		}

		return &stores{
			checkpoints: redisstore.NewCheckpointStore(client),
			tasks:       sqlite.NewTaskRepository(db),
			closers:     []io.Closer{client, db},
		}, nil
	}

	return nil, fmt.Errorf("invalid checkpoint backend: %s", cfg.Checkpoint.Backend)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, q *queue.Queue, hub *rest.Hub, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	handler := rest.NewTaskHandler(cfg.API.Username, cfg.API.Password, q, hub, cfg.TargetDir, tel)

	r := chi.NewRouter()

	// the websocket upgrade needs the unwrapped response writer
	r.Get("/events", handler.HandleEvents)
	r.Handle("/metrics", tel.Handler())

	r.Group(func(r chi.Router) {
		r.Use(telemetry.RequestID)
		r.Use(telemetry.HTTPLogging)
		r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

		r.Mount("/", handler.Routes())
	})

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, q *queue.Queue, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			owned := make(map[string]bool)

			for _, entry := range q.List() {
				task := entry.Engine.Task()
				if task.Direction == transfer.Download {
					owned[filepath.Clean(task.Resource.Path+".part")] = true
				}
			}

			deleted, err := cleanup.DeleteStalePartials(ctx, cfg.TargetDir, cfg.KeepPartialFor, func(path string) bool {
				return owned[filepath.Clean(path)]
			})
			if err != nil {
				logger.Error("failed to delete stale partial files", "err", err)

				continue
			}

			if deleted > 0 {
				logger.Info("cleanup finished", "deleted", deleted)
			}
		}
	}
}
