package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/codegrader/config"
	"github.com/isdmx/codegrader/httpserver"
	"github.com/isdmx/codegrader/language"
	"github.com/isdmx/codegrader/logger"
	"github.com/isdmx/codegrader/mcpserver"
	"github.com/isdmx/codegrader/metrics"
	"github.com/isdmx/codegrader/progress"
	"github.com/isdmx/codegrader/queue"
	"github.com/isdmx/codegrader/sandbox"
	"github.com/isdmx/codegrader/service"
	"github.com/isdmx/codegrader/store"
	"github.com/isdmx/codegrader/worker"
)

// appOptions assembles the grading server around cfg.
func appOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			// Logger with configuration
			logger.NewFromConfig,

			func() *metrics.Metrics { return metrics.New(prometheus.DefaultRegisterer) },
			func(cfg *config.Config) (*language.Registry, error) { return cfg.LanguageRegistry() },

			newStore,
			newQueue,
			newEngine,
			func(e *sandbox.Engine) sandbox.Backend { return e },
			newProgress,

			newOrchestrator,
			newCallbackNotifier,
			worker.NewScheduler,
			newPool,

			newService,
			newHTTPServer,
			newMCPServer,
		),

		fx.Invoke(
			registerGauges,
			startWorkers,
			startHTTP,
			startMCP,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newStore(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (store.Store, error) {
	ctx := context.Background()

	var s store.Store
	if cfg.Store.Driver == "memory" {
		s = store.NewMemory()
	} else {
		sqlStore, err := store.NewSQL(ctx, log, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		s = sqlStore
	}
	lc.Append(fx.StopHook(s.Close))

	if cfg.Store.ProblemsFile != "" {
		problems, err := store.LoadProblems(cfg.Store.ProblemsFile)
		if err != nil {
			return nil, err
		}
		if err := store.Seed(ctx, s, problems); err != nil {
			return nil, err
		}
		log.Info("problems seeded", zap.String("file", cfg.Store.ProblemsFile), zap.Int("count", len(problems)))
	}
	return s, nil
}

func newQueue(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (queue.Queue, error) {
	q, err := queue.NewFromConfig(context.Background(), log, cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(q.Close))
	return q, nil
}

func newEngine(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (*sandbox.Engine, error) {
	engine, err := sandbox.NewFromConfig(log, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Sandbox.SweepOnStart {
		lc.Append(fx.StartHook(func(ctx context.Context) {
			n, err := engine.Sweep(ctx)
			if err != nil {
				log.Warn("failed to sweep leftover containers", zap.Error(err))
				return
			}
			log.Info("leftover containers removed", zap.Int("count", n))
		}))
	}
	return engine, nil
}

func newProgress(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (*progress.Registry, error) {
	registry := progress.NewRegistry(log, progress.Config{
		Grace:  cfg.ProgressGrace(),
		Buffer: cfg.Progress.Buffer,
	})
	if cfg.Progress.NATSURL == "" {
		return registry, nil
	}

	conn, err := progress.ConnectNATS(cfg.Progress.NATSURL, "codegrader-"+cfg.System.Hostname)
	if err != nil {
		return nil, err
	}
	bridge := progress.NewNATSBridge(log, conn, registry, cfg.Progress.SubjectPrefix, cfg.System.Hostname)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return bridge.Start() },
		OnStop:  func(context.Context) error { return bridge.Stop() },
	})
	return registry, nil
}

func newOrchestrator(
	log *zap.Logger,
	backend sandbox.Backend,
	languages *language.Registry,
	s store.Store,
	registry *progress.Registry,
) *worker.Orchestrator {
	return worker.NewOrchestrator(log, backend, languages, s, s, registry)
}

func newCallbackNotifier(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config, m *metrics.Metrics) *worker.CallbackNotifier {
	n := worker.NewCallbackNotifier(log, worker.CallbackConfig{
		Enabled:  cfg.Features.EnableCallbacks,
		MaxTries: cfg.System.CallbacksMaxTries,
		Timeout:  time.Duration(cfg.System.CallbacksTimeoutSec * float64(time.Second)),
	}, worker.WithCallbackRecorder(m))
	lc.Append(fx.StopHook(n.Close))
	return n
}

func newPool(
	log *zap.Logger,
	cfg *config.Config,
	q queue.Queue,
	s store.Store,
	orchestrator *worker.Orchestrator,
	registry *progress.Registry,
	notifier *worker.CallbackNotifier,
	m *metrics.Metrics,
) *worker.Pool {
	return worker.NewPool(log, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		MaxAttempts:  cfg.Worker.MaxRetries,
		RetryBackoff: time.Duration(cfg.Worker.RetryBackoffMs) * time.Millisecond,
		Hostname:     cfg.System.Hostname,
	}, q, s, orchestrator, registry,
		worker.WithNotifier(notifier),
		worker.WithRecorder(m),
	)
}

func newService(
	log *zap.Logger,
	cfg *config.Config,
	languages *language.Registry,
	s store.Store,
	scheduler *worker.Scheduler,
	registry *progress.Registry,
	engine *sandbox.Engine,
	q queue.Queue,
	m *metrics.Metrics,
) *service.Service {
	return service.New(log, service.ConfigFrom(cfg), languages, s, s, scheduler, registry, engine,
		service.WithRecorder(m),
		service.WithContainers(engine),
		service.WithQueueName(q.Name()),
	)
}

func newHTTPServer(log *zap.Logger, cfg *config.Config, svc *service.Service) *httpserver.Server {
	return httpserver.New(log, cfg.Server, svc, httpserver.WithGatherer(prometheus.DefaultGatherer))
}

func newMCPServer(log *zap.Logger, cfg *config.Config, svc *service.Service) *mcpserver.MCPServer {
	return mcpserver.New(cfg.MCP, log, svc)
}

func registerGauges(m *metrics.Metrics, engine *sandbox.Engine, registry *progress.Registry) {
	m.RegisterGauge("active_containers", "Number of sandboxes currently running",
		func() float64 { return float64(engine.Active()) })
	m.RegisterGauge("progress_listeners", "Number of open progress subscriptions",
		func() float64 { return float64(registry.Listeners()) })
}

// startWorkers requeues leftovers from a previous run and starts the pool.
// Stop hooks run in reverse, so the pool drains before the queue closes.
func startWorkers(
	lc fx.Lifecycle,
	log *zap.Logger,
	cfg *config.Config,
	s store.Store,
	scheduler *worker.Scheduler,
	registry *progress.Registry,
	pool *worker.Pool,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Worker.RecoverOnStart {
				if _, err := worker.Recover(ctx, log, s, scheduler, registry, cfg.System.Hostname, time.Now); err != nil {
					return fmt.Errorf("grade recovery failed: %w", err)
				}
			}
			pool.Start(ctx)
			return nil
		},
		OnStop: pool.Stop,
	})
}

func startHTTP(lc fx.Lifecycle, server *httpserver.Server) {
	lc.Append(fx.Hook{
		OnStart: server.Start,
		OnStop:  server.Stop,
	})
}

func startMCP(lc fx.Lifecycle, cfg *config.Config, server *mcpserver.MCPServer) {
	if !cfg.MCP.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: server.Start,
		OnStop:  server.Stop,
	})
}
