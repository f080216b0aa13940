// handlers_serve.go wires the runtime components and runs the
// orchestrator daemon until a termination signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/otto/internal/autonomy"
	"github.com/haasonsaas/otto/internal/budget"
	"github.com/haasonsaas/otto/internal/config"
	"github.com/haasonsaas/otto/internal/errkind"
	"github.com/haasonsaas/otto/internal/heartbeat"
	"github.com/haasonsaas/otto/internal/lifecycle"
	"github.com/haasonsaas/otto/internal/memory"
	"github.com/haasonsaas/otto/internal/model"
	"github.com/haasonsaas/otto/internal/observability"
	"github.com/haasonsaas/otto/internal/privacy"
	"github.com/haasonsaas/otto/internal/profile"
	"github.com/haasonsaas/otto/internal/queue"
	"github.com/haasonsaas/otto/internal/tools"
	"github.com/haasonsaas/otto/internal/turn"
	"github.com/haasonsaas/otto/internal/validation"
	"github.com/haasonsaas/otto/internal/workflow"
)

const shutdownGrace = 15 * time.Second

// loadConfig reads the config file, falling back to built-in defaults
// when the default config file does not exist yet.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == profile.DefaultConfigPath() {
		return config.Default(), nil
	}
	return config.LoadWithIncludes(path)
}

func openRoot(cfg *config.Config) (profile.Root, error) {
	root := profile.NewRoot(cfg.ProfileRoot)
	if err := root.EnsureLayout(); err != nil {
		return profile.Root{}, fmt.Errorf("prepare profile root: %w", err)
	}
	return root, nil
}

func hoursToQuiet(h *config.HoursConfig) *budget.QuietHours {
	if h == nil {
		return nil
	}
	return &budget.QuietHours{Start: h.Start, End: h.End, Timezone: h.Timezone}
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	appLog := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		Output:         os.Stderr,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})

	handlerOpts := &slog.HandlerOptions{Level: observability.LogLevelFromString(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	root, err := openRoot(cfg)
	if err != nil {
		return err
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "otto",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	scrub := privacy.NewRegexScrubber(cfg.Logging.RedactPatterns)

	storeOpts := []memory.StoreOption{
		memory.WithLogger(logger.With("component", "memory")),
		memory.WithRecordMaxBytes(cfg.Memory.RecordMaxBytes),
		memory.WithAllowSecret(cfg.Memory.AllowSecret),
	}
	if metrics != nil {
		storeOpts = append(storeOpts, memory.WithAppendHook(func(rec memory.Record) {
			metrics.RecordMemoryRecord(rec.Category)
		}))
	}
	store := memory.NewStore(&root, storeOpts...)

	index, err := memory.NewIndex(root.EmbeddingsFile(),
		memory.WithIndexDimensions(cfg.Memory.EmbeddingDimensions),
		memory.WithIndexMaxRecords(cfg.Memory.EmbeddingMaxRecords),
		memory.WithIndexAllowSecret(cfg.Memory.AllowSecret),
		memory.WithIndexLogger(logger.With("component", "embeddings")),
	)
	if err != nil {
		return fmt.Errorf("open embedding index: %w", err)
	}

	streamOpts := []lifecycle.StreamOption{
		lifecycle.WithLogger(logger.With("component", "lifecycle")),
	}
	if metrics != nil {
		streamOpts = append(streamOpts, lifecycle.WithDropHook(metrics.RecordLifecycleDrop))
	}
	stream := lifecycle.NewStream(streamOpts...)
	defer stream.Close()

	policy, err := tools.NewPolicy(cfg.Tools.Allowlist, cfg.Tools.DestructivePatterns)
	if err != nil {
		return fmt.Errorf("compile tool policy: %w", err)
	}
	routerOpts := []tools.RouterOption{
		tools.WithRouterLogger(logger.With("component", "tools")),
		tools.WithPolicy(policy),
		tools.WithDefaultTimeout(cfg.Tools.DefaultTimeout),
	}
	if metrics != nil {
		routerOpts = append(routerOpts, tools.WithObserver(func(tool string, reason errkind.ReasonCode, elapsed time.Duration) {
			metrics.RecordToolExecution(tool, string(reason), elapsed.Seconds())
		}))
	}
	router := tools.NewRouter(routerOpts...)

	if len(cfg.Tools.AllowedExecBins) > 0 {
		sandbox := tools.NewProcessSandbox(cfg.Tools.AllowedExecBins,
			tools.WithSandboxTimeout(cfg.Tools.DefaultTimeout),
			tools.WithSandboxMaxBuffer(cfg.Tools.ExecMaxBufferBytes),
			tools.WithSandboxLogger(logger.With("component", "sandbox")),
		)
		if err := router.Register(tools.NewExecTool(sandbox)); err != nil {
			return fmt.Errorf("register exec tool: %w", err)
		}
	}

	// The core consumes the model adapter as an opaque contract. The
	// built-in echo adapter keeps the runtime operable without a
	// provider; embedders swap in a real adapter through the library.
	adapter := model.NewEchoAdapter()
	defer adapter.Close()

	runtimeOpts := []turn.Option{
		turn.WithLogger(logger.With("component", "turn")),
		turn.WithScrubber(scrub),
		turn.WithIndex(index),
		turn.WithSystemPrompt(cfg.Turn.SystemPrompt),
		turn.WithMaxUserMessages(cfg.Turn.MaxUserMessages),
		turn.WithPluginTimeout(cfg.Turn.PluginTimeout),
		turn.WithMaxIterations(cfg.Turn.MaxIterations),
		turn.WithMaxTokens(cfg.Turn.MaxTokens),
		turn.WithMaxWorkers(cfg.Turn.MaxWorkers),
		turn.WithReasoningResetThreshold(cfg.Turn.ReasoningResetThreshold),
		turn.WithTracer(tracer),
	}
	if metrics != nil {
		runtimeOpts = append(runtimeOpts, turn.WithMetrics(metrics))
	}
	if cfg.Turn.SnapshotsEnabled {
		runtimeOpts = append(runtimeOpts, turn.WithSnapshotDir(root.SnapshotDir()))
	}
	runtime := turn.NewRuntime(adapter, router, store, stream, runtimeOpts...)

	var backend queue.Backend
	if cfg.Queue.Backend == "memory" {
		backend = queue.NewMemoryBackend(queue.WithLogger(logger.With("component", "queue")))
	} else {
		backend, err = queue.NewFileBackend(root.QueueDir(), queue.WithLogger(logger.With("component", "queue")))
		if err != nil {
			return fmt.Errorf("open queue: %w", err)
		}
	}
	defer backend.Close()
	consumer := turn.NewConsumer(backend, runtime,
		turn.WithConsumerLogger(logger.With("component", "queue-consumer")))

	engineOpts := []workflow.Option{
		workflow.WithLogger(logger.With("component", "workflow")),
		workflow.WithScrubber(scrub),
	}
	if metrics != nil {
		engineOpts = append(engineOpts, workflow.WithMetrics(metrics))
	}
	engine := workflow.NewEngine(root.WorkflowDir(), engineOpts...)

	harness := validation.NewHarness(adapter, root.ValidationStateFile(),
		validation.WithLogger(logger.With("component", "validation")),
		validation.WithProbeTimeout(cfg.Validation.Timeout),
		validation.WithScrubber(scrub),
	)

	orchOpts := []autonomy.Option{
		autonomy.WithLogger(logger.With("component", "autonomy")),
	}
	if metrics != nil {
		orchOpts = append(orchOpts, autonomy.WithMetrics(metrics))
	}
	orch, err := autonomy.New(root, autonomy.Config{
		Budget: budget.Limits{
			HourlyLimit: cfg.Budget.HourlyLimit,
			DailyLimit:  cfg.Budget.DailyLimit,
			Quiet:       hoursToQuiet(cfg.Budget.QuietHours),
		},
		HeartbeatEnabled: cfg.Heartbeat.Enabled,
		Heartbeat: heartbeat.Config{
			Every:   cfg.Heartbeat.Every,
			Min:     cfg.Heartbeat.Min,
			Max:     cfg.Heartbeat.Max,
			Channel: cfg.Heartbeat.Channel,
			Active:  hoursToQuiet(cfg.Heartbeat.ActiveHours),
		},
		CronTickInterval:      cfg.Cron.TickInterval,
		CronMaxConcurrent:     cfg.Cron.MaxConcurrentRuns,
		CronMaxRetries:        cfg.Cron.DefaultMaxRetries,
		CronBackoffMs:         cfg.Cron.DefaultBackoffMs,
		IntegrityScanInterval: cfg.Autonomy.IntegrityScanInterval,
		IntentTick:            cfg.Autonomy.IntentTick,
		IntentTTL:             cfg.Autonomy.IntentTTL,
	}, autonomy.Deps{
		Runtime:   runtime,
		Store:     store,
		Stream:    stream,
		Workflows: engine,
		Checks:    harness,
	}, orchOpts...)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := orch.Start(runCtx); err != nil {
		return err
	}
	consumer.Start(runCtx)

	var watcher *memory.Watcher
	if cfg.Memory.WatchEnabled {
		watcher = memory.NewWatcher(root.MemoryFile(), func() { orch.ScanIntegrity() },
			memory.WithWatcherLogger(logger.With("component", "memory-watch")))
		if err := watcher.Start(runCtx); err != nil {
			logger.Warn("memory watcher disabled", "error", err)
			watcher = nil
		}
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	appLog.Info(runCtx, "otto runtime started",
		"profile_root", root.Base(),
		"queue_backend", cfg.Queue.Backend,
		"heartbeat", cfg.Heartbeat.Enabled,
		"metrics", cfg.Metrics.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		appLog.Info(runCtx, "shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()

	cancel()
	if watcher != nil {
		watcher.Close()
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}
	if err := consumer.Stop(shutdownCtx); err != nil {
		logger.Warn("consumer stop failed", "error", err)
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop orchestrator: %w", err)
	}
	appLog.Info(context.Background(), "otto runtime stopped")
	return nil
}
