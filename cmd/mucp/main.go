// mucp control-plane server — validates and journals inbound commands,
// dispatches the durable outbox, and supervises runtime generations.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openmu/mucp/pkg/adapters"
	"github.com/openmu/mucp/pkg/api"
	"github.com/openmu/mucp/pkg/command"
	"github.com/openmu/mucp/pkg/config"
	"github.com/openmu/mucp/pkg/executor"
	"github.com/openmu/mucp/pkg/generation"
	"github.com/openmu/mucp/pkg/idempotency"
	"github.com/openmu/mucp/pkg/identity"
	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/operator"
	"github.com/openmu/mucp/pkg/outbox"
	"github.com/openmu/mucp/pkg/pipeline"
	"github.com/openmu/mucp/pkg/policy"
	"github.com/openmu/mucp/pkg/reload"
	"github.com/openmu/mucp/pkg/replay"
	"github.com/openmu/mucp/pkg/storage"
	"github.com/openmu/mucp/pkg/telemetry"
	"github.com/openmu/mucp/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveOwnerID determines the writer-lock owner identifier.
// Priority: MUCP_OWNER_ID env > HOSTNAME env > "local"
func resolveOwnerID() string {
	if id := os.Getenv("MUCP_OWNER_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// generationRuntime is one generation of the serving stack: the pipeline, its
// mutation tail, and the outbox dispatcher. Stores are shared across
// generations; the runtime owns only the moving parts.
type generationRuntime struct {
	pipeline   *pipeline.Pipeline
	tail       *executor.MutationTail
	dispatcher *outbox.Dispatcher
}

// Stop drains the runtime: refuse new mutations, then stop the dispatcher.
func (r *generationRuntime) Stop(_ context.Context) error {
	r.tail.Stop()
	r.dispatcher.Stop()
	return nil
}

// pipelineHandle routes adapter submissions to the currently active runtime,
// so adapters survive reloads without rewiring.
type pipelineHandle struct {
	reloader *reload.Orchestrator
}

func (h *pipelineHandle) HandleInbound(ctx context.Context, env *models.InboundEnvelope) (*models.PipelineResult, error) {
	rt := h.reloader.Runtime().(*generationRuntime)
	return rt.pipeline.HandleInbound(ctx, env)
}

// dispatcherHandle wakes the active runtime's dispatcher.
type dispatcherHandle struct {
	reloader *reload.Orchestrator
}

func (h *dispatcherHandle) Signal() {
	h.reloader.Runtime().(*generationRuntime).dispatcher.Signal()
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("MUCP_CONFIG_DIR", "./config"),
		"Path to configuration directory")
	repoRoot := flag.String("repo-root",
		getEnv("MUCP_REPO_ROOT", "."),
		"Repository root holding the control-plane directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting mucp",
		"version", version.Full(),
		"config_dir", *configDir,
		"repo_root", *repoRoot)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Resolve storage and take the single-writer lock
	paths := storage.ResolvePaths(*repoRoot)
	if err := paths.EnsureDir(); err != nil {
		slog.Error("Failed to create control-plane directory", "dir", paths.ControlPlaneDir, "error", err)
		os.Exit(1)
	}

	lock, err := storage.AcquireWriterLock(paths, resolveOwnerID())
	if err != nil {
		if storage.IsLockBusy(err) {
			slog.Error("Another process holds the writer lock", "error", err)
		} else {
			slog.Error("Failed to acquire writer lock", "error", err)
		}
		os.Exit(1)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Error("Error releasing writer lock", "error", err)
		}
	}()
	slog.Info("Writer lock acquired", "owner", lock.Owner().OwnerID)

	// 3. Open journaled stores
	commands, err := command.Open(paths)
	if err != nil {
		slog.Error("Failed to open command store", "error", err)
		os.Exit(1)
	}
	defer closeStore("command store", commands.Close)

	ledger, err := idempotency.Open(paths)
	if err != nil {
		slog.Error("Failed to open idempotency ledger", "error", err)
		os.Exit(1)
	}
	defer closeStore("idempotency ledger", ledger.Close)

	identities, err := identity.Open(paths)
	if err != nil {
		slog.Error("Failed to open identity store", "error", err)
		os.Exit(1)
	}
	defer closeStore("identity store", identities.Close)

	outboxStore, err := outbox.Open(paths)
	if err != nil {
		slog.Error("Failed to open outbox store", "error", err)
		os.Exit(1)
	}
	defer closeStore("outbox store", outboxStore.Close)
	slog.Info("Journaled stores opened", "dir", paths.ControlPlaneDir)

	// 4. Shared policy engine and executors
	metrics := telemetry.New()
	limiter := policy.NewRateLimiter(*cfg.RateLimit)
	engine := policy.NewEngine(nil, *cfg.KillSwitches, limiter)

	readonly := executor.StubReadonlyExecutor{}
	mutator := &executor.StubMutationExecutor{}

	var backend operator.Backend
	if cfg.Operator.Enabled {
		backend = operator.NewHTTPClient(cfg.Operator.BaseURL, cfg.Operator.Timeout)
		slog.Info("Operator backend configured", "base_url", cfg.Operator.BaseURL)
	}

	// 5. Startup replay: settle non-terminal commands before accepting traffic
	replayer := replay.NewReplayer(commands, mutator)
	report, err := replayer.Run(ctx, time.Now().UnixMilli())
	if err != nil {
		slog.Error("Startup replay failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Startup replay complete",
		"candidates", report.Candidates,
		"reconciled", report.Reconciled,
		"executed", report.Executed,
		"expired", report.Expired,
		"skipped", report.Skipped)

	// 6. Runtime factory: one generation = pipeline + tail + dispatcher
	conversational := make(map[string]bool, len(cfg.Pipeline.ConversationalChannels))
	for _, channel := range cfg.Pipeline.ConversationalChannels {
		conversational[channel] = true
	}
	pipelineCfg := pipeline.Config{
		ConfirmationTTL:        cfg.Pipeline.ConfirmationTTL,
		IdempotencyTTLMS:       cfg.Pipeline.IdempotencyTTL.Milliseconds(),
		ConversationalChannels: conversational,
	}
	dispatcherCfg := outbox.DispatcherConfig{
		WakeupInterval:          cfg.Outbox.DispatcherWakeup,
		MaxConcurrentDeliveries: cfg.Outbox.MaxConcurrentDeliveries,
		DeliveryTimeout:         cfg.Outbox.DeliveryTimeout,
	}
	deliveryBackoff := outbox.Backoff{
		InitialInterval: cfg.Outbox.BackoffInitial,
		MaxInterval:     cfg.Outbox.BackoffMax,
		Multiplier:      cfg.Outbox.BackoffMultiplier,
		Randomization:   cfg.Outbox.BackoffRandomization,
	}

	buildRuntime := func(context.Context) (reload.Runtime, error) {
		tail := executor.NewMutationTail()
		pipe := pipeline.New(pipelineCfg, commands, ledger, identities, engine, tail, readonly, mutator, backend, metrics)

		dispatcher := outbox.NewDispatcher(outboxStore, buildDrivers(cfg), dispatcherCfg, metrics)
		dispatcher.SetBackoff(deliveryBackoff)
		// The dispatcher loop outlives the warmup call.
		dispatcher.Start(ctx)

		return &generationRuntime{pipeline: pipe, tail: tail, dispatcher: dispatcher}, nil
	}

	initial, err := buildRuntime(ctx)
	if err != nil {
		slog.Error("Failed to build initial runtime", "error", err)
		os.Exit(1)
	}

	// 7. Generation supervisor and reload orchestrator
	sup := generation.NewSupervisor(cfg.Supervisor.Name)
	reloader := reload.NewOrchestrator(sup, reload.FactoryFunc(buildRuntime), initial, metrics)
	slog.Info("Generation supervisor started", "generation", sup.ActiveGeneration().GenerationID)

	// 8. Channel adapters over the active-runtime handles
	submitter := &pipelineHandle{reloader: reloader}
	signaler := &dispatcherHandle{reloader: reloader}

	audit, err := adapters.OpenAuditLog(paths)
	if err != nil {
		slog.Error("Failed to open adapter audit log", "error", err)
		os.Exit(1)
	}
	defer closeStore("adapter audit log", audit.Close)

	responder := adapters.NewResponder(outboxStore, signaler, cfg.Outbox.MaxAttempts)

	adapterList := []adapters.Adapter{
		adapters.NewTerminalAdapter(submitter, audit),
	}
	if cfg.Slack.Enabled {
		secret := cfg.Slack.SigningSecret()
		if secret == "" {
			slog.Error("Slack adapter enabled but signing secret is empty", "env", cfg.Slack.SigningSecretEnv)
			os.Exit(1)
		}
		adapterList = append(adapterList, adapters.NewSlackAdapter(secret, submitter, responder, audit))
	}
	if cfg.Telegram.Enabled {
		token := cfg.Telegram.SecretToken()
		if token == "" {
			slog.Error("Telegram adapter enabled but secret token is empty", "env", cfg.Telegram.SecretTokenEnv)
			os.Exit(1)
		}
		telegram, terr := adapters.NewTelegramAdapter(token, submitter, responder, audit, paths)
		if terr != nil {
			slog.Error("Failed to create Telegram adapter", "error", terr)
			os.Exit(1)
		}
		defer closeStore("telegram adapter", telegram.Close)
		adapterList = append(adapterList, telegram)
	}
	if cfg.Webhook.Enabled {
		adapterList = append(adapterList, adapters.NewWebhookAdapter(cfg.Webhook.Secret(), submitter, audit))
	}
	slog.Info("Channel adapters registered", "count", len(adapterList))

	// 9. Background sweeps: confirmation expiry, deferred requeue, ledger compaction
	sweepStop := make(chan struct{})
	go runSweeper(ctx, reloader, ledger, sweepStop)

	// 10. Start HTTP server (non-blocking)
	httpServer := api.NewServer(adapterList, reloader, sup, outboxStore, commands, metrics, paths)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.Start(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("mucp started successfully", "generation", sup.ActiveGeneration().GenerationID)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop ingress, drain the runtime, then let the
	// deferred closes release stores and the writer lock.
	close(sweepStop)

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Shutdown.Timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := reloader.Runtime().(*generationRuntime).Stop(shutdownCtx); err != nil {
		slog.Error("Runtime drain error", "error", err)
	} else {
		slog.Info("Runtime drained")
	}

	slog.Info("Shutdown complete")
}

func closeStore(name string, close func() error) {
	if err := close(); err != nil {
		slog.Error("Error closing "+name, "error", err)
	}
}

// buildDrivers assembles the outbox channel drivers for the enabled channels.
func buildDrivers(cfg *config.Config) []outbox.Driver {
	drivers := []outbox.Driver{outbox.NewTerminalDriver()}
	if cfg.Slack.Enabled {
		drivers = append(drivers, outbox.NewSlackDriver(cfg.Slack.BotToken()))
	}
	if cfg.Telegram.Enabled {
		drivers = append(drivers, outbox.NewTelegramDriver(cfg.Telegram.BotToken()))
	}
	return drivers
}

// runSweeper expires stale confirmations, requeues due deferred commands, and
// periodically compacts the idempotency ledger.
func runSweeper(ctx context.Context, reloader *reload.Orchestrator, ledger *idempotency.Ledger, stop <-chan struct{}) {
	sweep := time.NewTicker(1 * time.Second)
	defer sweep.Stop()
	compact := time.NewTicker(1 * time.Hour)
	defer compact.Stop()

	for {
		select {
		case <-stop:
			return
		case <-sweep.C:
			now := time.Now().UnixMilli()
			rt := reloader.Runtime().(*generationRuntime)
			if err := rt.pipeline.SweepExpired(now); err != nil {
				slog.Warn("Confirmation sweep failed", "error", err)
			}
			if _, err := rt.pipeline.RequeueDeferred(ctx, now); err != nil {
				slog.Warn("Deferred requeue failed", "error", err)
			}
		case <-compact.C:
			removed := ledger.Compact(time.Now().UnixMilli())
			if removed > 0 {
				slog.Info("Idempotency ledger compacted", "removed", removed)
			}
		}
	}
}
