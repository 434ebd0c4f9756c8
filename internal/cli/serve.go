package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/executor"
	"github.com/loomworks/loom/pkg/hub"
	"github.com/loomworks/loom/pkg/identity"
	"github.com/loomworks/loom/pkg/orchestrator"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/pubsub"
	"github.com/loomworks/loom/pkg/ratelimit"
	"github.com/loomworks/loom/pkg/sandbox"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Loom daemon",
	Long: `Run the Loom daemon in the foreground: the WebSocket connection hub,
the REST tool endpoint, the streaming orchestrator, and the sandboxed
tool executor.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:   logLevel,
		File:    cfg.Logging.File,
		Console: true,
		Pretty:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer lg.Close()
	log := lg.Get()

	if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
		return fmt.Errorf("failed to set up audit log: %w", err)
	}
	defer observability.GetAuditLogger().Close()

	var st store.Store
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.OpenSQLite(cfg.Store.Path, log)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
	default:
		st = store.NewMemoryStore()
	}
	defer st.Close()

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.Options{
		SandboxImage: cfg.Sandbox.Image,
	}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	registry.Freeze()
	log.Info().Int("tools", registry.Count()).Msg("Tool registry frozen")

	if err := sandbox.CheckDocker(); err != nil {
		log.Warn().Err(err).Msg("Docker unavailable, sandboxed tools will fail")
	}
	limits := sandbox.DefaultLimits()
	limits.Timeout = time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second
	limits.MemoryMB = cfg.Sandbox.MemoryMB
	runner := sandbox.NewDockerRunner(limits)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Window:       cfg.RateWindow(),
		DefaultLimit: cfg.RateLimit.PerWindow,
	})

	exec, err := executor.New(executor.Config{
		Registry:    registry,
		Runner:      runner,
		Limiter:     limiter,
		Store:       st,
		Logger:      log,
		RateLimit:   cfg.RateLimit.PerWindow,
		OutputLimit: cfg.Server.OutputLimitBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to build executor: %w", err)
	}

	prov, err := provider.New(cfg.AI.Provider, cfg.AI.APIKey)
	if err != nil {
		return fmt.Errorf("failed to build provider: %w", err)
	}

	broker := pubsub.NewMemoryBroker(log)

	orch, err := orchestrator.New(orchestrator.Config{
		Store:         st,
		Provider:      prov,
		Executor:      exec,
		Registry:      registry,
		Broker:        broker,
		Logger:        log,
		Model:         cfg.AI.Model,
		SystemPrompt:  cfg.AI.SystemPrompt,
		MaxTokens:     cfg.AI.MaxTokens,
		Temperature:   cfg.AI.Temperature,
		HistoryWindow: cfg.AI.HistoryWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	server, err := hub.NewServer(hub.Config{
		Port:              cfg.Server.Port,
		Verifier:          identity.NewJWTVerifier(cfg.Auth.Secret),
		Orchestrator:      orch,
		Executor:          exec,
		Registry:          registry,
		Broker:            broker,
		Logger:            log,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		IdleTimeout:       cfg.IdleTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to build hub: %w", err)
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	// Periodic housekeeping: expired rate windows are swept so the
	// counter map does not grow with tenant churn.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 5m", func() {
		swept := limiter.Sweep()
		if swept > 0 {
			log.Debug().Int("windows", swept).Msg("Swept expired rate windows")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule rate window sweep: %w", err)
	}
	scheduler.Start()

	log.Info().
		Int("port", cfg.Server.Port).
		Str("provider", cfg.AI.Provider).
		Str("model", cfg.AI.Model).
		Str("store", cfg.Store.Driver).
		Msg("Loom daemon started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutdown signal received")
	scheduler.Stop()
	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("Hub shutdown error")
	}
	return nil
}
