package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/config"
	agentctx "loom/internal/context"
	"loom/internal/cron"
	"loom/internal/devices"
	"loom/internal/gateway"
	"loom/internal/gateway/websocket"
	"loom/internal/guardrails"
	"loom/internal/hooks"
	"loom/internal/memory"
	"loom/internal/orchestrator"
	"loom/internal/provider"
	"loom/internal/runner"
	"loom/internal/workspace"
	"loom/pkg/logger"
)

// shutdownTimeout bounds the whole drain: HTTP listener, cron runs,
// in-flight turns.
const shutdownTimeout = 15 * time.Second

// NewServeCmd builds the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the loom server",
		Long: `Start the loom server.

The server hosts agent sessions behind a WebSocket RPC endpoint and a
small REST surface for probes and discovery. Sessions are durable:
every turn is appended to the event store and survives restarts.`,
		Example: `  # Start with the default configuration
  loom serve

  # Start on a custom port
  loom serve --port 9090

  # Start with verbose logging
  loom serve --verbose`,
		RunE: runServe,
	}

	cmd.Flags().IntP("port", "p", 0, "port to listen on (overrides config)")
	cmd.Flags().String("host", "", "host to bind to (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	cfg := cliCtx.Config
	log := cliCtx.Logger

	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}

	db, err := cliCtx.GetStorage()
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	clients, err := devices.NewClientRegistry(cfg.Server.Protocol)
	if err != nil {
		return fmt.Errorf("client registry: %w", err)
	}

	// The hub is the single fan-out point: every subsystem publishes RPC
	// events through it. Dropped connections release their client record.
	hub := websocket.NewHub(
		websocket.WithQueueSize(cfg.Server.EventQueueSize),
		websocket.WithDisconnectHandler(clients.Drop),
	)

	providers := provider.NewRegistry()
	if err := registerProviders(providers, cfg); err != nil {
		return fmt.Errorf("register providers: %w", err)
	}

	hookRegistry := hooks.NewRegistry()

	var memStore *memory.Store
	if cfg.Memory.Enabled {
		memStore = memory.NewStore(db,
			memory.WithPublisher(hub),
			memory.WithDefaultTopK(cfg.Memory.TopK),
			memory.WithMinScore(cfg.Memory.MinScore),
		)
		if err := memory.RegisterHandoffHooks(hookRegistry, memStore); err != nil {
			return fmt.Errorf("register handoff hooks: %w", err)
		}
	}

	hookEngine := hooks.NewEngine(hookRegistry,
		hooks.WithDefaultTimeout(cfg.Hooks.DefaultTimeout),
		hooks.WithRecorder(gateway.HookRecorder(db, hub)),
		hooks.WithLogger(*logger.Component("hooks")),
	)

	scriptDir, err := config.ExpandPath(cfg.Hooks.ScriptDir)
	if err != nil {
		return fmt.Errorf("hooks script dir: %w", err)
	}
	if scriptDir != "" {
		loader := hooks.NewScriptLoader(scriptDir, hookRegistry, *logger.Component("hooks"))
		if err := loader.Load(); err != nil {
			log.Warn().Err(err).Str("dir", scriptDir).Msg("hook scripts not loaded")
		}
		if cfg.Hooks.WatchScripts {
			if err := loader.Watch(); err != nil {
				log.Warn().Err(err).Msg("hook script watching unavailable")
			}
		}
		defer loader.Close()
	}

	guards, err := guardrails.NewEngine(cfg.Guardrails.Rules)
	if err != nil {
		return fmt.Errorf("guardrail rules: %w", err)
	}

	// Host tool bindings register here; none ship in the tree. Tools the
	// client executes itself report back through tool.result instead.
	toolRegistry := runner.NewToolRegistry()

	run := runner.New(db, runner.Config{
		ToolTimeout: cfg.Tools.CallTimeout,
		Parallel:    cfg.Tools.Parallel,
		RetryDelay:  cfg.Providers.RetryDelay,
		AutoCompact: cfg.Context.AutoCompact,
	},
		runner.WithTools(toolRegistry),
		runner.WithHooks(hookEngine),
		runner.WithGuardrails(guards),
		runner.WithPublisher(hub),
		runner.WithLogger(*logger.Component("runner")),
	)

	orc := orchestrator.New(db, providers, run, orchestrator.Config{
		Context: agentctx.Config{
			MaxTokens:  cfg.Context.MaxTokens,
			Threshold:  cfg.Context.CompactionThreshold,
			KeepRecent: cfg.Context.KeepRecent,
		},
		DefaultModel: cfg.Providers.DefaultModel,
	},
		orchestrator.WithHooks(hookEngine),
		orchestrator.WithPublisher(hub),
		orchestrator.WithLogger(*logger.Component("orchestrator")),
	)

	var sched *cron.Scheduler
	if cfg.Cron.Enabled {
		jobs := cron.NewJobStore(db)
		history := cron.NewHistoryStore(db, cfg.Cron.HistoryLimit)
		sched = cron.NewScheduler(jobs, history, cron.PrompterFunc(
			func(ctx context.Context, sessionID, prompt string) error {
				_, err := orc.Prompt(ctx, sessionID, prompt, orchestrator.PromptOptions{})
				return err
			},
		))
		if err := sched.Start(cmd.Context()); err != nil {
			return fmt.Errorf("start cron scheduler: %w", err)
		}
	}

	srv := gateway.NewServer(cfg, gateway.Services{
		Orchestrator: orc,
		Memory:       memStore,
		Workspace:    workspace.NewManager(cfg.Workspace),
		Devices:      devices.NewRegistry(),
		Clients:      clients,
		DB:           db,
		Hub:          hub,
		Build: gateway.BuildInfo{
			Name:      "loom",
			Version:   Version,
			Commit:    GitCommit,
			BuildTime: BuildTime,
		},
		ProtocolRange: cfg.Server.Protocol,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().
		Str("address", fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Msg("loom server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server error")
			return err
		}
	}

	// Drain outward-in: stop accepting work, let cron runs and turns
	// finish, then the deferred Close in PersistentPostRunE releases the
	// store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("gateway shutdown")
	}
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("cron shutdown")
		}
	}
	if err := orc.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("orchestrator shutdown")
	}

	log.Info().Msg("server stopped")
	return nil
}

// registerProviders installs the provider bindings named by the config.
// The tree ships only the scripted provider, which keeps the daemon
// bootable offline; real bindings register here the same way.
func registerProviders(reg *provider.Registry, cfg *config.Config) error {
	reg.Register(provider.NewScripted(cfg.Providers.Default, provider.ModelInfo{
		ID:            cfg.Providers.DefaultModel,
		Name:          cfg.Providers.DefaultModel,
		ContextWindow: cfg.Context.MaxTokens,
	}))
	return reg.SetDefault(cfg.Providers.Default)
}
