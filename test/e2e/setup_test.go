// Package e2e exercises the daemon end to end: a real store, scripted
// providers, and the full gateway stack. Tests enter through the same
// RPC surface a connected client uses, either straight through the
// dispatcher or over a live websocket.
package e2e

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loom/internal/config"
	agentctx "loom/internal/context"
	"loom/internal/devices"
	"loom/internal/gateway"
	"loom/internal/gateway/websocket"
	"loom/internal/memory"
	"loom/internal/orchestrator"
	"loom/internal/provider"
	"loom/internal/runner"
	"loom/internal/storage"
	"loom/internal/workspace"
)

const protocolRange = ">=1.0.0 <2.0.0"

// testEnv is one self-contained daemon instance. Every test builds its
// own, so scripted responses and event logs never leak between tests.
type testEnv struct {
	db        *storage.DB
	anthropic *provider.Scripted
	openai    *provider.Scripted
	tools     *runner.ToolRegistry
	hub       *websocket.Hub
	orc       *orchestrator.Orchestrator
	srv       *gateway.Server
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:           "127.0.0.1",
			Protocol:       protocolRange,
			RequestTimeout: 10 * time.Second,
			EventQueueSize: 256,
		},
	}
}

// newTestEnv wires storage, providers, runner, orchestrator, and the
// gateway the way serve does, minus the listener. The anthropic
// provider serves sonnet (200k window) and haiku (10k, small enough to
// reach compaction territory with scripted usage); openai serves gpt
// for the non-cache-aware accounting path.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	anthropic := provider.NewScripted("anthropic",
		provider.ModelInfo{ID: "sonnet", ContextWindow: 200000},
		provider.ModelInfo{ID: "haiku", ContextWindow: 10000},
	)
	openai := provider.NewScripted("openai",
		provider.ModelInfo{ID: "gpt", ContextWindow: 128000},
	)
	registry := provider.NewRegistry()
	registry.Register(anthropic)
	registry.Register(openai)

	hub := websocket.NewHub(websocket.WithQueueSize(256))
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	t.Cleanup(stopHub)

	tools := runner.NewToolRegistry()
	run := runner.New(db, runner.Config{RetryDelay: 10 * time.Millisecond},
		runner.WithTools(tools),
		runner.WithPublisher(hub),
	)
	orc := orchestrator.New(db, registry, run, orchestrator.Config{
		Context:      agentctx.Config{Threshold: 0.75, KeepRecent: 2},
		DefaultModel: "sonnet",
		IdleTimeout:  time.Minute,
	}, orchestrator.WithPublisher(hub))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orc.Shutdown(ctx)
	})

	clients, err := devices.NewClientRegistry(protocolRange)
	require.NoError(t, err)

	cfg := testConfig()
	srv := gateway.NewServer(cfg, gateway.Services{
		Orchestrator:  orc,
		Memory:        memory.NewStore(db, memory.WithPublisher(hub)),
		Workspace:     workspace.NewManager(cfg.Workspace),
		Devices:       devices.NewRegistry(),
		Clients:       clients,
		DB:            db,
		Hub:           hub,
		Build:         gateway.BuildInfo{Name: "loom", Version: "e2e"},
		ProtocolRange: protocolRange,
	})

	return &testEnv{
		db:        db,
		anthropic: anthropic,
		openai:    openai,
		tools:     tools,
		hub:       hub,
		orc:       orc,
		srv:       srv,
	}
}
