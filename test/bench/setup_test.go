package bench

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/devices"
	"loom/internal/gateway"
	"loom/internal/gateway/rpc"
	"loom/internal/gateway/websocket"
	"loom/internal/memory"
	"loom/internal/orchestrator"
	"loom/internal/provider"
	"loom/internal/runner"
	"loom/internal/storage"
	"loom/internal/workspace"
)

var (
	benchServer  *gateway.Server
	benchSession string
)

// TestMain builds one shared daemon for every benchmark: a real store
// in a temp dir, a scripted provider, and the full gateway stack. One
// session is seeded with events so read paths have something to chew.
// Setup lives in run so the deferred teardown survives os.Exit.
func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	dir, err := os.MkdirTemp("", "loom-bench-*")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer os.RemoveAll(dir)

	db, err := storage.Open(filepath.Join(dir, "loom.db"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer db.Close()

	registry := provider.NewRegistry()
	registry.Register(provider.NewScripted("anthropic",
		provider.ModelInfo{ID: "sonnet", ContextWindow: 200000}))

	hub := websocket.NewHub(websocket.WithQueueSize(256))
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	defer stopHub()

	run := runner.New(db, runner.Config{RetryDelay: 10 * time.Millisecond}, runner.WithPublisher(hub))
	orc := orchestrator.New(db, registry, run, orchestrator.Config{
		DefaultModel: "sonnet",
		IdleTimeout:  time.Minute,
	}, orchestrator.WithPublisher(hub))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orc.Shutdown(ctx)
	}()

	clients, err := devices.NewClientRegistry(">=1.0.0 <2.0.0")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			Host:           "127.0.0.1",
			RequestTimeout: 10 * time.Second,
			EventQueueSize: 256,
		},
	}
	benchServer = gateway.NewServer(cfg, gateway.Services{
		Orchestrator: orc,
		Memory:       memory.NewStore(db),
		Workspace:    workspace.NewManager(cfg.Workspace),
		Devices:      devices.NewRegistry(),
		Clients:      clients,
		DB:           db,
		Hub:          hub,
		Build:        gateway.BuildInfo{Name: "loom", Version: "bench"},
	})

	if benchSession, err = seedSession(orc, db); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	return m.Run()
}

// seedSession creates one session with a hundred user messages.
func seedSession(orc *orchestrator.Orchestrator, db *storage.DB) (string, error) {
	ctx := context.Background()
	sess, err := orc.CreateSession(ctx, orchestrator.CreateOptions{Title: "bench"})
	if err != nil {
		return "", err
	}
	for i := 0; i < 100; i++ {
		_, err := db.Append(ctx, storage.AppendRequest{
			SessionID: sess.ID,
			Type:      storage.EventMessageUser,
			Payload:   &storage.MessageUserPayload{Content: fmt.Sprintf("message %d", i)},
		})
		if err != nil {
			return "", err
		}
	}
	return sess.ID, nil
}

// benchRequest drives one GET route for b.N iterations.
func benchRequest(b *testing.B, method, path string) {
	b.Helper()

	router := benchServer.Router()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Accept", "application/json")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			b.Errorf("status = %d, want 200", rr.Code)
		}
	}
}

// benchDispatch drives one RPC method for b.N iterations.
func benchDispatch(b *testing.B, method string, params rpc.Params) {
	b.Helper()

	d := benchServer.Dispatcher()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		resp := d.Dispatch(ctx, "bench-conn", &rpc.Request{
			ID:     "bench",
			Method: method,
			Params: params,
		})
		if !resp.Success {
			b.Fatalf("%s failed: %+v", method, resp.Error)
		}
	}
}
