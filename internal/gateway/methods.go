package gateway

import (
	"loom/internal/devices"
	"loom/internal/gateway/rpc"
	"loom/internal/gateway/websocket"
	"loom/internal/memory"
	"loom/internal/orchestrator"
	"loom/internal/storage"
	"loom/internal/workspace"
)

// Manager names referenced by method registrations. A method whose manager
// is not wired answers NOT_AVAILABLE instead of reaching its handler, so
// optional subsystems degrade per-method rather than at startup.
const (
	managerOrchestrator = "orchestrator"
	managerMemory       = "memory"
	managerWorkspace    = "workspace"
	managerDevices      = "devices"
	managerClients      = "clients"
)

// BuildInfo identifies the running binary in system.getInfo and
// GET /api/v1/info.
type BuildInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
}

// Services carries the wired subsystems the RPC surface serves. Optional
// fields may be nil; their methods answer NOT_AVAILABLE.
type Services struct {
	Orchestrator *orchestrator.Orchestrator
	Memory       *memory.Store
	Workspace    *workspace.Manager
	Devices      *devices.Registry
	Clients      *devices.ClientRegistry
	DB           *storage.DB
	Hub          *websocket.Hub
	Build        BuildInfo

	// ProtocolRange echoes the server's accepted client constraint in
	// client.identify responses.
	ProtocolRange string
}

// registerMethods wires the full method surface into the registry.
func registerMethods(reg *rpc.Registry, svc *Services) {
	registerSessionMethods(reg, svc)
	registerAgentMethods(reg, svc)
	registerEventMethods(reg, svc)
	registerContextMethods(reg, svc)
	registerMemoryMethods(reg, svc)
	registerFileMethods(reg, svc)
	registerSystemMethods(reg, svc)
}
