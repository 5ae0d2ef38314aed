// Package v1 is the REST side of the gateway: liveness, build info, and
// read-only session discovery. Everything stateful goes over the
// websocket RPC endpoint.
package v1

import (
	"net/http"
	"runtime"
	"strconv"

	"github.com/gorilla/mux"

	"loom/internal/gateway/handlers"
	"loom/internal/gateway/websocket"
	"loom/internal/orchestrator"
	"loom/internal/storage"
)

// RouterDeps holds dependencies for the v1 API router.
type RouterDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Hub          *websocket.Hub
	Version      string
	Commit       string
	BuildTime    string
}

// Router serves the v1 REST routes.
type Router struct {
	orchestrator *orchestrator.Orchestrator
	hub          *websocket.Hub
	version      string
	commit       string
	buildTime    string
}

// NewRouter creates a new v1 API router.
func NewRouter(deps *RouterDeps) *Router {
	if deps == nil {
		deps = &RouterDeps{}
	}
	return &Router{
		orchestrator: deps.Orchestrator,
		hub:          deps.Hub,
		version:      deps.Version,
		commit:       deps.Commit,
		buildTime:    deps.BuildTime,
	}
}

// RegisterRoutes registers all v1 API routes.
func (r *Router) RegisterRoutes(router *mux.Router) {
	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/health", handlers.HealthHandler(r.version)).Methods(http.MethodGet)
	v1.HandleFunc("/info", r.HandleInfo).Methods(http.MethodGet)
	v1.HandleFunc("/sessions", r.HandleListSessions).Methods(http.MethodGet)
}

// InfoResponse describes the running daemon.
type InfoResponse struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	Commit         string `json:"commit,omitempty"`
	BuildTime      string `json:"buildTime,omitempty"`
	GoVersion      string `json:"goVersion"`
	ActiveSessions int    `json:"activeSessions"`
	Connections    int    `json:"connections"`
}

// HandleInfo reports build identity and live counters.
func (r *Router) HandleInfo(w http.ResponseWriter, req *http.Request) {
	info := InfoResponse{
		Name:      "loom",
		Version:   r.version,
		Commit:    r.commit,
		BuildTime: r.buildTime,
		GoVersion: runtime.Version(),
	}
	if r.orchestrator != nil {
		info.ActiveSessions = r.orchestrator.ActiveCount()
	}
	if r.hub != nil {
		info.Connections = r.hub.ConnCount()
	}
	handlers.SendJSON(w, http.StatusOK, info)
}

// HandleListSessions lists sessions, filtered by query parameters.
func (r *Router) HandleListSessions(w http.ResponseWriter, req *http.Request) {
	if r.orchestrator == nil {
		handlers.SendError(w, http.StatusServiceUnavailable, handlers.ErrCodeServiceUnavailable, "orchestrator not available")
		return
	}

	q := req.URL.Query()
	filter := storage.ListFilter{
		WorkspaceID:     q.Get("workspaceId"),
		IncludeArchived: q.Get("includeArchived") == "true",
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	sessions, err := r.orchestrator.ListSessions(req.Context(), filter)
	if err != nil {
		handlers.SendError(w, http.StatusInternalServerError, handlers.ErrCodeInternalError, err.Error())
		return
	}

	handlers.SendJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
