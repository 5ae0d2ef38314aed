package gateway

import (
	"context"

	"loom/internal/gateway/rpc"
	"loom/internal/orchestrator"
	"loom/internal/storage"
	"loom/pkg/logger"
)

// registerSessionMethods wires the session lifecycle surface.
func registerSessionMethods(reg *rpc.Registry, svc *Services) {
	log := logger.Component("gateway")

	reg.MustRegister(&rpc.Method{
		Name:             "session.create",
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			opts := orchestrator.CreateOptions{
				WorkspaceID:      call.Params.String("workspaceId"),
				WorkingDirectory: call.Params.String("workingDirectory"),
				Model:            call.Params.String("model"),
				Title:            call.Params.String("title"),
			}
			session, err := svc.Orchestrator.CreateSession(ctx, opts)
			if err != nil {
				return nil, err
			}
			// A working directory doubles as the session's workspace
			// binding; file.read and filesystem.createDir resolve under it.
			if svc.Workspace != nil && opts.WorkingDirectory != "" {
				if _, err := svc.Workspace.Bind(session.ID, opts.WorkingDirectory, call.Params.Bool("readOnly")); err != nil {
					log.Warn().Err(err).Str("session", session.ID).Msg("workspace not bound")
				}
			}
			return session, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "session.resume",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			return svc.Orchestrator.ResumeSession(ctx, call.Params.String("sessionId"))
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "session.list",
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			sessions, err := svc.Orchestrator.ListSessions(ctx, storage.ListFilter{
				WorkspaceID:     call.Params.String("workspaceId"),
				IncludeArchived: call.Params.Bool("includeArchived"),
				Limit:           call.Params.Int("limit"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"sessions": sessions, "count": len(sessions)}, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "session.delete",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			id := call.Params.String("sessionId")
			if err := svc.Orchestrator.DeleteSession(ctx, id); err != nil {
				return nil, err
			}
			if svc.Workspace != nil {
				_ = svc.Workspace.Unbind(id)
			}
			return map[string]any{"sessionId": id, "deleted": true}, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "session.fork",
		RequiredParams:   []string{"fromEventId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			return svc.Orchestrator.Fork(ctx, call.Params.String("fromEventId"), call.Params.String("name"))
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "session.archive",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			id := call.Params.String("sessionId")
			if err := svc.Orchestrator.ArchiveSession(ctx, id); err != nil {
				return nil, err
			}
			return map[string]any{"sessionId": id, "archived": true}, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "session.unarchive",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			id := call.Params.String("sessionId")
			if err := svc.Orchestrator.UnarchiveSession(ctx, id); err != nil {
				return nil, err
			}
			return map[string]any{"sessionId": id, "archived": false}, nil
		},
	})
}
