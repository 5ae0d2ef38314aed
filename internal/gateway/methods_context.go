package gateway

import (
	"context"

	"loom/internal/gateway/rpc"
)

// registerContextMethods wires the context introspection and compaction
// surface. Snapshots and previews are read-only; confirmCompaction and
// clear serialize against turns.
func registerContextMethods(reg *rpc.Registry, svc *Services) {
	reg.MustRegister(&rpc.Method{
		Name:             "context.getSnapshot",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			snap, err := svc.Orchestrator.ContextSnapshot(ctx, call.Params.String("sessionId"))
			if err != nil {
				return nil, err
			}
			return snap, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "context.getDetailed",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			snap, err := svc.Orchestrator.DetailedSnapshot(ctx, call.Params.String("sessionId"))
			if err != nil {
				return nil, err
			}
			return snap, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "context.shouldCompact",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			id := call.Params.String("sessionId")
			should, err := svc.Orchestrator.ShouldCompact(ctx, id)
			if err != nil {
				return nil, err
			}
			return map[string]any{"sessionId": id, "shouldCompact": should}, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "context.previewCompaction",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			return svc.Orchestrator.PreviewCompaction(ctx, call.Params.String("sessionId"))
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "context.confirmCompaction",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			return svc.Orchestrator.ConfirmCompaction(ctx, call.Params.String("sessionId"))
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "context.canAcceptTurn",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			adm, err := svc.Orchestrator.CanAcceptTurn(ctx,
				call.Params.String("sessionId"),
				call.Params.Int("estimatedResponseTokens"))
			if err != nil {
				return nil, err
			}
			return adm, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "context.clear",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			id := call.Params.String("sessionId")
			if err := svc.Orchestrator.ClearContext(ctx, id); err != nil {
				return nil, err
			}
			return map[string]any{"sessionId": id, "cleared": true}, nil
		},
	})
}
