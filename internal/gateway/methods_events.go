package gateway

import (
	"context"

	"loom/internal/gateway/rpc"
	"loom/internal/storage"
)

// registerEventMethods wires event-log reads, out-of-band appends, and the
// model surface.
func registerEventMethods(reg *rpc.Registry, svc *Services) {
	reg.MustRegister(&rpc.Method{
		Name:             "events.getHistory",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			q := storage.EventQuery{
				Limit:         call.Params.Int("limit"),
				BeforeEventID: call.Params.String("beforeEventId"),
			}
			for _, t := range call.Params.StringSlice("types") {
				q.Types = append(q.Types, storage.EventType(t))
			}
			events, err := svc.Orchestrator.GetHistory(ctx, call.Params.String("sessionId"), q)
			if err != nil {
				return nil, err
			}
			return map[string]any{"events": events, "count": len(events)}, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "events.getSince",
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			after, err := call.Params.Time("afterTimestamp")
			if err != nil {
				return nil, err
			}
			events, err := svc.Orchestrator.GetEventsSince(ctx, storage.SinceFilter{
				SessionID:      call.Params.String("sessionId"),
				WorkspaceID:    call.Params.String("workspaceId"),
				AfterEventID:   call.Params.String("afterEventId"),
				AfterTimestamp: after,
				Limit:          call.Params.Int("limit"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"events": events, "count": len(events)}, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "events.append",
		RequiredParams:   []string{"sessionId", "type"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			payload, err := call.Params.Raw("payload")
			if err != nil {
				return nil, rpc.Errorf(rpc.CodeInvalidParams, "events.append: %v", err)
			}
			return svc.Orchestrator.AppendEvent(ctx,
				call.Params.String("sessionId"),
				storage.EventType(call.Params.String("type")),
				payload,
				call.Params.String("parentId"))
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "model.switch",
		RequiredParams:   []string{"sessionId", "model"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			return svc.Orchestrator.SwitchModel(ctx,
				call.Params.String("sessionId"),
				call.Params.String("model"))
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "model.list",
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			models := svc.Orchestrator.Models()
			return map[string]any{"models": models, "count": len(models)}, nil
		},
	})
}
