package gateway

import (
	"context"

	"loom/internal/gateway/rpc"
	"loom/internal/memory"
)

// registerMemoryMethods wires the cross-session memory surface.
func registerMemoryMethods(reg *rpc.Registry, svc *Services) {
	reg.MustRegister(&rpc.Method{
		Name:             "memory.search",
		RequiredParams:   []string{"query"},
		RequiredManagers: []string{managerMemory},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			hits, err := svc.Memory.Search(ctx, call.Params.String("query"), memory.SearchOptions{
				TopK:     call.Params.Int("topK"),
				MinScore: call.Params.Float("minScore"),
				Category: call.Params.String("category"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"entries": hits, "count": len(hits)}, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "memory.addEntry",
		RequiredParams:   []string{"content"},
		RequiredManagers: []string{managerMemory},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			return svc.Memory.AddEntry(ctx, memory.Entry{
				Content:    call.Params.String("content"),
				Source:     call.Params.String("source"),
				SessionID:  call.Params.String("sessionId"),
				Category:   call.Params.String("category"),
				Importance: call.Params.Float("importance"),
			})
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "memory.getHandoffs",
		RequiredManagers: []string{managerMemory},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			entries, err := svc.Memory.GetHandoffs(ctx, call.Params.String("sessionId"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"entries": entries, "count": len(entries)}, nil
		},
	})
}
