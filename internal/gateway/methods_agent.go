package gateway

import (
	"context"

	"loom/internal/gateway/rpc"
	"loom/internal/orchestrator"
	"loom/internal/storage"
)

// registerAgentMethods wires prompt intake, abort, state queries, and
// out-of-band tool completions.
func registerAgentMethods(reg *rpc.Registry, svc *Services) {
	reg.MustRegister(&rpc.Method{
		Name:             "agent.prompt",
		RequiredParams:   []string{"sessionId", "prompt"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			return svc.Orchestrator.Prompt(ctx,
				call.Params.String("sessionId"),
				call.Params.String("prompt"),
				orchestrator.PromptOptions{
					System:      call.Params.String("system"),
					MaxTokens:   call.Params.Int("maxTokens"),
					Temperature: call.Params.Float("temperature"),
				})
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "agent.abort",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			id := call.Params.String("sessionId")
			aborted, err := svc.Orchestrator.Abort(ctx, id)
			if err != nil {
				return nil, err
			}
			return map[string]any{"sessionId": id, "aborted": aborted}, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "agent.getState",
		RequiredParams:   []string{"sessionId"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			return svc.Orchestrator.GetState(ctx, call.Params.String("sessionId"))
		},
	})

	// tool.result lands completions produced outside the stream pipeline,
	// e.g. client-executed tools. The event is folded into the live buffer
	// when the session is loaded.
	reg.MustRegister(&rpc.Method{
		Name:             "tool.result",
		RequiredParams:   []string{"sessionId", "toolCallId", "content"},
		RequiredManagers: []string{managerOrchestrator},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			content, err := call.Params.Raw("content")
			if err != nil {
				return nil, rpc.Errorf(rpc.CodeInvalidParams, "tool.result: %v", err)
			}
			payload, err := storage.EncodePayload(&storage.ToolResultPayload{
				ToolCallID: call.Params.String("toolCallId"),
				Content:    content,
				IsError:    call.Params.Bool("isError"),
			})
			if err != nil {
				return nil, err
			}
			return svc.Orchestrator.AppendEvent(ctx,
				call.Params.String("sessionId"),
				storage.EventToolResult,
				payload,
				call.Params.String("parentId"))
		},
	})
}
