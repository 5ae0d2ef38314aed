package gateway

import (
	"context"

	"loom/internal/gateway/rpc"
)

// registerFileMethods wires workspace-confined file access. Paths are
// relative to the session's binding; escapes answer PERMISSION_DENIED.
func registerFileMethods(reg *rpc.Registry, svc *Services) {
	reg.MustRegister(&rpc.Method{
		Name:             "file.read",
		RequiredParams:   []string{"sessionId", "path"},
		RequiredManagers: []string{managerWorkspace},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			return svc.Workspace.ReadFile(
				call.Params.String("sessionId"),
				call.Params.String("path"))
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "filesystem.createDir",
		RequiredParams:   []string{"sessionId", "path"},
		RequiredManagers: []string{managerWorkspace},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			path := call.Params.String("path")
			if err := svc.Workspace.CreateDir(call.Params.String("sessionId"), path); err != nil {
				return nil, err
			}
			return map[string]any{"path": path, "created": true}, nil
		},
	})
}
