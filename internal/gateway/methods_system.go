package gateway

import (
	"context"
	"runtime"
	"time"

	"loom/internal/gateway/rpc"
)

// registerSystemMethods wires introspection plus the device and client
// registries.
func registerSystemMethods(reg *rpc.Registry, svc *Services) {
	reg.MustRegister(&rpc.Method{
		Name: "system.ping",
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			return map[string]any{"pong": true, "time": time.Now().UTC()}, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name: "system.getInfo",
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			info := map[string]any{
				"name":      svc.Build.Name,
				"version":   svc.Build.Version,
				"commit":    svc.Build.Commit,
				"buildTime": svc.Build.BuildTime,
				"goVersion": runtime.Version(),
				"protocol":  svc.ProtocolRange,
			}
			if svc.Orchestrator != nil {
				info["activeSessions"] = svc.Orchestrator.ActiveCount()
			}
			if svc.Hub != nil {
				info["connections"] = svc.Hub.ConnCount()
			}
			if svc.Clients != nil {
				info["identifiedClients"] = svc.Clients.Len()
			}
			return info, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "device.register",
		RequiredParams:   []string{"deviceId", "platform", "token"},
		RequiredManagers: []string{managerDevices},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			return svc.Devices.Register(
				call.Params.String("deviceId"),
				call.Params.String("platform"),
				call.Params.String("token"))
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "device.unregister",
		RequiredParams:   []string{"deviceId"},
		RequiredManagers: []string{managerDevices},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			id := call.Params.String("deviceId")
			if err := svc.Devices.Unregister(id); err != nil {
				return nil, err
			}
			return map[string]any{"deviceId": id, "removed": true}, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "client.identify",
		RequiredParams:   []string{"clientName", "protocolVersion"},
		RequiredManagers: []string{managerClients},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			client, err := svc.Clients.Identify(
				call.ConnectionID,
				call.Params.String("clientName"),
				call.Params.String("protocolVersion"),
				call.Params.StringSlice("capabilities"))
			if err != nil {
				return nil, err
			}
			// An explicit session list narrows this connection's event feed;
			// omitting it keeps the default of all sessions.
			if svc.Hub != nil && call.Params.Has("sessions") {
				svc.Hub.SetFilter(call.ConnectionID, call.Params.StringSlice("sessions"))
			}
			return map[string]any{
				"client":   client,
				"server":   svc.Build.Name,
				"version":  svc.Build.Version,
				"protocol": svc.ProtocolRange,
			}, nil
		},
	})

	reg.MustRegister(&rpc.Method{
		Name:             "client.list",
		RequiredManagers: []string{managerClients},
		Handler: func(ctx context.Context, call *rpc.Call) (any, error) {
			clients := svc.Clients.List()
			return map[string]any{"clients": clients, "count": len(clients)}, nil
		},
	})
}
