package gateway

import (
	"errors"

	agentctx "loom/internal/context"
	"loom/internal/devices"
	"loom/internal/gateway/rpc"
	"loom/internal/hooks"
	"loom/internal/memory"
	"loom/internal/orchestrator"
	"loom/internal/provider"
	"loom/internal/runner"
	"loom/internal/scheduler"
	"loom/internal/storage"
	"loom/internal/workspace"
)

// codeFor resolves domain errors to wire codes. The dispatcher falls back
// to INTERNAL_ERROR when this returns ""; messages are preserved either
// way.
func codeFor(err error) string {
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return rpc.CodeSessionNotFound

	case errors.Is(err, storage.ErrEventNotFound):
		return rpc.CodeParentNotFound

	case errors.Is(err, storage.ErrSessionHasForks),
		errors.Is(err, runner.ErrPromptBlocked),
		errors.Is(err, runner.ErrCompactionBlocked),
		errors.Is(err, runner.ErrContextExceeded),
		errors.Is(err, agentctx.ErrContextExceeded):
		return rpc.CodeBlocked

	case errors.Is(err, hooks.ErrDuplicateName):
		return rpc.CodeAlreadyExists

	case errors.Is(err, provider.ErrModelNotFound),
		errors.Is(err, runner.ErrInvalidTurn),
		errors.Is(err, memory.ErrEmptyContent),
		errors.Is(err, memory.ErrEntryNotFound),
		errors.Is(err, devices.ErrInvalidDevice),
		errors.Is(err, devices.ErrInvalidVersion),
		errors.Is(err, devices.ErrDeviceNotFound):
		return rpc.CodeInvalidParams

	case errors.Is(err, provider.ErrProviderNotFound),
		errors.Is(err, scheduler.ErrQueueFull),
		errors.Is(err, scheduler.ErrQueueClosed),
		errors.Is(err, orchestrator.ErrShutdown):
		return rpc.CodeNotAvailable

	case errors.Is(err, workspace.ErrNotBound),
		errors.Is(err, workspace.ErrPathEscape),
		errors.Is(err, workspace.ErrReadOnly),
		errors.Is(err, devices.ErrIncompatibleProtocol):
		return rpc.CodePermissionDenied

	case errors.Is(err, workspace.ErrFileNotFound):
		return rpc.CodeFileNotFound

	case errors.Is(err, workspace.ErrFileTooLarge):
		return rpc.CodeFileError
	}
	return ""
}
