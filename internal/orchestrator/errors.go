package orchestrator

import "errors"

// ErrShutdown rejects operations after Shutdown has begun.
var ErrShutdown = errors.New("orchestrator shutting down")
