// Package provider defines the model provider interface, the chunk stream
// contract, and the provider registry.
package provider

import "context"

// Provider streams model completions. Implementations must close the
// returned channel after emitting a done or error chunk, and must stop
// emitting promptly once ctx is cancelled.
type Provider interface {
	// Name returns the provider name, e.g. "anthropic".
	Name() string

	// Models returns the models this provider serves.
	Models() []ModelInfo

	// Stream starts one completion call and returns the chunk stream.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}
