package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/hooks"
)

func TestCompactionHandoffHook(t *testing.T) {
	store := newTestStore(t)
	registry := hooks.NewRegistry()
	require.NoError(t, RegisterHandoffHooks(registry, store))
	engine := hooks.NewEngine(registry)

	out := engine.RunPreCompact(context.Background(), "sess-1", &hooks.CompactContext{
		TokensBefore:    9000,
		TokensAfter:     3000,
		MessagesRemoved: 12,
	})
	require.False(t, out.Blocked, "handoff capture must never block compaction")

	got, err := store.GetHandoffs(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "12 messages")
	assert.Equal(t, "compaction", got[0].Source)
}

func TestSessionEndHandoffHook(t *testing.T) {
	store := newTestStore(t)
	registry := hooks.NewRegistry()
	require.NoError(t, RegisterHandoffHooks(registry, store))
	engine := hooks.NewEngine(registry)

	engine.RunStop(context.Background(), "sess-2")

	// The stop handler runs in the background; wait for it to land.
	require.Eventually(t, func() bool {
		got, err := store.GetHandoffs(context.Background(), "sess-2")
		return err == nil && len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.Wait(ctx))
}
