package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, hc *Context) (*Result, error) {
	return Continue(), nil
}

func TestRegisterOrdersByPriority(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Registration{Name: "low", Type: Notification, Priority: 1, Handler: noopHandler}))
	require.NoError(t, r.Register(&Registration{Name: "high", Type: Notification, Priority: 10, Handler: noopHandler}))
	require.NoError(t, r.Register(&Registration{Name: "mid", Type: Notification, Priority: 5, Handler: noopHandler}))

	regs := r.HandlersFor(Notification)
	require.Len(t, regs, 3)
	assert.Equal(t, "high", regs[0].Name)
	assert.Equal(t, "mid", regs[1].Name)
	assert.Equal(t, "low", regs[2].Name)
}

func TestRegisterStableOnEqualPriority(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Registration{Name: "first", Type: Stop, Handler: noopHandler}))
	require.NoError(t, r.Register(&Registration{Name: "second", Type: Stop, Handler: noopHandler}))

	regs := r.HandlersFor(Stop)
	require.Len(t, regs, 2)
	assert.Equal(t, "first", regs[0].Name)
	assert.Equal(t, "second", regs[1].Name)
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Registration{Name: "audit", Type: PostToolUse, Handler: noopHandler}))

	err := r.Register(&Registration{Name: "audit", Type: PostToolUse, Handler: noopHandler})
	assert.ErrorIs(t, err, ErrDuplicateName)

	// Same name under another type is fine.
	assert.NoError(t, r.Register(&Registration{Name: "audit", Type: PreToolUse, Handler: noopHandler}))
}

func TestRegisterRejectsInvalidType(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Registration{Name: "x", Type: Type("AfterLunch"), Handler: noopHandler})
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestRegisterForcesBlockingTypes(t *testing.T) {
	r := NewRegistry()
	for _, typ := range []Type{PreToolUse, UserPromptSubmit, PreCompact} {
		reg := &Registration{Name: "bg-" + string(typ), Type: typ, Mode: ModeBackground, Handler: noopHandler}
		require.NoError(t, r.Register(reg))
		assert.Equal(t, ModeBlocking, reg.Mode, "type %s must force blocking", typ)
	}

	observer := &Registration{Name: "bg", Type: PostToolUse, Mode: ModeBackground, Handler: noopHandler}
	require.NoError(t, r.Register(observer))
	assert.Equal(t, ModeBackground, observer.Mode)
}

func TestRegisterDefaultsToBlocking(t *testing.T) {
	r := NewRegistry()
	reg := &Registration{Name: "plain", Type: Notification, Handler: noopHandler}
	require.NoError(t, r.Register(reg))
	assert.Equal(t, ModeBlocking, reg.Mode)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Registration{Name: "a", Type: Stop, Handler: noopHandler}))

	require.NoError(t, r.Unregister(Stop, "a"))
	assert.False(t, r.HasHandlers(Stop))

	err := r.Unregister(Stop, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountAndClear(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Registration{Name: "a", Type: Stop, Handler: noopHandler}))
	require.NoError(t, r.Register(&Registration{Name: "b", Type: SessionStart, Handler: noopHandler}))
	assert.Equal(t, 2, r.Count())

	r.Clear()
	assert.Equal(t, 0, r.Count())
	assert.Nil(t, r.HandlersFor(Stop))
}
