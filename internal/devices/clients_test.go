package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifyWithinRange(t *testing.T) {
	r, err := NewClientRegistry(">=1.0.0 <2.0.0")
	require.NoError(t, err)

	c, err := r.Identify("conn-1", "tui", "1.3.0", []string{"streaming"})
	require.NoError(t, err)
	assert.Equal(t, "tui", c.ClientName)
	assert.Equal(t, "1.3.0", c.ProtocolVersion)
	assert.Equal(t, []string{"streaming"}, c.Capabilities)

	got, ok := r.Get("conn-1")
	require.True(t, ok)
	assert.Equal(t, c, got)
}

func TestIdentifyRejectsOutOfRange(t *testing.T) {
	r, err := NewClientRegistry(">=1.0.0 <2.0.0")
	require.NoError(t, err)

	_, err = r.Identify("conn-1", "tui", "2.1.0", nil)
	assert.ErrorIs(t, err, ErrIncompatibleProtocol)

	_, ok := r.Get("conn-1")
	assert.False(t, ok, "rejected client must not be recorded")
}

func TestIdentifyRejectsMalformedVersion(t *testing.T) {
	r, err := NewClientRegistry(">=1.0.0")
	require.NoError(t, err)

	_, err = r.Identify("conn-1", "tui", "not-a-version", nil)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestEmptyRangeAcceptsAnyVersion(t *testing.T) {
	r, err := NewClientRegistry("")
	require.NoError(t, err)

	_, err = r.Identify("conn-1", "web", "0.0.1", nil)
	assert.NoError(t, err)
}

func TestBadRangeFailsConstruction(t *testing.T) {
	_, err := NewClientRegistry(">>nope")
	assert.Error(t, err)
}

func TestDropRemovesClient(t *testing.T) {
	r, err := NewClientRegistry("")
	require.NoError(t, err)

	_, err = r.Identify("conn-1", "tui", "1.0.0", nil)
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	r.Drop("conn-1")
	assert.Equal(t, 0, r.Len())

	// Dropping again is harmless.
	r.Drop("conn-1")
}

func TestListSortedByConnection(t *testing.T) {
	r, err := NewClientRegistry("")
	require.NoError(t, err)

	for _, id := range []string{"c", "a", "b"} {
		_, err := r.Identify(id, "tui", "1.0.0", nil)
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ConnectionID)
	assert.Equal(t, "b", list[1].ConnectionID)
	assert.Equal(t, "c", list[2].ConnectionID)
}
