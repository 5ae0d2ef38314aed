package devices

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndUnregister(t *testing.T) {
	r := NewRegistry()

	d, err := r.Register("dev-1", "ios", "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", d.DeviceID)
	assert.Equal(t, "ios", d.Platform)
	assert.False(t, d.RegisteredAt.IsZero())
	assert.Equal(t, 1, r.Len())

	require.NoError(t, r.Unregister("dev-1"))
	assert.Equal(t, 0, r.Len())
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register("", "ios", "tok")
	assert.ErrorIs(t, err, ErrInvalidDevice)

	_, err = r.Register("dev-1", "ios", "")
	assert.ErrorIs(t, err, ErrInvalidDevice)
}

func TestReRegisterUpdatesToken(t *testing.T) {
	r := NewRegistry()

	first, err := r.Register("dev-1", "ios", "tok-old")
	require.NoError(t, err)

	second, err := r.Register("dev-1", "android", "tok-new")
	require.NoError(t, err)

	assert.Equal(t, "tok-new", second.Token)
	assert.Equal(t, "android", second.Platform)
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, 1, r.Len())
}

func TestUnregisterUnknownDevice(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Unregister("nope"), ErrDeviceNotFound)
}

func TestListSortedByID(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Register(id, "ios", "tok")
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].DeviceID)
	assert.Equal(t, "mid", list[1].DeviceID)
	assert.Equal(t, "zeta", list[2].DeviceID)
}
