package devices

import "errors"

// Sentinel errors for the devices package.
var (
	// ErrDeviceNotFound is returned when unregistering an unknown device.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidDevice is returned when a registration is missing its
	// device ID or push token.
	ErrInvalidDevice = errors.New("invalid device registration")

	// ErrInvalidVersion is returned when a client identifies with a
	// protocol version that does not parse as semver.
	ErrInvalidVersion = errors.New("invalid protocol version")

	// ErrIncompatibleProtocol is returned when a client's protocol
	// version falls outside the server's supported range.
	ErrIncompatibleProtocol = errors.New("incompatible protocol version")
)
