// Package devices tracks push-notification targets and identified RPC
// clients. Both registries are in-memory: device registrations are
// re-established by clients on reconnect, and client records live only
// as long as their connection.
package devices

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Device is one registered push-notification target.
type Device struct {
	DeviceID     string    `json:"deviceId"`
	Platform     string    `json:"platform"`
	Token        string    `json:"token"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Registry holds registered devices. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Register adds or replaces a device registration. Re-registering an
// existing device updates its platform and token in place.
func (r *Registry) Register(deviceID, platform, token string) (*Device, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrInvalidDevice)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidDevice)
	}

	d := &Device{
		DeviceID:     deviceID,
		Platform:     platform,
		Token:        token,
		RegisteredAt: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.devices[deviceID]; ok {
		d.RegisteredAt = prev.RegisteredAt
	}
	r.devices[deviceID] = d
	return d, nil
}

// Unregister removes a device registration.
func (r *Registry) Unregister(deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[deviceID]; !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	delete(r.devices, deviceID)
	return nil
}

// Get returns a device by ID.
func (r *Registry) Get(deviceID string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	return d, ok
}

// List returns all registered devices sorted by device ID.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
