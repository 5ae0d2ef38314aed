package devices

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Client is one identified RPC connection.
type Client struct {
	ConnectionID    string    `json:"connectionId"`
	ClientName      string    `json:"clientName"`
	ProtocolVersion string    `json:"protocolVersion"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	IdentifiedAt    time.Time `json:"identifiedAt"`
}

// ClientRegistry tracks identified connections and enforces the protocol
// compatibility range. Safe for concurrent use.
type ClientRegistry struct {
	mu         sync.RWMutex
	constraint *semver.Constraints
	clients    map[string]*Client
}

// NewClientRegistry builds a registry enforcing the given semver range,
// e.g. ">=1.0.0 <2.0.0". An empty range accepts any parseable version.
func NewClientRegistry(protocolRange string) (*ClientRegistry, error) {
	r := &ClientRegistry{clients: make(map[string]*Client)}
	if protocolRange != "" {
		c, err := semver.NewConstraint(protocolRange)
		if err != nil {
			return nil, fmt.Errorf("parse protocol range %q: %w", protocolRange, err)
		}
		r.constraint = c
	}
	return r, nil
}

// Identify records a connection's client metadata after checking its
// protocol version against the supported range. Re-identifying a
// connection replaces its record.
func (r *ClientRegistry) Identify(connectionID, name, protocolVersion string, capabilities []string) (*Client, error) {
	v, err := semver.NewVersion(protocolVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, protocolVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.constraint != nil && !r.constraint.Check(v) {
		return nil, fmt.Errorf("%w: client %s speaks %s, server requires %s",
			ErrIncompatibleProtocol, name, protocolVersion, r.constraint.String())
	}

	c := &Client{
		ConnectionID:    connectionID,
		ClientName:      name,
		ProtocolVersion: protocolVersion,
		Capabilities:    capabilities,
		IdentifiedAt:    time.Now(),
	}
	r.clients[connectionID] = c
	return c, nil
}

// Drop removes a connection's record. Called when the connection closes;
// dropping an unknown connection is a no-op.
func (r *ClientRegistry) Drop(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, connectionID)
}

// Get returns an identified client by connection ID.
func (r *ClientRegistry) Get(connectionID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connectionID]
	return c, ok
}

// List returns all identified clients sorted by connection ID.
func (r *ClientRegistry) List() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// Len returns the number of identified clients.
func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
