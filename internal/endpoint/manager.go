// Package endpoint is the external collaborator spec.md treats as
// injected: given an endpoint id it resolves a network address, and
// given an accepted connection it yields an id. Its internals are not
// specified; this package supplies a default in-memory implementation
// grounded on the teacher's sync.Map identity registry
// (internal/domain/registry.Hub in the teacher repo).
package endpoint

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// ID identifies a logical peer. Stable ids are assigned by Register
// from an (addr, port) pair; transient ids are assigned by Accept to
// not-yet-greeted connections and never collide with a stable id.
type ID int64

// transientBit marks bit 62 of an ID (the highest bit below the sign
// bit) as belonging to the
// transient range, keeping the two ranges disjoint without requiring
// coordination between the stable-id allocator and the accept path.
const transientBit = ID(1) << 62

// Manager maps endpoint ids to addresses and back. TcpBus and ProtoBus
// depend only on this interface; its concrete implementation (service
// discovery, DNS, a config file) is out of this core's scope.
type Manager interface {
	// Resolve returns the dial address for a stable endpoint id.
	Resolve(id ID) (addr string, err error)
	// Register assigns (or returns the existing) stable id for addr.
	Register(addr string) ID
	// NewTransient allocates a fresh transient id for an accepted
	// connection, before its greeting identifies the real peer.
	NewTransient() ID
	// Rebind associates a transient id with the stable id resolved
	// from the peer's greeting (remoteAddr, announced port), or with a
	// forced endpoint id. Returns the id traffic should now route
	// under, and whether it is still transient (in which case the
	// caller must close the connection per spec.md's rebind-race rule).
	Rebind(transient ID, remoteAddr string, announcedPort uint16, forced *ID) (resolved ID, stillTransient bool)
	// Transient reports whether id belongs to the not-yet-identified
	// range. A transient endpoint must never be exposed to user-level
	// Send.
	Transient(id ID) bool
}

// DefaultManager is a process-local Manager: stable ids are minted on
// first Register of an address, stored both ways in a sync.Map so
// lookups in either direction never contend a single mutex.
type DefaultManager struct {
	byAddr sync.Map // string -> ID
	byID   sync.Map // ID -> string

	nextStable    atomic.Int64
	nextTransient atomic.Int64
}

var _ Manager = (*DefaultManager)(nil)

// NewDefaultManager returns a ready DefaultManager.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{}
}

func (m *DefaultManager) Resolve(id ID) (string, error) {
	if m.Transient(id) {
		return "", fmt.Errorf("endpoint: %d is a transient endpoint, not yet resolvable", id)
	}
	v, ok := m.byID.Load(id)
	if !ok {
		return "", fmt.Errorf("endpoint: unknown endpoint id %d", id)
	}
	return v.(string), nil
}

func (m *DefaultManager) Register(addr string) ID {
	if v, ok := m.byAddr.Load(addr); ok {
		return v.(ID)
	}
	id := ID(m.nextStable.Add(1))
	actual, loaded := m.byAddr.LoadOrStore(addr, id)
	if loaded {
		return actual.(ID)
	}
	m.byID.Store(id, addr)
	return id
}

func (m *DefaultManager) NewTransient() ID {
	return transientBit | ID(m.nextTransient.Add(1))
}

func (m *DefaultManager) Rebind(transient ID, remoteAddr string, announcedPort uint16, forced *ID) (ID, bool) {
	if forced != nil {
		return *forced, m.Transient(*forced)
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr := fmt.Sprintf("%s:%d", host, announcedPort)
	id := m.Register(addr)
	return id, m.Transient(id)
}

func (m *DefaultManager) Transient(id ID) bool {
	return id&transientBit != 0
}
