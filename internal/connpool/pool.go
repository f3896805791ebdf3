// Package connpool owns sockets, grouping them by destination endpoint,
// tracking availability, and issuing the opaque connection ids the
// event loop addresses connections by.
package connpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/sys/unix"

	"github.com/webitel/tcpbus/internal/bufpool"
	"github.com/webitel/tcpbus/internal/endpoint"
)

// ID is an opaque connection id minted by the pool, used by the event
// loop to address a connection without caring about its endpoint.
type ID uint64

// Record is a single connection's bookkeeping: the socket, its
// destination endpoint, ingress accumulation state, at most one
// in-flight outgoing frame, and availability.
type Record struct {
	ID       ID
	Endpoint endpoint.ID
	// Fd is the raw non-blocking socket file descriptor, owned
	// exclusively by the event-loop goroutine that registered it with
	// epoll; no other goroutine performs I/O on it directly.
	Fd int

	// Ingress: the reusable buffer the event loop accumulates a frame
	// into, and how many bytes of it are filled so far.
	IngressBuf    *bufpool.ScopedBuffer
	IngressOffset int

	// Egress: at most one outgoing frame in flight at a time.
	EgressMessage *bufpool.SharedView
	EgressOffset  int

	mu        sync.Mutex
	available bool
	closed    bool
}

// Available reports whether this connection currently has no outgoing
// frame in flight — the only condition under which Select will hand it
// out for a new send.
func (r *Record) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.available
}

// Pool groups connections by destination endpoint and tracks them by
// opaque id. Availability and membership bookkeeping is guarded by a
// single mutex; socket I/O itself is never performed while holding it.
type Pool struct {
	nextID atomic.Uint64

	mu       sync.Mutex
	byID     map[ID]*Record
	byDest   map[endpoint.ID][]*Record
	idleLRU  *lru.Cache[ID, *Record]
	breakers sync.Map // endpoint.ID -> *gobreaker.CircuitBreaker
}

// New returns an empty Pool. idleCapacity bounds the LRU used by
// CloseOldConns to reclaim file descriptors under exhaustion pressure.
func New(idleCapacity int) *Pool {
	cache, _ := lru.New[ID, *Record](idleCapacity)
	return &Pool{
		byID:    make(map[ID]*Record),
		byDest:  make(map[endpoint.ID][]*Record),
		idleLRU: cache,
	}
}

// MakeID mints a fresh, process-unique connection id.
func (p *Pool) MakeID() ID {
	return ID(p.nextID.Add(1))
}

// Add takes ownership of fd under id, associated with dest.
func (p *Pool) Add(fd int, id ID, dest endpoint.ID) *Record {
	rec := &Record{ID: id, Endpoint: dest, Fd: fd}

	p.mu.Lock()
	p.byID[id] = rec
	p.byDest[dest] = append(p.byDest[dest], rec)
	p.mu.Unlock()

	return rec
}

// Select returns an available connection for dest, marking it busy, or
// nil if none is currently available.
func (p *Pool) Select(dest endpoint.ID) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, rec := range p.byDest[dest] {
		rec.mu.Lock()
		if rec.available && !rec.closed {
			rec.available = false
			rec.mu.Unlock()
			p.idleLRU.Remove(rec.ID)
			return rec
		}
		rec.mu.Unlock()
	}
	return nil
}

// SelectByID looks up a connection by its opaque id, used by the event
// loop when dispatching on a readiness event.
func (p *Pool) SelectByID(id ID) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byID[id]
}

// First returns one connection currently registered against dest
// without affecting its availability — used to peek at a transient
// connection's socket (e.g. to read its peer address for a greeting)
// rather than to claim it for a send.
func (p *Pool) First(dest endpoint.ID) *Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.byDest[dest]
	if len(conns) == 0 {
		return nil
	}
	return conns[0]
}

// SetAvailable marks a busy connection idle again, e.g. once a write
// completes. It also becomes a candidate for LRU-based reclamation.
func (p *Pool) SetAvailable(id ID) {
	p.mu.Lock()
	rec := p.byID[id]
	p.mu.Unlock()
	if rec == nil {
		return
	}

	rec.mu.Lock()
	rec.available = true
	rec.mu.Unlock()

	p.idleLRU.Add(id, rec)
}

// Close releases the socket and drops the record. Safe to call more
// than once; later calls are no-ops.
func (p *Pool) Close(id ID) error {
	p.mu.Lock()
	rec, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.byID, id)
	if conns := p.byDest[rec.Endpoint]; len(conns) > 0 {
		p.byDest[rec.Endpoint] = removeRecord(conns, rec)
	}
	p.mu.Unlock()
	p.idleLRU.Remove(id)

	rec.mu.Lock()
	already := rec.closed
	rec.closed = true
	rec.mu.Unlock()
	if already {
		return nil
	}
	return unix.Close(rec.Fd)
}

func removeRecord(conns []*Record, target *Record) []*Record {
	out := conns[:0]
	for _, c := range conns {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// Rebind moves the connection id from its current destination endpoint
// to newDest — used once a transient connection's greeting resolves to
// a stable endpoint id. Traffic addressed to newDest becomes eligible
// to select this connection from that point on.
func (p *Pool) Rebind(id ID, newDest endpoint.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.byID[id]
	if !ok {
		return fmt.Errorf("connpool: unknown connection id %d", id)
	}
	if conns := p.byDest[rec.Endpoint]; len(conns) > 0 {
		p.byDest[rec.Endpoint] = removeRecord(conns, rec)
	}
	rec.Endpoint = newDest
	p.byDest[newDest] = append(p.byDest[newDest], rec)
	return nil
}

// CountConnections returns the number of connections registered for
// dest; callers wanting a total across all endpoints use CountAll.
func (p *Pool) CountConnections(dest endpoint.ID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byDest[dest])
}

// CountAll returns the number of connections across every endpoint,
// used by the admin /stats endpoint.
func (p *Pool) CountAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// CloseOldConns evicts the least-recently-used idle connections, called
// when accept() signals fd-table exhaustion (EMFILE/ENFILE/ENOBUFS/ENOMEM).
// It reclaims up to n file descriptors and returns how many it closed.
func (p *Pool) CloseOldConns(n int) int {
	closed := 0
	for i := 0; i < n; i++ {
		id, _, ok := p.idleLRU.GetOldest()
		if !ok {
			break
		}
		if err := p.Close(id); err == nil {
			closed++
		} else {
			break
		}
	}
	return closed
}

// Breaker returns the circuit breaker gating outbound dial attempts to
// dest, creating it on first use. Each endpoint gets its own breaker so
// one persistently dead peer doesn't throttle dials to healthy ones.
func (p *Pool) Breaker(dest endpoint.ID) *gobreaker.CircuitBreaker {
	if v, ok := p.breakers.Load(dest); ok {
		return v.(*gobreaker.CircuitBreaker)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: fmt.Sprintf("dial-endpoint-%d", dest),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	actual, _ := p.breakers.LoadOrStore(dest, cb)
	return actual.(*gobreaker.CircuitBreaker)
}
