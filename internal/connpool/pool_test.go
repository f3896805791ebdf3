package connpool

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/webitel/tcpbus/internal/endpoint"
)

// newTestFd returns one end of a connected socketpair; the other end is
// closed on test cleanup so the pair doesn't leak descriptors.
func newTestFd(t *testing.T) int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return fds[0]
}

func TestSelectOnlyReturnsAvailable(t *testing.T) {
	p := New(8)
	dest := endpoint.ID(1)

	id := p.MakeID()
	p.Add(newTestFd(t), id, dest)
	p.SetAvailable(id)

	if rec := p.Select(dest); rec == nil {
		t.Fatal("expected a connection marked available to be selectable")
	} else if got := p.Select(dest); got != nil {
		t.Fatal("expected no second available connection while the first is busy")
	} else {
		p.SetAvailable(rec.ID)
		if p.Select(dest) == nil {
			t.Fatal("expected connection to be selectable again after SetAvailable")
		}
	}
}

func TestCountConnectionsPerEndpoint(t *testing.T) {
	p := New(8)
	dest := endpoint.ID(2)

	for i := 0; i < 3; i++ {
		p.Add(newTestFd(t), p.MakeID(), dest)
	}
	if n := p.CountConnections(dest); n != 3 {
		t.Fatalf("expected 3 connections, got %d", n)
	}
	if n := p.CountConnections(endpoint.ID(999)); n != 0 {
		t.Fatalf("expected 0 connections for unused endpoint, got %d", n)
	}
}

func TestCloseRemovesRecord(t *testing.T) {
	p := New(8)
	dest := endpoint.ID(3)
	id := p.MakeID()
	p.Add(newTestFd(t), id, dest)

	if err := p.Close(id); err != nil {
		t.Fatal(err)
	}
	if p.SelectByID(id) != nil {
		t.Fatal("expected record to be gone after Close")
	}
	if n := p.CountConnections(dest); n != 0 {
		t.Fatalf("expected endpoint's connection list to shrink, got %d", n)
	}
	// double-close must be a no-op, not a panic.
	if err := p.Close(id); err != nil {
		t.Fatalf("expected idempotent Close, got %v", err)
	}
}

func TestCloseOldConnsEvictsLRU(t *testing.T) {
	p := New(8)
	dest := endpoint.ID(4)

	var ids []ID
	for i := 0; i < 3; i++ {
		id := p.MakeID()
		p.Add(newTestFd(t), id, dest)
		p.SetAvailable(id)
		ids = append(ids, id)
	}

	closed := p.CloseOldConns(2)
	if closed != 2 {
		t.Fatalf("expected to close 2 idle conns, closed %d", closed)
	}
	// the two least-recently-marked-available should be gone; the most
	// recent survives.
	if p.SelectByID(ids[2]) == nil {
		t.Fatal("expected most-recently-available connection to survive eviction")
	}
	if n := p.CountConnections(dest); n != 1 {
		t.Fatalf("expected 1 connection left, got %d", n)
	}
}

func TestBreakerIsPerEndpoint(t *testing.T) {
	p := New(8)
	a := p.Breaker(endpoint.ID(1))
	b := p.Breaker(endpoint.ID(1))
	c := p.Breaker(endpoint.ID(2))

	if a != b {
		t.Fatal("expected the same breaker instance for repeated lookups of one endpoint")
	}
	if a == c {
		t.Fatal("expected distinct breakers for distinct endpoints")
	}
}
