//go:build linux

package tcpbus

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/webitel/tcpbus/internal/bufpool"
	"github.com/webitel/tcpbus/internal/connpool"
	"github.com/webitel/tcpbus/internal/endpoint"
	"github.com/webitel/tcpbus/internal/events"
)

func newTestBus(t *testing.T) (*Bus, *endpoint.DefaultManager) {
	t.Helper()
	mgr := endpoint.NewDefaultManager()
	pool := connpool.New(8)
	bufs := bufpool.New(4096, 64)

	b, err := New(Config{Port: 0, FixedPoolSize: 1}, pool, bufs, mgr, nil, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })

	go b.Run()
	return b, mgr
}

// TestAcceptAndDeliverFrame dials the bus from a plain net.Conn client,
// writes one framed message, and checks the installed handler observes
// it with the header stripped.
func TestAcceptAndDeliverFrame(t *testing.T) {
	b, mgr := newTestBus(t)

	var mu sync.Mutex
	var got []byte
	delivered := make(chan struct{}, 1)

	b.SetHandler(func(from endpoint.ID, view *bufpool.SharedView) {
		mu.Lock()
		got = append([]byte(nil), view.Bytes()...)
		mu.Unlock()
		if !mgr.Transient(from) {
			t.Errorf("expected the pre-greeting sender to be transient, got %d", from)
		}
		delivered <- struct{}{}
	})

	port, err := b.Port()
	if err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload := []byte("hello bus")
	header := make([]byte, headerLen)
	writeHeader(len(payload), header)
	if _, err := conn.Write(append(header, payload...)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got) != "hello bus" {
		t.Fatalf("got %q, want %q", got, "hello bus")
	}
}

// TestSendToTransientEndpointRejected verifies the rebind-race
// invariant: Send must refuse a destination that is still transient.
func TestSendToTransientEndpointRejected(t *testing.T) {
	b, mgr := newTestBus(t)
	transient := mgr.NewTransient()

	view := bufpool.NewSharedView([]byte("x"))
	if b.Send(transient, view) {
		t.Fatal("expected Send to a transient endpoint to fail")
	}
}

// TestSendRoundTrip registers a stable endpoint pointing at a plain TCP
// echo-less listener, and checks Send successfully reaches it once the
// bus dials out and the peer accepts.
func TestSendRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		header := make([]byte, headerLen)
		if _, err := readFull(conn, header); err != nil {
			return
		}
		n := readHeader(header)
		payload := make([]byte, n)
		if _, err := readFull(conn, payload); err != nil {
			return
		}
		received <- payload
	}()

	b, mgr := newTestBus(t)
	dest := mgr.Register(ln.Addr().String())

	view := bufpool.NewSharedView([]byte("outbound"))
	if !b.Send(dest, view) {
		t.Fatal("expected Send to succeed")
	}

	select {
	case payload := <-received:
		if string(payload) != "outbound" {
			t.Fatalf("got %q, want %q", payload, "outbound")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the dialed connection to deliver its payload")
	}
}

// TestSendRejectsOversizedPayload checks the large-payload rejection
// decision (spec.md §5): Send refuses a view larger than MaxMessageSize
// and releases it rather than queuing it for delivery.
func TestSendRejectsOversizedPayload(t *testing.T) {
	mgr := endpoint.NewDefaultManager()
	pool := connpool.New(8)
	bufs := bufpool.New(4096, 64)

	b, err := New(Config{Port: 0, FixedPoolSize: 1, MaxMessageSize: 4}, pool, bufs, mgr, nil, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	go b.Run()

	dest := mgr.Register("127.0.0.1:1")
	view := bufpool.NewSharedView([]byte("too long"))
	if b.Send(dest, view) {
		t.Fatal("expected Send to reject a payload larger than MaxMessageSize")
	}
}

// TestIngressOversizedFrameClosesConnection checks that a peer claiming
// a frame larger than MaxMessageSize in its header gets its connection
// closed rather than having the ingress buffer grown unboundedly.
func TestIngressOversizedFrameClosesConnection(t *testing.T) {
	mgr := endpoint.NewDefaultManager()
	pool := connpool.New(8)
	bufs := bufpool.New(4096, 64)

	b, err := New(Config{Port: 0, FixedPoolSize: 1, MaxMessageSize: 8}, pool, bufs, mgr, nil, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	go b.Run()

	port, err := b.Port()
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	header := make([]byte, headerLen)
	writeHeader(1<<20, header)
	if _, err := conn.Write(header); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the connection to be closed for an oversized frame")
	}
}

// TestLifecycleEventsPublishAcceptAndClose checks that accepting and
// later closing a connection fires connection.opened/connection.closed
// through the injected Dispatcher.
func TestLifecycleEventsPublishAcceptAndClose(t *testing.T) {
	mgr := endpoint.NewDefaultManager()
	pool := connpool.New(8)
	bufs := bufpool.New(4096, 64)

	dispatch, err := events.NewDispatcher(nil, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	ch, cancel := dispatch.Subscribe(8)
	defer cancel()

	b, err := New(Config{Port: 0, FixedPoolSize: 1}, pool, bufs, mgr, dispatch, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	go b.Run()

	port, err := b.Port()
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(int(port)))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.KindConnectionOpened {
			t.Fatalf("got kind %v, want %v", ev.Kind, events.KindConnectionOpened)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection.opened")
	}

	conn.Close()

	select {
	case ev := <-ch:
		if ev.Kind != events.KindConnectionClosed {
			t.Fatalf("got kind %v, want %v", ev.Kind, events.KindConnectionClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection.closed")
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
