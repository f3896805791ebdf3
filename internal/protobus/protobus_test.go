//go:build linux

package protobus

import (
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/webitel/tcpbus/internal/bufpool"
	"github.com/webitel/tcpbus/internal/connpool"
	"github.com/webitel/tcpbus/internal/endpoint"
	"github.com/webitel/tcpbus/internal/events"
	"github.com/webitel/tcpbus/internal/tcpbus"
)

func newTestProtoBus(t *testing.T) (*ProtoBus, uint16) {
	t.Helper()
	mgr := endpoint.NewDefaultManager()
	pool := connpool.New(8)
	bufs := bufpool.New(4096, 64)

	bus, err := tcpbus.New(tcpbus.Config{Port: 0, FixedPoolSize: 1}, pool, bufs, mgr, nil, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	port, err := bus.Port()
	if err != nil {
		t.Fatal(err)
	}

	pb := New(Config{MaxBatch: 1, Timeout: 4 * time.Second}, bus, mgr, nil, nil, port, slog.Default())
	pb.Start()
	t.Cleanup(func() { pb.Close() })

	return pb, port
}

// TestPingPong mirrors spec.md §8's end-to-end ping-pong scenario: one
// bus registers a method-1 handler that echoes its input with a
// suffix, the other sends a request and waits on the returned Future.
func TestPingPong(t *testing.T) {
	serverPB, serverPort := newTestProtoBus(t)
	serverPB.Handle(1, func(from endpoint.ID, data []byte) ([]byte, error) {
		return append(append([]byte{}, data...), []byte(" - mirrored")...), nil
	})

	clientPB, _ := newTestProtoBus(t)

	serverAddr := "127.0.0.1:" + strconv.Itoa(int(serverPort))
	dest := clientPB.manager.Register(serverAddr)

	fut, err := clientPB.Send(dest, 1, []byte("value"))
	if err != nil {
		t.Fatal(err)
	}

	result := fut.Wait()
	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if string(result.Data) != "value - mirrored" {
		t.Fatalf("got %q, want %q", result.Data, "value - mirrored")
	}
}

// TestTimeoutNoResponse checks a request to a peer that accepts the
// connection but never replies resolves with ErrTimeout instead of
// hanging forever, per spec.md §8's "Timeout before response" scenario.
func TestTimeoutNoResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Accept and hold the connection open, reading nothing back.
		<-done
	}()

	clientPB, _ := newTestProtoBus(t)
	clientPB.cfg.Timeout = 300 * time.Millisecond

	dest := clientPB.manager.Register(ln.Addr().String())

	fut, err := clientPB.Send(dest, 99, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}

	result := fut.Wait()
	if result.Err != ErrTimeout {
		t.Fatalf("got err %v, want ErrTimeout", result.Err)
	}
}

// TestTimeoutPublishesEvent checks an expired request fires
// request.timeout through the injected Dispatcher.
func TestTimeoutPublishesEvent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-done
	}()

	mgr := endpoint.NewDefaultManager()
	pool := connpool.New(8)
	bufs := bufpool.New(4096, 64)

	dispatch, err := events.NewDispatcher(nil, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	ch, cancel := dispatch.Subscribe(8)
	defer cancel()

	bus, err := tcpbus.New(tcpbus.Config{Port: 0, FixedPoolSize: 1}, pool, bufs, mgr, nil, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	port, err := bus.Port()
	if err != nil {
		t.Fatal(err)
	}
	pb := New(Config{MaxBatch: 1, Timeout: 200 * time.Millisecond}, bus, mgr, dispatch, nil, port, slog.Default())
	pb.Start()
	t.Cleanup(func() { pb.Close() })

	dest := mgr.Register(ln.Addr().String())
	if _, err := pb.Send(dest, 99, []byte("x")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.Kind != events.KindRequestTimeout {
			t.Fatalf("got kind %v, want %v", ev.Kind, events.KindRequestTimeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request.timeout event")
	}
}
