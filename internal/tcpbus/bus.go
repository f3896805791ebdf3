//go:build linux

// Package tcpbus implements the readiness-driven event loop: a single
// goroutine multiplexes every connection through one epoll instance,
// accepting inbound sockets, dialing outbound fan-out, framing and
// deframing payloads, and invoking the user handler.
package tcpbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sys/unix"

	"github.com/webitel/tcpbus/internal/bufpool"
	"github.com/webitel/tcpbus/internal/connpool"
	"github.com/webitel/tcpbus/internal/endpoint"
	"github.com/webitel/tcpbus/internal/events"
)

// Bus is the public handle; its state is private, following the
// opaque-pointer-concealment convention of spec.md §9 (here: unexported
// fields on the concrete handle, not virtual dispatch).
type Bus struct {
	cfg Config

	epollFd  int
	listenFd int
	listenID connpool.ID
	stopFd   int
	eventBuf []unix.EpollEvent

	pool    *connpool.Pool
	bufs    *bufpool.Pool
	manager endpoint.Manager
	logger  *slog.Logger

	dispatch    events.Dispatcher
	connCounter metric.Int64UpDownCounter

	handler   Handler
	greeter   Greeter
	throttler AcceptThrottler

	pendingMu sync.Mutex
	pending   map[endpoint.ID][]*bufpool.SharedView

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Bus bound to port cfg.Port and arms epoll, but does not
// start the loop — call Run in its own goroutine, as ProtoBus.Start
// does. dispatch and meter are both optional
// (nil-safe): a nil dispatch means lifecycle events are never reported,
// a nil meter means the active-connection gauge is never recorded.
func New(cfg Config, pool *connpool.Pool, bufs *bufpool.Pool, manager endpoint.Manager, dispatch events.Dispatcher, meter metric.Meter, logger *slog.Logger) (*Bus, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	var connCounter metric.Int64UpDownCounter
	if meter != nil {
		c, err := meter.Int64UpDownCounter("tcpbus_active_connections")
		if err != nil {
			return nil, fmt.Errorf("tcpbus: build connection counter: %w", err)
		}
		connCounter = c
	}

	listenFd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("tcpbus: socket: %w", err)
	}
	_ = unix.SetsockoptInt(listenFd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	// Accept both v4 and v6 callers on one socket, matching the
	// original's sin6_addr = in6addr_any binding.
	_ = unix.SetsockoptInt(listenFd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)

	addr := &unix.SockaddrInet6{Port: int(cfg.Port)}
	if err := unix.Bind(listenFd, addr); err != nil {
		unix.Close(listenFd)
		return nil, fmt.Errorf("tcpbus: bind: %w", err)
	}
	// spec.md §9's open question: the original arms epoll on a socket
	// that was never passed to listen(). A conventional accept-ready
	// listening socket requires this call; we make it.
	if err := unix.Listen(listenFd, 1024); err != nil {
		unix.Close(listenFd)
		return nil, fmt.Errorf("tcpbus: listen: %w", err)
	}

	epollFd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(listenFd)
		return nil, fmt.Errorf("tcpbus: epoll_create1: %w", err)
	}

	b := &Bus{
		cfg:         cfg,
		epollFd:     epollFd,
		listenFd:    listenFd,
		pool:        pool,
		bufs:        bufs,
		manager:     manager,
		logger:      logger,
		dispatch:    dispatch,
		connCounter: connCounter,
		pending:     make(map[endpoint.ID][]*bufpool.SharedView),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	b.listenID = pool.MakeID()
	fd, pad := idToEventData(b.listenID)
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, listenFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     fd,
		Pad:    pad,
	}); err != nil {
		unix.Close(listenFd)
		unix.Close(epollFd)
		return nil, fmt.Errorf("tcpbus: epoll_ctl listen: %w", err)
	}

	// A dedicated eventfd is the only way to unblock an indefinite
	// epoll_wait from Close: connpool.ID 0 is never minted by MakeID
	// (it starts counting from 1), so it's free to reserve as the stop
	// signal's event-data tag.
	stopFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(listenFd)
		unix.Close(epollFd)
		return nil, fmt.Errorf("tcpbus: eventfd: %w", err)
	}
	if err := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, stopFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
	}); err != nil {
		unix.Close(listenFd)
		unix.Close(epollFd)
		unix.Close(stopFd)
		return nil, fmt.Errorf("tcpbus: epoll_ctl stopfd: %w", err)
	}
	b.stopFd = stopFd
	b.eventBuf = make([]unix.EpollEvent, 16)

	return b, nil
}

// SetHandler installs the frame handler. Must be called before Run.
func (b *Bus) SetHandler(h Handler) { b.handler = h }

// SetGreeter installs the greeting producer used on newly dialed
// outbound connections. Optional.
func (b *Bus) SetGreeter(g Greeter) { b.greeter = g }

// SetThrottler installs an optional accept-path throttle.
func (b *Bus) SetThrottler(t AcceptThrottler) { b.throttler = t }

// Port returns the bound listening port — useful when Config.Port was
// 0 and the kernel picked an ephemeral one, e.g. in tests.
func (b *Bus) Port() (uint16, error) {
	sa, err := unix.Getsockname(b.listenFd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet6:
		return uint16(a.Port), nil
	case *unix.SockaddrInet4:
		return uint16(a.Port), nil
	default:
		return 0, fmt.Errorf("tcpbus: unexpected sockaddr type %T", sa)
	}
}

// PeerAddr returns the remote address of a connection registered under
// dest, used by ProtoBus to combine a greeting's announced port with
// the socket's actual peer IP.
func (b *Bus) PeerAddr(dest endpoint.ID) (string, error) {
	rec := b.pool.First(dest)
	if rec == nil {
		return "", fmt.Errorf("tcpbus: no connection registered for endpoint %d", dest)
	}
	sa, err := unix.Getpeername(rec.Fd)
	if err != nil {
		return "", err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]), a.Port), nil
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]), a.Port), nil
	default:
		return "", fmt.Errorf("tcpbus: unexpected sockaddr type %T", sa)
	}
}

// RebindEndpoint moves the connection currently registered under
// transient to resolved, so future sends to resolved can select it and
// future inbound frames from it are attributed to resolved. Called by
// ProtoBus once a greeting resolves.
func (b *Bus) RebindEndpoint(transient, resolved endpoint.ID) error {
	rec := b.pool.First(transient)
	if rec == nil {
		return fmt.Errorf("tcpbus: no connection registered for transient endpoint %d", transient)
	}
	if err := b.pool.Rebind(rec.ID, resolved); err != nil {
		return err
	}
	b.publishEvent(events.KindHandshakeRebind, resolved, fmt.Sprintf("transient %d", transient))
	return nil
}

// publishEvent reports a lifecycle event to dispatch off the event-loop
// goroutine, so a slow or blocking sink (an AMQP publish stalled on the
// network) can never stall I/O. A nil dispatch is a no-op.
func (b *Bus) publishEvent(kind events.Kind, ep endpoint.ID, detail string) {
	if b.dispatch == nil {
		return
	}
	go func() {
		if err := b.dispatch.Publish(context.Background(), events.Event{
			Kind:     kind,
			Endpoint: int64(ep),
			Detail:   detail,
		}); err != nil {
			b.logger.Error("tcpbus: publish lifecycle event", "kind", kind, "err", err)
		}
	}()
}

// trackConnOpened records the gauge and fires a connection.opened event
// for a newly registered connection (inbound accept or outbound dial).
func (b *Bus) trackConnOpened(ep endpoint.ID, detail string) {
	if b.connCounter != nil {
		b.connCounter.Add(context.Background(), 1)
	}
	b.publishEvent(events.KindConnectionOpened, ep, detail)
}

// trackConnClosed records the gauge and fires a connection.closed event.
// Callers pass the endpoint the connection was attributed to at the time
// it closed, which may already differ from its original destination if
// it was rebound.
func (b *Bus) trackConnClosed(ep endpoint.ID, detail string) {
	if b.connCounter != nil {
		b.connCounter.Add(context.Background(), -1)
	}
	b.publishEvent(events.KindConnectionClosed, ep, detail)
}

// Close stops the loop and releases the listening, epoll, and
// wake-signal file descriptors. It waits for Run to return, so on a Bus
// whose Run was never started it blocks indefinitely.
func (b *Bus) Close() error {
	select {
	case <-b.stopCh:
	default:
		close(b.stopCh)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(b.stopFd, buf[:])
	<-b.doneCh
	unix.Close(b.listenFd)
	unix.Close(b.stopFd)
	return unix.Close(b.epollFd)
}

// epoll_event's data field is an opaque 8-byte union; we pack a full
// connpool.ID into it across the two int32 halves golang.org/x/sys/unix
// exposes (Fd, Pad) rather than truncate to 32 bits.
func idToEventData(id connpool.ID) (fd, pad int32) {
	return int32(uint32(id)), int32(uint32(id >> 32))
}

func eventDataToID(fd, pad int32) connpool.ID {
	return connpool.ID(uint32(fd)) | connpool.ID(uint32(pad))<<32
}
