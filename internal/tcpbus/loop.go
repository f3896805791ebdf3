//go:build linux

package tcpbus

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/webitel/tcpbus/internal/bufpool"
	"github.com/webitel/tcpbus/internal/connpool"
	"github.com/webitel/tcpbus/internal/endpoint"
)

// stopID is the event-data tag reserved for the wake-on-Close eventfd;
// connpool.MakeID never mints 0, so it can't collide with a real
// connection id.
const stopID connpool.ID = 0

// Run drives the readiness loop until Close is called or a fatal error
// occurs. It owns every socket registered with this Bus's epoll
// instance — no other goroutine may perform I/O on them.
func (b *Bus) Run() error {
	defer close(b.doneCh)

	for {
		select {
		case <-b.stopCh:
			return nil
		default:
		}

		n, err := unix.EpollWait(b.epollFd, b.eventBuf, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			ev := b.eventBuf[i]
			id := eventDataToID(ev.Fd, ev.Pad)

			if id == stopID {
				return nil
			}

			if id == b.listenID {
				b.acceptConns()
				continue
			}

			rec := b.pool.SelectByID(id)
			if rec == nil {
				continue
			}

			if ev.Events&unix.EPOLLERR != 0 {
				dest := rec.Endpoint
				b.pool.Close(id)
				b.trackConnClosed(dest, "epollerr")
				b.fixPoolSize(dest)
				continue
			}

			alive := true
			if ev.Events&unix.EPOLLIN != 0 {
				alive = b.drainIngress(rec)
			}
			if alive && ev.Events&unix.EPOLLOUT != 0 {
				b.drainEgress(rec)
			}
		}
	}
}

// acceptConns accepts up to MaxAcceptsPerEvent connections per
// readiness event on the listening socket. Each accepted socket is
// registered against a transient endpoint until ProtoBus's greeting
// handshake rebinds it.
func (b *Bus) acceptConns() {
	for i := 0; i < b.cfg.MaxAcceptsPerEvent; i++ {
		if b.throttler != nil && !b.throttler.Allow() {
			return
		}

		fd, _, err := unix.Accept4(b.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			id := b.pool.MakeID()
			transient := b.manager.NewTransient()
			if err := b.registerFd(fd, id); err != nil {
				unix.Close(fd)
				continue
			}
			b.pool.Add(fd, id, transient)
			b.pool.SetAvailable(id)
			b.trackConnOpened(transient, "accepted")
			continue
		}

		switch {
		case errors.Is(err, unix.EAGAIN):
			return
		case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE),
			errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
			b.pool.CloseOldConns(4)
		case errors.Is(err, unix.EINTR):
			continue
		default:
			b.logger.Error("tcpbus: fatal accept error", "err", err)
			return
		}
	}
}

func (b *Bus) registerFd(fd int, id connpool.ID) error {
	evFd, pad := idToEventData(id)
	return unix.EpollCtl(b.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLERR | unix.EPOLLET,
		Fd:     evFd,
		Pad:    pad,
	})
}

// drainIngress reads and reframes until the socket would block, per
// spec.md §4.6. expect is recomputed from IngressOffset every
// iteration — never cached across iterations — to avoid the known
// defect spec.md §9 calls out (a stale cached message size letting the
// loop swallow bytes belonging to the next frame).
func (b *Bus) drainIngress(rec *connpool.Record) bool {
	for {
		// Read fresh every iteration: a handler invoked partway through
		// this burst (e.g. a greeting rebind) can change which endpoint
		// this connection is now attributed to.
		dest := rec.Endpoint

		if rec.IngressBuf == nil {
			sb := b.bufs.TryAcquire()
			if sb == nil {
				// Pool exhaustion on the event-loop thread: give up on
				// this readiness event rather than block it. The
				// connection is edge-triggered, so a future write from
				// the peer will still wake us; a peer that falls
				// permanently silent while we're starved leaves this
				// connection stuck until other buffers free up and
				// SetAvailable/Close activity re-arms it indirectly.
				return true
			}
			sb.Grow(headerLen)
			rec.IngressBuf = sb
			rec.IngressOffset = 0
		}

		var expect int
		if rec.IngressOffset < headerLen {
			expect = headerLen
		} else {
			payloadLen := readHeader(rec.IngressBuf.Bytes())
			if b.cfg.MaxMessageSize > 0 && payloadLen > b.cfg.MaxMessageSize {
				b.logger.Error("tcpbus: inbound frame exceeds max message size",
					"endpoint", dest, "len", payloadLen, "max", b.cfg.MaxMessageSize)
				rec.IngressBuf.Release()
				rec.IngressBuf = nil
				rec.IngressOffset = 0
				b.pool.Close(rec.ID)
				b.trackConnClosed(dest, "oversized frame")
				b.fixPoolSize(dest)
				return false
			}
			expect = headerLen + payloadLen
		}
		rec.IngressBuf.Grow(expect)

		n, err := unix.Read(rec.Fd, rec.IngressBuf.Bytes()[rec.IngressOffset:expect])
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return true
			case errors.Is(err, unix.EINTR):
				continue
			default:
				b.pool.Close(rec.ID)
				b.trackConnClosed(dest, "read error")
				b.fixPoolSize(dest)
				return false
			}
		}
		if n == 0 {
			// peer closed the connection in an orderly fashion.
			b.pool.Close(rec.ID)
			b.trackConnClosed(dest, "eof")
			b.fixPoolSize(dest)
			return false
		}

		rec.IngressOffset += n
		if rec.IngressOffset == expect && expect > headerLen {
			sb := rec.IngressBuf
			full := sb.View()
			payload := full.Skip(headerLen)
			full.Release()
			sb.Release()

			if b.handler != nil {
				b.handler(dest, payload)
			}
			payload.Release()

			rec.IngressBuf = nil
			rec.IngressOffset = 0
		}
	}
}

// drainEgress writes the connection's in-flight frame (if any), then
// keeps pulling the next queued message for its endpoint for as long as
// writes succeed without blocking.
func (b *Bus) drainEgress(rec *connpool.Record) {
	for {
		if rec.EgressMessage == nil {
			next := b.popPending(rec.Endpoint)
			if next == nil {
				return
			}
			rec.EgressMessage = next
			rec.EgressOffset = 0
		}

		if !b.tryWriteMessage(rec) {
			return
		}
	}
}

// tryWriteMessage attempts to flush rec's current outgoing frame.
// Returns true if the caller should try to pull and send the next
// queued message (write fully completed), false if it should stop
// (would block, or the connection died).
func (b *Bus) tryWriteMessage(rec *connpool.Record) bool {
	msg := rec.EgressMessage
	if msg == nil {
		return false
	}

	header := make([]byte, headerLen)
	writeHeader(msg.Len(), header)

	for {
		var iov [][]byte
		offset := rec.EgressOffset
		if offset < headerLen {
			iov = [][]byte{header[offset:], msg.Bytes()}
		} else {
			iov = [][]byte{msg.Bytes()[offset-headerLen:]}
		}

		n, err := writevFd(rec.Fd, iov)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				return false
			case errors.Is(err, unix.EINTR):
				continue
			default:
				dest := rec.Endpoint
				b.pushPendingFront(dest, msg)
				b.pool.Close(rec.ID)
				b.trackConnClosed(dest, "write error")
				return false
			}
		}

		rec.EgressOffset += n
		if rec.EgressOffset == headerLen+msg.Len() {
			msg.Release()
			rec.EgressMessage = nil
			rec.EgressOffset = 0
			b.pool.SetAvailable(rec.ID)
			return true
		}
	}
}

// writevFd performs a gathered write of iov starting at the front,
// returning the number of bytes actually written across both buffers.
func writevFd(fd int, iov [][]byte) (int, error) {
	sysIov := make([][]byte, 0, len(iov))
	for _, b := range iov {
		if len(b) > 0 {
			sysIov = append(sysIov, b)
		}
	}
	if len(sysIov) == 0 {
		return 0, nil
	}
	return unix.Writev(fd, sysIov)
}

// fixPoolSize opens additional non-blocking outbound connections to
// dest until FixedPoolSize is reached. Dial completion/failure surfaces
// asynchronously through the readiness loop (EPOLLOUT or EPOLLERR), not
// here.
func (b *Bus) fixPoolSize(dest endpoint.ID) {
	if b.manager.Transient(dest) {
		return
	}
	have := b.pool.CountConnections(dest)
	for ; have < b.cfg.FixedPoolSize; have++ {
		addr, err := b.manager.Resolve(dest)
		if err != nil {
			return
		}

		breaker := b.pool.Breaker(dest)
		_, err = breaker.Execute(func() (any, error) {
			fd, dialErr := dialNonBlocking(addr)
			if dialErr != nil {
				return nil, dialErr
			}
			id := b.pool.MakeID()
			if regErr := b.registerFd(fd, id); regErr != nil {
				unix.Close(fd)
				return nil, regErr
			}
			b.pool.Add(fd, id, dest)
			b.trackConnOpened(dest, "dialed")
			b.armDialTimeout(id)
			if b.greeter != nil {
				b.enqueueGreeting(id, dest)
			}
			return nil, nil
		})
		if err != nil {
			b.logger.Debug("tcpbus: dial skipped or failed", "endpoint", dest, "err", err)
			return
		}
	}
}

// armDialTimeout force-closes a dialed connection that still hasn't
// completed its handshake write after DialTimeout — covering a
// non-blocking connect that never resolves (packets silently dropped),
// for which epoll never delivers a readiness event at all. A connection
// that completed normally is Available (or already busy sending real
// traffic) well before this fires, so this never touches a healthy one.
func (b *Bus) armDialTimeout(id connpool.ID) {
	if b.cfg.DialTimeout <= 0 {
		return
	}
	time.AfterFunc(b.cfg.DialTimeout, func() {
		rec := b.pool.SelectByID(id)
		if rec == nil || rec.Available() {
			return
		}
		dest := rec.Endpoint
		b.pool.Close(id)
		b.trackConnClosed(dest, "dial timeout")
	})
}

func (b *Bus) enqueueGreeting(id connpool.ID, dest endpoint.ID) {
	rec := b.pool.SelectByID(id)
	if rec == nil {
		return
	}
	view := b.greeter()
	// The record stays busy until tryWriteMessage finishes the greeting
	// and marks it available.
	rec.EgressMessage = view
	rec.EgressOffset = 0
	b.tryWriteMessage(rec)
}

func dialNonBlocking(addr string) (int, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return 0, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return 0, err
	}
	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return 0, err
	}
	return fd, nil
}

// Send assigns view as the outgoing frame for an available connection
// to dest, or enqueues it on the per-endpoint pending queue (subject to
// PendingCap) if none is currently available. A transient endpoint must
// never reach here (spec.md §3's rebind-race invariant).
func (b *Bus) Send(dest endpoint.ID, view *bufpool.SharedView) bool {
	if b.manager.Transient(dest) {
		view.Release()
		return false
	}

	if b.cfg.MaxMessageSize > 0 && view.Len() > b.cfg.MaxMessageSize {
		b.logger.Error("tcpbus: outbound frame exceeds max message size",
			"endpoint", dest, "len", view.Len(), "max", b.cfg.MaxMessageSize)
		view.Release()
		return false
	}

	b.fixPoolSize(dest)

	if rec := b.pool.Select(dest); rec != nil {
		rec.EgressMessage = view
		rec.EgressOffset = 0
		b.tryWriteMessage(rec)
		return true
	}

	return b.pushPending(dest, view)
}

func (b *Bus) pushPending(dest endpoint.ID, view *bufpool.SharedView) bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if b.cfg.PendingCap > 0 && len(b.pending[dest]) >= b.cfg.PendingCap {
		return false
	}
	b.pending[dest] = append(b.pending[dest], view)
	return true
}

func (b *Bus) pushPendingFront(dest endpoint.ID, view *bufpool.SharedView) {
	b.pendingMu.Lock()
	b.pending[dest] = append([]*bufpool.SharedView{view}, b.pending[dest]...)
	b.pendingMu.Unlock()
}

func (b *Bus) popPending(dest endpoint.ID) *bufpool.SharedView {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	q := b.pending[dest]
	if len(q) == 0 {
		return nil
	}
	next := q[0]
	b.pending[dest] = q[1:]
	return next
}
