// Package bufpool provides a bounded allocator of reusable byte buffers.
//
// Every byte that crosses the wire is addressed through a SharedView, a
// refcounted handle onto a range of one pooled buffer. Slicing a view
// with Skip never copies; the backing buffer returns to the pool's free
// list only once the last view over it has dropped.
package bufpool

import (
	"sync"
	"sync/atomic"
)

// Pool preallocates fixed-size byte buffers and hands them out as
// ScopedBuffers. It is bounded: once maxBuffers are checked out,
// Acquire blocks until one is returned, so memory use under load is
// capped by construction rather than by the caller's discipline.
type Pool struct {
	size int

	mu    sync.Mutex
	cond  *sync.Cond
	free  [][]byte
	inUse int
	max   int
}

// New creates a Pool of buffers of the given size, capped at maxBuffers
// concurrently outstanding.
func New(size, maxBuffers int) *Pool {
	p := &Pool{
		size: size,
		max:  maxBuffers,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns a ScopedBuffer of at least Pool's configured size,
// blocking while the pool is exhausted. Fixed pool sizing is what
// prevents unbounded memory growth under load; blocking (rather than
// failing) keeps backpressure local to the caller instead of surfacing
// as a user-visible error for a condition that is expected to clear.
func (p *Pool) Acquire() *ScopedBuffer {
	p.mu.Lock()
	for len(p.free) == 0 && p.inUse >= p.max {
		p.cond.Wait()
	}
	var buf []byte
	if n := len(p.free); n > 0 {
		buf = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		buf = make([]byte, p.size)
	}
	p.inUse++
	p.mu.Unlock()

	sb := &ScopedBuffer{pool: p, buf: buf}
	sb.refs.Store(1)
	return sb
}

// TryAcquire is the non-blocking counterpart used on paths that must
// never suspend (the event-loop thread). It returns nil if the pool is
// currently exhausted.
func (p *Pool) TryAcquire() *ScopedBuffer {
	p.mu.Lock()
	if len(p.free) == 0 && p.inUse >= p.max {
		p.mu.Unlock()
		return nil
	}
	var buf []byte
	if n := len(p.free); n > 0 {
		buf = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		buf = make([]byte, p.size)
	}
	p.inUse++
	p.mu.Unlock()

	sb := &ScopedBuffer{pool: p, buf: buf}
	sb.refs.Store(1)
	return sb
}

func (p *Pool) release(buf []byte) {
	p.mu.Lock()
	p.inUse--
	p.free = append(p.free, buf[:cap(buf)])
	p.cond.Signal()
	p.mu.Unlock()
}

// ScopedBuffer is a checked-out pooled buffer. Grow extends it (within
// the allocation already owned) to at least n bytes, reallocating from
// the heap — not the pool — past the pool's fixed size; the pool exists
// to make the common small-frame case allocation-free, not to forbid
// oversized frames outright.
type ScopedBuffer struct {
	pool *Pool
	buf  []byte
	refs atomic.Int32
}

// Bytes returns the full backing slice, valid up to len(Bytes()).
func (s *ScopedBuffer) Bytes() []byte { return s.buf }

// Grow ensures len(s.buf) >= n, copying into a larger slice if needed.
func (s *ScopedBuffer) Grow(n int) {
	if cap(s.buf) >= n {
		s.buf = s.buf[:n]
		return
	}
	grown := make([]byte, n)
	copy(grown, s.buf)
	s.buf = grown
}

// View returns a SharedView over the whole buffer, bumping its refcount.
func (s *ScopedBuffer) View() *SharedView {
	s.refs.Add(1)
	return &SharedView{owner: s, start: 0, end: len(s.buf)}
}

func (s *ScopedBuffer) release() {
	if s.refs.Add(-1) == 0 && s.pool != nil {
		s.pool.release(s.buf)
	}
}

// Release drops the acquisition's own share of the buffer. Callers that
// hand payload views off to a handler via View/Skip must still Release
// the ScopedBuffer itself once they're done filling it — the buffer
// returns to the pool only once every view and the acquisition itself
// have been released.
func (s *ScopedBuffer) Release() { s.release() }

// SharedView is a reference to a byte range inside a ScopedBuffer.
// Multiple views may share one buffer; the buffer is returned to its
// pool only once every view dropped via Release.
type SharedView struct {
	owner *ScopedBuffer
	start int
	end   int
}

// NewSharedView wraps an already-allocated slice as a standalone view
// with no pool-backed owner — used for payloads built outside the
// pool (e.g. test fixtures, or views composed in memory).
func NewSharedView(b []byte) *SharedView {
	sb := &ScopedBuffer{buf: b}
	sb.refs.Store(1)
	return &SharedView{owner: sb, start: 0, end: len(b)}
}

// Bytes returns the view's contents, sub-sliced without copying.
func (v *SharedView) Bytes() []byte {
	return v.owner.buf[v.start:v.end]
}

// Len returns the number of bytes addressed by this view.
func (v *SharedView) Len() int { return v.end - v.start }

// Skip returns a new view over the tail starting at offset n, sharing
// ownership of the same backing buffer. n must be <= v.Len().
func (v *SharedView) Skip(n int) *SharedView {
	if n > v.Len() {
		panic("bufpool: Skip past end of view")
	}
	v.owner.refs.Add(1)
	return &SharedView{owner: v.owner, start: v.start + n, end: v.end}
}

// Clone returns an independent view over the same range, bumping the
// refcount — the way a user handler extends a payload's lifetime past
// the point where the event loop would otherwise recycle it.
func (v *SharedView) Clone() *SharedView {
	v.owner.refs.Add(1)
	return &SharedView{owner: v.owner, start: v.start, end: v.end}
}

// Release drops this view's share of the backing buffer. Once every
// view over a buffer has been released, the buffer returns to its pool.
func (v *SharedView) Release() {
	v.owner.release()
}
