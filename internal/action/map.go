// Package action implements the time-ordered deferred-action store used
// by the delayed executor: a small inline array for the common case of
// a handful of outstanding timers, backed by a heap for overflow.
package action

import (
	"container/heap"
	"time"
)

const inlineCapacity = 20

// Func is a deferred action. Implementations must not block — the
// executor that drains the Map runs actions sequentially on one
// goroutine, and a slow action delays every action after it.
type Func func()

type slot struct {
	deadline time.Time
	action   Func
	seq      uint64 // insertion order, for stable tie-breaking
	used     bool
}

// Map is a mapping from deadline to deferred action. It is not
// goroutine-safe on its own; callers (DelayedExecutor) serialize access.
type Map struct {
	small    [inlineCapacity]slot
	overflow overflowHeap
	nextSeq  uint64
}

// New returns an empty Map.
func New() *Map {
	return &Map{}
}

// Insert adds an action due at the given deadline.
func (m *Map) Insert(deadline time.Time, fn Func) {
	seq := m.nextSeq
	m.nextSeq++

	for i := range m.small {
		if !m.small[i].used {
			m.small[i] = slot{deadline: deadline, action: fn, seq: seq, used: true}
			return
		}
	}
	heap.Push(&m.overflow, &heapItem{deadline: deadline, action: fn, seq: seq})
}

// NextDeadline returns the earliest deadline currently present, if any.
func (m *Map) NextDeadline() (time.Time, bool) {
	best, idx, found := m.smallest()
	if !found {
		return time.Time{}, false
	}
	_ = idx
	return best.deadline, true
}

// PickAction removes and returns the action with the smallest deadline
// (ties broken by insertion order), or (nil, false) if the map is empty.
func (m *Map) PickAction() (Func, bool) {
	_, idx, found := m.smallest()
	if !found {
		return nil, false
	}

	if idx == fromOverflow {
		item := heap.Pop(&m.overflow).(*heapItem)
		return item.action, true
	}
	fn := m.small[idx].action
	m.small[idx] = slot{}
	return fn, true
}

const fromOverflow = -1

// smallest scans both the inline array and the overflow heap's root and
// returns whichever holds the globally smallest deadline. idx is the
// inline-array index, or fromOverflow if the overflow heap's root wins.
func (m *Map) smallest() (slot, int, bool) {
	var (
		best    slot
		bestIdx = -2
		found   bool
	)

	for i := range m.small {
		if !m.small[i].used {
			continue
		}
		if !found || less(m.small[i].deadline, m.small[i].seq, best.deadline, best.seq) {
			best = m.small[i]
			bestIdx = i
			found = true
		}
	}

	if len(m.overflow) > 0 {
		top := m.overflow[0]
		if !found || less(top.deadline, top.seq, best.deadline, best.seq) {
			best = slot{deadline: top.deadline, action: top.action, seq: top.seq, used: true}
			bestIdx = fromOverflow
			found = true
		}
	}

	return best, bestIdx, found
}

func less(dlA time.Time, seqA uint64, dlB time.Time, seqB uint64) bool {
	if dlA.Equal(dlB) {
		return seqA < seqB
	}
	return dlA.Before(dlB)
}

// heapItem backs the overflow store.
type heapItem struct {
	deadline time.Time
	action   Func
	seq      uint64
}

type overflowHeap []*heapItem

func (h overflowHeap) Len() int { return len(h) }
func (h overflowHeap) Less(i, j int) bool {
	return less(h[i].deadline, h[i].seq, h[j].deadline, h[j].seq)
}
func (h overflowHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *overflowHeap) Push(x any)   { *h = append(*h, x.(*heapItem)) }
func (h *overflowHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
