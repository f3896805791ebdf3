package executor

import (
	"sync"
	"time"

	"github.com/webitel/tcpbus/internal/action"
)

// DelayedExecutor runs a single worker goroutine that drains every
// action whose deadline has passed, then sleeps until either the next
// deadline or an explicit wake. It is the Go equivalent of the
// original's condition-variable-driven worker thread.
//
// Actions run sequentially on the worker goroutine; a long-running
// action delays every action scheduled after it — callers must not
// block inside a scheduled Func.
type DelayedExecutor struct {
	mu      sync.Mutex
	actions *action.Map
	wake    chan struct{}

	shutdown chan struct{}
	done     chan struct{}
}

var _ Executor = (*DelayedExecutor)(nil)

// NewDelayed starts the worker goroutine and returns a ready Executor.
func NewDelayed() *DelayedExecutor {
	e := &DelayedExecutor{
		actions:  action.New(),
		wake:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go e.run()
	return e
}

// Schedule implements Executor.
func (e *DelayedExecutor) Schedule(fn func(), delay time.Duration) {
	e.SchedulePoint(fn, time.Now().Add(delay))
}

// SchedulePoint implements Executor.
func (e *DelayedExecutor) SchedulePoint(fn func(), when time.Time) {
	e.mu.Lock()
	e.actions.Insert(when, action.Func(fn))
	e.mu.Unlock()
	e.notify()
}

func (e *DelayedExecutor) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *DelayedExecutor) run() {
	defer close(e.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	for {
		// Drain everything due, outside any lock held across execution.
		for {
			var (
				fn   action.Func
				have bool
			)
			e.mu.Lock()
			if dl, ok := e.actions.NextDeadline(); ok && !dl.After(time.Now()) {
				fn, have = e.actions.PickAction()
			}
			e.mu.Unlock()

			if !have {
				break
			}
			fn()
		}

		select {
		case <-e.shutdown:
			return
		default:
		}

		if timerArmed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timerArmed = false

		e.mu.Lock()
		next, ok := e.actions.NextDeadline()
		e.mu.Unlock()

		var waitCh <-chan time.Time
		if ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
			timerArmed = true
			waitCh = timer.C
		}

		select {
		case <-e.shutdown:
			return
		case <-e.wake:
		case <-waitCh:
		}
	}
}

// Close requests shutdown, wakes the worker, and blocks until it exits.
// Any remaining scheduled actions are abandoned, matching the original's
// destructor semantics.
func (e *DelayedExecutor) Close() error {
	close(e.shutdown)
	e.notify()
	<-e.done
	return nil
}
