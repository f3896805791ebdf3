package executor

import "time"

// Periodic reschedules a nullary action at a fixed period on top of a
// backing Executor. Because re-arming happens from inside the action
// itself, at most one invocation is ever outstanding at a time.
type Periodic struct {
	fn      func()
	period  time.Duration
	backend Executor
}

// NewPeriodic returns a Periodic bound to backend, armed only once
// Start/DelayedStart is called.
func NewPeriodic(fn func(), period time.Duration, backend Executor) *Periodic {
	return &Periodic{fn: fn, period: period, backend: backend}
}

// Start fires the action immediately, then re-arms at Period after each run.
func (p *Periodic) Start() {
	p.backend.Schedule(p.execute, 0)
}

// DelayedStart waits one Period before the first invocation.
func (p *Periodic) DelayedStart() {
	p.backend.Schedule(p.execute, p.period)
}

// Trigger runs the action once, out of band, without affecting the
// regular re-arm schedule.
func (p *Periodic) Trigger() {
	p.backend.Schedule(p.fn, 0)
}

func (p *Periodic) execute() {
	p.backend.Schedule(p.execute, p.period)
	p.fn()
}
