// Package executor provides the delayed-action worker used for request
// timeouts and periodic batch flushing, plus a periodic re-arming
// wrapper on top of any Executor.
package executor

import "time"

// Executor schedules a nullary action to run at or after a deadline.
type Executor interface {
	// Schedule runs fn after delay has elapsed.
	Schedule(fn func(), delay time.Duration)
	// SchedulePoint runs fn at the given absolute time.
	SchedulePoint(fn func(), when time.Time)
}
