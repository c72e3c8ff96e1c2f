package window

import "time"

// Clock supplies the current time. Injected so tests can drive the
// aggregation window deterministically.
type Clock interface {
	Now() time.Time
}

// Timer is a cancelable handle to a scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler schedules a callback after a duration.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
func SystemClock() Clock { return systemClock{} }

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemScheduler schedules with time.AfterFunc.
func SystemScheduler() Scheduler { return systemScheduler{} }
