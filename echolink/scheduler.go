package echolink

import "time"

// Clock abstracts wall-clock reads so tests can control time.
type Clock interface {
	Now() time.Time
}

// Task is a scheduled callback that can be cancelled before it fires.
// Cancel reports whether the callback was prevented from running.
type Task interface {
	Cancel() bool
}

// Scheduler runs a callback after a delay. Debounced teardown and retry
// timers go through this so they stay cancellable and testable.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Task
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type timerScheduler struct{}

type timerTask struct {
	t *time.Timer
}

func (t timerTask) Cancel() bool { return t.t.Stop() }

func (timerScheduler) Schedule(d time.Duration, fn func()) Task {
	return timerTask{t: time.AfterFunc(d, fn)}
}
