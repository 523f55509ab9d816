package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and cancellable periodic tasks
type Clock interface {
	Now() time.Time
	// Every calls fn once per period until the returned Task is stopped.
	// fn runs on a goroutine owned by the clock and must not block for long.
	Every(period time.Duration, fn func()) Task
}

// Task is a scheduled periodic callback
type Task interface {
	// Stop cancels the task. It is safe to call more than once.
	Stop()
}

// Real is a Clock backed by the runtime timers
type Real struct{}

// New returns the wall clock
func New() Clock {
	return Real{}
}

// Now returns the current wall-clock time
func (Real) Now() time.Time {
	return time.Now()
}

// Every starts a ticker goroutine that invokes fn on every tick
func (Real) Every(period time.Duration, fn func()) Task {
	t := &realTask{
		ticker: time.NewTicker(period),
		done:   make(chan struct{}),
	}

	go func() {
		defer t.ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-t.ticker.C:
				fn()
			}
		}
	}()

	return t
}

type realTask struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *realTask) Stop() {
	t.once.Do(func() { close(t.done) })
}
