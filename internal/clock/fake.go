package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Callbacks scheduled with
// Every fire synchronously inside Advance, in chronological order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	tasks  map[uint64]*fakeTask
}

type fakeTask struct {
	id     uint64
	period time.Duration
	next   time.Time
	fn     func()
}

// NewFake returns a fake clock set to start
func NewFake(start time.Time) *Fake {
	return &Fake{
		now:   start,
		tasks: make(map[uint64]*fakeTask),
	}
}

// Now returns the fake current time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Every schedules fn every period of fake time
func (f *Fake) Every(period time.Duration, fn func()) Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	t := &fakeTask{
		id:     f.nextID,
		period: period,
		next:   f.now.Add(period),
		fn:     fn,
	}
	f.tasks[t.id] = t

	return &fakeHandle{clock: f, id: t.id}
}

// Advance moves the clock forward by d, firing every due callback.
// Callbacks are invoked without the clock lock held, so they may stop
// or schedule tasks.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		due := f.earliestDue(target)
		if due == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		f.now = due.next
		due.next = due.next.Add(due.period)
		fn := due.fn
		f.mu.Unlock()

		fn()
	}
}

// Pending returns the number of active scheduled tasks
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// earliestDue picks the due task with the smallest deadline; ties go to
// the task scheduled first.
func (f *Fake) earliestDue(target time.Time) *fakeTask {
	var best *fakeTask
	for _, t := range f.tasks {
		if t.next.After(target) {
			continue
		}
		if best == nil || t.next.Before(best.next) || (t.next.Equal(best.next) && t.id < best.id) {
			best = t
		}
	}
	return best
}

type fakeHandle struct {
	clock *Fake
	id    uint64
}

func (h *fakeHandle) Stop() {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	delete(h.clock.tasks, h.id)
}
