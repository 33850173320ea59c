package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Pending calls fire only from Advance,
// synchronously and in deadline order, on the goroutine calling Advance.
// Callbacks may schedule new timers but must not call Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	seq      int
	fn       func()
	ch       chan time.Time
	done     bool
}

// NewFake returns a Fake clock whose time stands still at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.addLocked(d, nil, ch)
	return ch
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	if d <= 0 {
		f.mu.Unlock()
		fn()
		return fakeTimer{f: f, w: &waiter{done: true}}
	}
	w := f.addLocked(d, fn, nil)
	f.mu.Unlock()
	return fakeTimer{f: f, w: w}
}

func (f *Fake) addLocked(d time.Duration, fn func(), ch chan time.Time) *waiter {
	f.seq++
	w := &waiter{deadline: f.now.Add(d), seq: f.seq, fn: fn, ch: ch}
	f.waiters = append(f.waiters, w)
	return w
}

// Advance moves the clock forward by d and fires every pending call whose
// deadline is at or before the new time, including calls scheduled by the
// callbacks themselves.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		w := f.popDue(target)
		if w == nil {
			return
		}
		if w.fn != nil {
			w.fn()
		} else {
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

func (f *Fake) popDue(target time.Time) *waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	f.waiters = live
	sort.SliceStable(f.waiters, func(i, j int) bool {
		if f.waiters[i].deadline.Equal(f.waiters[j].deadline) {
			return f.waiters[i].seq < f.waiters[j].seq
		}
		return f.waiters[i].deadline.Before(f.waiters[j].deadline)
	})
	if len(f.waiters) == 0 || f.waiters[0].deadline.After(target) {
		return nil
	}
	w := f.waiters[0]
	w.done = true
	f.waiters = f.waiters[1:]
	return w
}

// Pending returns the number of calls that have not fired or been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	f *Fake
	w *waiter
}

func (t fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.w.done {
		return false
	}
	t.w.done = true
	return true
}
