package host

import (
	"container/heap"
	"sync"
	"time"
)

// taskQueueLen bounds how many events may wait for the loop before
// producers block
const taskQueueLen = 1024

// Loop runs every transport event, timer and API call of one Host on a
// single goroutine. State owned by the loop is only touched from functions
// it runs, so none of it needs a lock.
type Loop struct {
	tasks  chan func()
	timers timerHeap
	now    func() time.Time
	quit   chan struct{}
	done   chan struct{}
	stop   sync.Once
	seq    uint64
}

// Timer is a deadline in the loop's queue. Timers are created, fired and
// cancelled on the loop goroutine only.
type Timer struct {
	deadline time.Time
	fn       func()
	seq      uint64
	index    int // position in the heap, -1 once fired or cancelled
}

// NewLoop starts a loop goroutine
func NewLoop() *Loop {
	l := &Loop{
		tasks: make(chan func(), taskQueueLen),
		now:   time.Now,
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)

	wake := time.NewTimer(time.Hour)
	defer wake.Stop()

	for {
		l.fireDue()

		var alarm <-chan time.Time
		if len(l.timers) > 0 {
			wake.Reset(l.timers[0].deadline.Sub(l.now()))
			alarm = wake.C
		}

		select {
		case fn := <-l.tasks:
			fn()
		case <-alarm:
		case <-l.quit:
			return
		}
		wake.Stop()
	}
}

// fireDue runs every timer whose deadline has passed, earliest first
func (l *Loop) fireDue() {
	now := l.now()
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		t.fn()
	}
}

// Post queues fn to run on the loop. It returns false once the loop has
// stopped; fn is then never run.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Do runs fn on the loop and waits for it. It must not be called from the
// loop goroutine.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// AfterFunc schedules fn to run on the loop once d has elapsed
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	l.seq++
	t := &Timer{deadline: l.now().Add(d), fn: fn, seq: l.seq}
	heap.Push(&l.timers, t)
	return t
}

// Cancel removes t from the queue. It reports whether t was still pending.
func (l *Loop) Cancel(t *Timer) bool {
	if t == nil || t.index < 0 || t.index >= len(l.timers) || l.timers[t.index] != t {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

// Pending returns the number of queued timers
func (l *Loop) Pending() int {
	return len(l.timers)
}

// Stop ends the loop and waits for the goroutine to exit. Queued tasks that
// have not started are dropped. It must not be called from the loop goroutine.
func (l *Loop) Stop() {
	l.stop.Do(func() { close(l.quit) })
	<-l.done
}

// timerHeap orders timers by deadline, then by creation
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
