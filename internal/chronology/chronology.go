// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package chronology implements the timer and deferred-function subsystem:
// create_timer/schedule/cancel/close, defer/move_and_execute, and
// timeout_interval(). Unlike the teacher's internal/asynctimer -- which
// runs its own background goroutine ticking a fixed-width wheel, because
// nothing else in tnet needs a synchronous "how long until the next
// deadline" answer -- Chronology is driven entirely by the reactor/proactor
// core's wait loop: the core asks TimeoutInterval() before calling
// driver.Wait(), then asks AnnounceExpiredAndDeferred() after it returns.
// Running an independent ticker would race with that loop for no benefit,
// so the wheel here is a passive, heap-ordered structure instead.
package chronology

import (
	"container/heap"
	"sync"
	"time"

	"github.com/go-ntio/reactor/internal/authz"
	"github.com/go-ntio/reactor/internal/shard"
	"github.com/go-ntio/reactor/internal/strand"
	"github.com/go-ntio/reactor/metrics"
)

// Outcome is the reason a Timer's callback fired.
type Outcome int

// Timer callback outcomes.
const (
	Fired Outcome = iota
	Cancelled
	Closed
)

// Callback is invoked with the outcome of a Timer once it leaves the
// scheduled state.
type Callback func(Outcome)

// Timer is {id, deadline, optional period, optional session, Authorization,
// Strand} per the spec's data model; session is carried as an opaque value
// the caller can retrieve later.
type Timer struct {
	id      uint64
	session any

	mu       sync.Mutex
	deadline time.Time
	period   *time.Duration
	auth     *authz.Authorization
	strand   *strand.Strand
	cb       Callback
	active   bool
	closed   bool

	owner *wheel
	index int // heap index, maintained by container/heap
}

// ID returns the timer's identity.
func (t *Timer) ID() uint64 { return t.id }

// Session returns the opaque session value the timer was created with.
func (t *Timer) Session() any { return t.session }

// Schedule (re)arms the timer for deadline. It is valid to call Schedule
// again on an already-scheduled timer to reset its deadline.
func (t *Timer) Schedule(deadline time.Time) error {
	return t.owner.schedule(t, deadline)
}

// Cancel removes a not-yet-fired timer and announces a Cancelled outcome.
// A concurrently-firing timer may still deliver Fired; Cancel never
// interrupts a callback already running.
func (t *Timer) Cancel() {
	t.owner.cancel(t)
}

// Close releases the timer. After Close, Schedule is a no-op.
func (t *Timer) Close() {
	t.owner.closeTimer(t)
}

// timerHeap is a container/heap of *Timer ordered by deadline.
type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// wheel is one independently-locked shard of the Chronology: a timer heap
// plus a deferred-function FIFO.
type wheel struct {
	mu       sync.Mutex
	timers   timerHeap
	deferred []func()
	nextID   uint64
}

func newWheel() *wheel {
	w := &wheel{}
	heap.Init(&w.timers)
	return w
}

func (w *wheel) createTimer(deadline time.Time, period *time.Duration, auth *authz.Authorization,
	strand *strand.Strand, session any, cb Callback) *Timer {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.mu.Unlock()

	return &Timer{
		id:       id,
		session:  session,
		deadline: deadline,
		period:   period,
		auth:     auth,
		strand:   strand,
		cb:       cb,
		owner:    w,
		index:    -1,
	}
}

func (w *wheel) schedule(t *Timer, deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.closed {
		return nil
	}
	t.deadline = deadline
	if t.index >= 0 {
		heap.Fix(&w.timers, t.index)
	} else {
		t.active = true
		heap.Push(&w.timers, t)
	}
	metrics.Add(metrics.ChronologyTimersScheduled, 1)
	return nil
}

func (w *wheel) cancel(t *Timer) {
	w.mu.Lock()
	wasActive := t.active
	if t.index >= 0 {
		heap.Remove(&w.timers, t.index)
	}
	t.active = false
	cb := t.cb
	closed := t.closed
	w.mu.Unlock()
	if !wasActive || closed {
		return
	}
	metrics.Add(metrics.ChronologyTimersCancelled, 1)
	if cb != nil {
		announce(t, cb, Cancelled)
	}
}

func (w *wheel) closeTimer(t *Timer) {
	w.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&w.timers, t.index)
	}
	t.active = false
	t.closed = true
	w.mu.Unlock()
}

// defer appends fn to the deferred queue.
func (w *wheel) deferFn(fn func()) {
	w.mu.Lock()
	w.deferred = append(w.deferred, fn)
	w.mu.Unlock()
}

// moveAndExecute atomically appends seq followed by fn to the deferred
// queue, so nothing observed between a producer's enqueue of seq and its
// immediately-following fn can interleave with another producer's batch.
func (w *wheel) moveAndExecute(seq []func(), fn func()) {
	w.mu.Lock()
	w.deferred = append(w.deferred, seq...)
	if fn != nil {
		w.deferred = append(w.deferred, fn)
	}
	w.mu.Unlock()
}

// timeoutInterval returns the duration until the earliest scheduled
// deadline, or false if no timer is scheduled.
func (w *wheel) timeoutInterval(now time.Time) (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.timers) == 0 {
		return 0, false
	}
	d := w.timers[0].deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// announceExpiredAndDeferred announces up to maxCycles timers whose
// deadline has passed (every one when maxCycles <= 0), then runs the whole
// deferred queue.
func (w *wheel) announceExpiredAndDeferred(now time.Time, maxCycles int) int {
	ran := 0
	for cycles := 0; maxCycles <= 0 || cycles < maxCycles; cycles++ {
		w.mu.Lock()
		if len(w.timers) == 0 || w.timers[0].deadline.After(now) {
			w.mu.Unlock()
			break
		}
		t := heap.Pop(&w.timers).(*Timer)
		t.active = false
		period := t.period
		cb := t.cb
		w.mu.Unlock()

		metrics.Add(metrics.ChronologyTimersFired, 1)
		if cb != nil {
			announce(t, cb, Fired)
		}
		ran++
		if period != nil && !t.closed {
			t.Schedule(now.Add(*period))
		}
	}

	w.mu.Lock()
	pending := w.deferred
	w.deferred = nil
	w.mu.Unlock()
	for _, fn := range pending {
		metrics.Add(metrics.ChronologyDeferredRun, 1)
		fn()
		ran++
	}
	return ran
}

func announce(t *Timer, cb Callback, outcome Outcome) {
	run := func() {
		if t.auth != nil && t.auth.Aborted() {
			return
		}
		cb(outcome)
	}
	if t.strand != nil {
		t.strand.Execute(run)
		return
	}
	run()
}

// Chronology is the timer and deferred-function queue: a fixed pool of
// independently-locked, deadline-ordered heap shards picked round-robin, so
// timer creation/cancellation on unrelated timers never contends on one
// mutex.
type Chronology struct {
	wheels []*wheel
	pick   *shard.RoundRobin
}

const defaultShardCount = 8

// New creates a Chronology with the default shard count.
func New() *Chronology {
	return NewShardCount(defaultShardCount)
}

// NewShardCount creates a Chronology with n independently-locked shards.
func NewShardCount(n int) *Chronology {
	c := &Chronology{pick: shard.New(n)}
	c.wheels = make([]*wheel, c.pick.Len())
	for i := range c.wheels {
		c.wheels[i] = newWheel()
	}
	return c
}

// CreateTimer creates a Timer bound to auth and strand (either may be nil),
// carrying an opaque session value, and arms it for deadline. A non-nil
// period causes the timer to automatically reschedule after each firing.
func (c *Chronology) CreateTimer(deadline time.Time, period *time.Duration, auth *authz.Authorization,
	s *strand.Strand, session any, cb Callback) *Timer {
	w := c.wheels[c.pick.Next()]
	t := w.createTimer(deadline, period, auth, s, session, cb)
	_ = w.schedule(t, deadline)
	return t
}

// Defer appends fn to one shard's deferred queue.
func (c *Chronology) Defer(fn func()) {
	c.wheels[c.pick.Next()].deferFn(fn)
}

// MoveAndExecute atomically appends seq followed by fn to one shard's
// deferred queue.
func (c *Chronology) MoveAndExecute(seq []func(), fn func()) {
	c.wheels[c.pick.Next()].moveAndExecute(seq, fn)
}

// TimeoutInterval returns the time until the nearest deadline across every
// shard, or false when no timer is scheduled anywhere.
func (c *Chronology) TimeoutInterval(now time.Time) (time.Duration, bool) {
	var best time.Duration
	found := false
	for _, w := range c.wheels {
		d, ok := w.timeoutInterval(now)
		if !ok {
			continue
		}
		if !found || d < best {
			best, found = d, true
		}
	}
	return best, found
}

// AnnounceExpiredAndDeferred announces up to maxCycles expired timers per
// shard (0 means no limit) and runs every shard's deferred functors,
// returning the total number of timers announced and functors run.
func (c *Chronology) AnnounceExpiredAndDeferred(now time.Time, maxCycles int) int {
	total := 0
	for _, w := range c.wheels {
		total += w.announceExpiredAndDeferred(now, maxCycles)
	}
	return total
}
