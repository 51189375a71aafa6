// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package reactor

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-ntio/reactor/driver"
	"github.com/go-ntio/reactor/internal/authz"
	"github.com/go-ntio/reactor/internal/chronology"
	"github.com/go-ntio/reactor/internal/dispatch"
	"github.com/go-ntio/reactor/internal/locker"
	"github.com/go-ntio/reactor/internal/registry"
	"github.com/go-ntio/reactor/internal/strand"
	"github.com/go-ntio/reactor/internal/taskpool"
	"github.com/go-ntio/reactor/metrics"
)

// Handle identifies an OS descriptor registered with a Core.
type Handle = registry.Handle

// Strand is a single-threaded logical executor that callbacks can be
// pinned to, so two registrations sharing a Strand never run concurrently
// regardless of which waiter thread observed their readiness.
type Strand = strand.Strand

// NewStrand creates a new, empty Strand.
func NewStrand() *Strand { return strand.New() }

// Authorization is a one-shot cancellable guard a Callback or Timer can be
// bound to; aborting it makes every future dispatch for that binding
// report Cancelled instead of running.
type Authorization = authz.Authorization

// NewAuthorization creates an open Authorization.
func NewAuthorization() *Authorization { return authz.New() }

// Timer is a scheduled (and optionally periodic) deadline created via
// Core.CreateTimer.
type Timer = chronology.Timer

// TimerOutcome is the reason a Timer's callback fired.
type TimerOutcome = chronology.Outcome

// Timer outcomes.
const (
	TimerFired     = chronology.Fired
	TimerCancelled = chronology.Cancelled
	TimerClosed    = chronology.Closed
)

// Callbacks bundles the per-kind handlers a registration may carry, the
// root-package mirror of registry.Callbacks -- kept as a distinct type so
// callers outside this module never need to import an internal package.
type Callbacks struct {
	OnReadable func(Handle)
	OnWritable func(Handle)
	OnError    func(Handle)
	OnDetach   func(Handle)
}

func toRegistryCallbacks(cb Callbacks) registry.Callbacks {
	return registry.Callbacks{
		OnReadable: cb.OnReadable,
		OnWritable: cb.OnWritable,
		OnError:    cb.OnError,
		OnDetach:   cb.OnDetach,
	}
}

var (
	errClosed  = errors.New("core closed")
	errUnknown = errors.New("unknown handle")
)

// Core is the reactor/proactor facade (C9): it owns one driver.Driver
// instance, the Registry of attached handles, the Chronology of timers and
// deferred work, and the wakeup Controller used to interrupt a blocked
// waiter thread. NewReactor/NewProactor/NewInterface are its constructors;
// a Core is otherwise used the same way regardless of which family its
// driver belongs to.
type Core struct {
	drv        driver.Driver
	ctrl       wakeupController
	reg        *registry.Registry
	chron      *chronology.Chronology
	opts       *options
	family     driver.Family
	bufferPool BufferPool

	// ctrlHandle is the wakeup controller's handle as currently registered
	// with drv. Stored atomically because resyncControllerHandle can
	// rewrite it from inside any waiter's Poll call while other waiters
	// are concurrently comparing an event's Handle against it.
	ctrlHandle atomic.Int64

	waitersMu *locker.Locker
	waiters   map[uint64]*Waiter
	waiterSeq uint64
	waitSem   chan struct{}

	load    atomic.Int64
	stopped atomic.Bool
}

// wakeupController is the subset of *wakeup.Controller Core depends on;
// declared as an interface so the wait loop depends only on these four
// methods rather than on the concrete OS pipe type.
type wakeupController interface {
	Handle() int
	Interrupt() error
	Acknowledge() error
	Close() error
}

func newCore(cfg Config, wantFamily driver.Family, pool BufferPool) (*Core, error) {
	o := cfg.resolve()

	if o.minThreads < 1 || o.minThreads > o.maxThreads {
		return nil, newError(Invalid, "new_core",
			errors.New("min_threads must be >= 1 and <= max_threads"))
	}

	metrics.SetOverallEnabled(o.metricsOverall)

	name := o.driverName
	if name == "" {
		if wantFamily == driver.Completion {
			name = platformDefaultProactorDriver()
		} else {
			name = platformDefaultReactorDriver()
		}
	}

	factory := driver.LookupFactory(name)
	if factory == nil {
		return nil, newError(NotImplemented, "new_core", errors.New("no driver registered: "+name))
	}
	drv, err := factory()
	if err != nil {
		return nil, newError(IoFailure, "new_core", err)
	}
	if drv.Capabilities().Family != wantFamily {
		return nil, newError(Invalid, "new_core",
			errors.New("driver "+name+" does not belong to the requested family"))
	}

	ctrl, err := newWakeupController()
	if err != nil {
		_ = drv.Close()
		return nil, newError(IoFailure, "new_core", err)
	}

	ctrlHandle := driver.Handle(ctrl.Handle())
	if err := drv.Add(ctrlHandle, driver.Interest{Readable: true, Trigger: driver.Level}); err != nil {
		_ = ctrl.Close()
		_ = drv.Close()
		return nil, newError(IoFailure, "new_core", err)
	}

	c := &Core{
		drv:        drv,
		ctrl:       ctrl,
		reg:        registry.New(),
		chron:      chronology.New(),
		opts:       o,
		family:     wantFamily,
		bufferPool: pool,
		waitersMu:  locker.New(),
		waiters:    make(map[uint64]*Waiter),
		waitSem:    make(chan struct{}, maxInt(o.maxThreads, 1)),
	}
	c.ctrlHandle.Store(int64(ctrlHandle))
	return c, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// BufferPool returns the Core's buffer collaborator, or nil when none was
// configured (NewReactor/NewProactor without an explicit pool).
func (c *Core) BufferPool() BufferPool { return c.bufferPool }

// Family reports whether this Core's driver is readiness- or
// completion-based.
func (c *Core) Family() driver.Family { return c.family }

// Load returns the number of waiter threads currently inside Poll.
func (c *Core) Load() int64 { return c.load.Load() }

func (c *Core) incrementLoad() { c.load.Add(1) }
func (c *Core) decrementLoad() { c.load.Add(-1) }

// Attach registers h with interest and cb, creating its Entry. If h is
// already attached, its driver registration and Entry interest are
// replaced by interest (driver Add acts as Update for a known handle) and
// its Callbacks replaced by cb.
// A non-nil s pins every callback delivered for h to that Strand.
func (c *Core) Attach(h Handle, interest driver.Interest, cb Callbacks, s *Strand) error {
	if c.stopped.Load() {
		return newError(Invalid, "attach", errClosed)
	}
	// OneShot is the one interest field with a spec-mandated ambient
	// default (§9 open question 2: true when max_threads > 1, false
	// otherwise): a caller asking for it explicitly is always honored, but
	// a caller who leaves it unset still gets the resolved default rather
	// than a hardcoded false, the way Trigger already falls back to
	// c.opts.trigger on the auto-attach path below.
	oneShot := interest.OneShot || c.opts.resolvedOneShot()
	interest.OneShot = oneShot
	dh := driver.Handle(h)
	if err := c.drv.Add(dh, interest); err != nil {
		return newError(IoFailure, "attach", err)
	}
	e := c.reg.Add(h)
	e.SetInterest(registry.Interest{
		Readable: interest.Readable,
		Writable: interest.Writable,
		Error:    interest.Error,
		Trigger:  registry.Trigger(interest.Trigger),
		OneShot:  oneShot,
	})
	e.SetCallbacks(toRegistryCallbacks(cb))
	if s != nil {
		e.SetStrand(s)
	}
	return nil
}

// Detach removes h: the driver registration is removed and the Entry
// released from the Registry (and OnDetach, if any, invoked) once every
// in-flight callback for h has finished -- before Detach returns when none
// is running -- per the generation/process-counter detachment protocol.
func (c *Core) Detach(h Handle, onDetach func(Handle)) error {
	e := c.reg.Lookup(h)
	if e == nil {
		return newError(Invalid, "detach", errUnknown)
	}
	var fanOut func(Handle)
	if onDetach != nil {
		// finishDetach invokes its userCB inline on whatever goroutine drove
		// the process-counter to zero -- almost always the waiter goroutine
		// in Core.Poll. Routing it through taskpool's detach pool keeps
		// that goroutine free to go back to driver.Wait instead of running
		// caller-supplied cleanup (e.g. closing an fd) on the hot path.
		fanOut = func(h Handle) {
			_ = taskpool.DispatchDetach(func() { onDetach(h) })
		}
	}
	c.reg.RemoveAndMarkReadyToDetach(h, fanOut, func(*registry.Entry) {
		_ = c.drv.Remove(driver.Handle(h))
	})
	return nil
}

// ShowReadable widens h's interest to include Readable, auto-attaching h
// (with empty Callbacks) if it is unknown and auto_attach is enabled.
func (c *Core) ShowReadable(h Handle) error { return c.show(h, registry.Readable) }

// ShowWritable widens h's interest to include Writable.
func (c *Core) ShowWritable(h Handle) error { return c.show(h, registry.Writable) }

// ShowError widens h's interest to include Error.
func (c *Core) ShowError(h Handle) error { return c.show(h, registry.ErrorKind) }

func (c *Core) show(h Handle, k registry.Kind) error {
	if c.stopped.Load() {
		return newError(Invalid, "show", errClosed)
	}
	var autoAttach func() *registry.Entry
	if c.opts.autoAttach {
		autoAttach = func() *registry.Entry {
			oneShot := c.opts.resolvedOneShot()
			_ = c.drv.Add(driver.Handle(h), driver.Interest{
				Trigger: c.opts.trigger,
				OneShot: oneShot,
			})
			e := c.reg.Add(h)
			// registry.Add starts every Entry at a zero Interest; record the
			// driver-level Trigger/OneShot this entry was actually added
			// with so dispatchEvent's one-shot interest-clearing (which
			// reads the Entry's own Interest, not the driver's) agrees
			// with what the driver was told.
			e.SetInterest(registry.Interest{
				Trigger: registry.Trigger(c.opts.trigger),
				OneShot: oneShot,
			})
			return e
		}
	}
	var e *registry.Entry
	switch k {
	case registry.Readable:
		e = c.reg.ShowReadable(h, autoAttach)
	case registry.Writable:
		e = c.reg.ShowWritable(h, autoAttach)
	case registry.ErrorKind:
		e = c.reg.ShowError(h, autoAttach)
	}
	if e == nil {
		return newError(Invalid, "show", errUnknown)
	}
	i := e.Interest()
	return c.syncDriverInterest(h, i)
}

// HideReadable narrows h's interest to exclude Readable, auto-detaching h
// if its resulting interest is empty and auto_detach is enabled.
func (c *Core) HideReadable(h Handle) error { return c.hide(h, registry.Readable) }

// HideWritable narrows h's interest to exclude Writable.
func (c *Core) HideWritable(h Handle) error { return c.hide(h, registry.Writable) }

// HideError narrows h's interest to exclude Error.
func (c *Core) HideError(h Handle) error { return c.hide(h, registry.ErrorKind) }

func (c *Core) hide(h Handle, k registry.Kind) error {
	var autoDetach func(Handle)
	if c.opts.autoDetach {
		autoDetach = func(h Handle) {
			_ = c.Detach(h, nil)
		}
	}
	switch k {
	case registry.Readable:
		c.reg.HideReadable(h, autoDetach)
	case registry.Writable:
		c.reg.HideWritable(h, autoDetach)
	case registry.ErrorKind:
		c.reg.HideError(h, autoDetach)
	}
	if e := c.reg.Lookup(h); e != nil {
		return c.syncDriverInterest(h, e.Interest())
	}
	return nil
}

func (c *Core) syncDriverInterest(h Handle, i registry.Interest) error {
	di := driver.Interest{
		Readable: i.Readable,
		Writable: i.Writable,
		Error:    i.Error,
		Trigger:  driver.Trigger(i.Trigger),
		OneShot:  i.OneShot,
	}
	if err := c.drv.Update(driver.Handle(h), di, driver.Include); err != nil {
		return newError(IoFailure, "show_hide", err)
	}
	return nil
}

// CreateTimer schedules a Timer for deadline, optionally periodic, bound
// to auth/s (either may be nil), and carrying an opaque session value
// retrievable later via Timer.Session.
func (c *Core) CreateTimer(deadline time.Time, period *time.Duration, auth *Authorization, s *Strand,
	session any, cb func(TimerOutcome)) *Timer {
	return c.chron.CreateTimer(deadline, period, auth, s, session, chronology.Callback(cb))
}

// Execute runs fn on s (or, if s is nil, schedules it onto the deferred
// queue that the next wait-loop iteration drains) and wakes a blocked
// waiter so the work does not sit idle until the next natural I/O event.
func (c *Core) Execute(s *Strand, fn func()) {
	if s != nil {
		s.Execute(fn)
	} else {
		c.chron.Defer(fn)
	}
	_ = c.ctrl.Interrupt()
}

// MoveAndExecute atomically hands off seq (a batch of already-queued
// functors) followed by fn to the deferred queue, and wakes a blocked
// waiter.
func (c *Core) MoveAndExecute(seq []func(), fn func()) {
	c.chron.MoveAndExecute(seq, fn)
	_ = c.ctrl.Interrupt()
}

// RegisterWaiter admits a new waiter thread to this Core, returning the
// Waiter handle Run/Poll/DeregisterWaiter expect.
func (c *Core) RegisterWaiter() (*Waiter, error) {
	if c.stopped.Load() {
		return nil, newError(Invalid, "register_waiter", errClosed)
	}
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	c.waiterSeq++
	w := &Waiter{id: c.waiterSeq, core: c}
	c.waiters[w.id] = w
	return w, nil
}

// DeregisterWaiter removes w from this Core. It does not interrupt a call
// to Run/Poll already in flight for w; callers typically Stop the Core (or
// otherwise cause Poll to return) before deregistering.
func (c *Core) DeregisterWaiter(w *Waiter) {
	c.waitersMu.Lock()
	delete(c.waiters, w.id)
	c.waitersMu.Unlock()
}

// Run drives w's wait loop until the Core is stopped or Poll returns an
// error whose code is not IoFailure.
func (c *Core) Run(w *Waiter) error {
	for !c.stopped.Load() {
		if err := c.Poll(w); err != nil {
			var e *Error
			if errors.As(err, &e) && e.Code == IoFailure {
				continue
			}
			return err
		}
	}
	return nil
}

// Poll runs exactly one iteration of the wait loop: compute the next
// timeout from Chronology, block in driver.Wait, map each delivered Event
// back to its Entry and dispatch its callback, then drain expired timers
// and deferred work. This is the literal step sequence the component
// design calls for; step 1 ("flush pending driver changes") is a
// deliberate no-op here because every driver/ backend already applies
// Add/Update/Remove synchronously, so there is never a batched changelist
// left to flush.
func (c *Core) Poll(w *Waiter) error {
	if c.stopped.Load() {
		return newError(Invalid, "poll", errClosed)
	}

	select {
	case c.waitSem <- struct{}{}:
	default:
		return newError(LimitExceeded, "poll", errors.New("max_threads exceeded"))
	}
	defer func() { <-c.waitSem }()

	c.incrementLoad()
	defer c.decrementLoad()

	now := time.Now()
	timeout := time.Duration(-1)
	if d, ok := c.chron.TimeoutInterval(now); ok {
		timeout = d
	}

	events := make([]driver.Event, c.opts.maxEventsPerWait)
	n, err := c.drv.Wait(events, timeout)
	metrics.Add(metrics.DriverWaitCalls, 1)
	if timeout == 0 {
		metrics.Add(metrics.DriverNoWaitCalls, 1)
	}
	if err != nil {
		return newError(IoFailure, "poll", err)
	}
	metrics.Add(metrics.DriverEvents, uint64(n))

	for i := 0; i < n; i++ {
		ev := events[i]
		if int64(ev.Handle) == c.ctrlHandle.Load() {
			_ = c.ctrl.Acknowledge()
			c.resyncControllerHandle()
			continue
		}
		c.dispatchEvent(ev)
	}

	// maxTimersPerWait bounds how many expired timers a single
	// AnnounceExpiredAndDeferred pass announces per shard before this
	// method has to return to the wheel and check again; maxCyclesPerWait
	// bounds how many such passes run before yielding back to driver.Wait,
	// so a timer storm can't starve I/O indefinitely but still drains
	// faster than one timer per Poll call.
	for cycle := 0; cycle < c.opts.maxCyclesPerWait; cycle++ {
		if ran := c.chron.AnnounceExpiredAndDeferred(time.Now(), c.opts.maxTimersPerWait); ran == 0 {
			break
		}
	}
	return nil
}

// resyncControllerHandle notices when Acknowledge (or Interrupt, on a prior
// call) recreated the wakeup pipe after an I/O failure and re-registers the
// new handle with the driver, discarding the stale one -- Controller itself
// only swaps its own atomic pointer and has no access to the driver to do
// this on its own.
func (c *Core) resyncControllerHandle() {
	old := c.ctrlHandle.Load()
	newHandle := int64(c.ctrl.Handle())
	if newHandle == old {
		return
	}
	if !c.ctrlHandle.CompareAndSwap(old, newHandle) {
		// Another waiter already resynced this recreation.
		return
	}
	if err := c.drv.Add(driver.Handle(newHandle), driver.Interest{Readable: true, Trigger: driver.Level}); err != nil {
		return
	}
	_ = c.drv.Remove(driver.Handle(old))
}

func (c *Core) dispatchEvent(ev driver.Event) {
	h := registry.Handle(ev.Handle)
	e := c.reg.LookupAndMarkProcessing(h)
	if e == nil {
		return
	}
	defer c.reg.DecrementProcessCounter(e)

	// A one-shot kind whose bit an earlier delivery already cleared stays
	// disarmed until Show* re-arms it, even if a level-triggered driver
	// keeps reporting it.
	interest := e.Interest()
	if interest.OneShot {
		switch ev.Kind {
		case driver.Readable:
			if !interest.Readable {
				return
			}
			e.ClearInterestBit(registry.Readable)
		case driver.Writable:
			if !interest.Writable {
				return
			}
			e.ClearInterestBit(registry.Writable)
		case driver.ErrorEvent:
			e.ClearInterestBit(registry.ErrorKind)
		}
	}

	cbs := e.Callbacks()
	fn := callbackFor(cbs, ev.Kind, e.Handle())
	if fn == nil {
		return
	}

	s := e.Strand()
	dispatch.MarkDraining(s)
	dispatch.Dispatch(dispatch.Callback{Strand: s, Fn: fn}, nil, true, func(f func()) {
		_ = taskpool.Submit(f)
	})
	dispatch.UnmarkDraining(s)
}

// callbackFor maps a driver Event's Kind to the matching registry callback,
// bound to h. Completion-family kinds not present in the readiness set
// (Accepted counted as readable-equivalent, Connected as a
// writable-equivalent "this handle is now usable", Detached as the
// terminal error-equivalent) are folded onto the
// same three slots so a single Callbacks struct serves both driver
// families, matching the DATA MODEL note that Entry carries one interest
// triple regardless of which family produced the event.
func callbackFor(cbs registry.Callbacks, k driver.Kind, h registry.Handle) func() {
	switch k {
	case driver.Readable, driver.Received, driver.Accepted:
		if cbs.OnReadable == nil {
			return nil
		}
		return func() { cbs.OnReadable(h) }
	case driver.Writable, driver.Sent, driver.Connected:
		if cbs.OnWritable == nil {
			return nil
		}
		return func() { cbs.OnWritable(h) }
	case driver.ErrorEvent, driver.Detached:
		if cbs.OnError == nil {
			return nil
		}
		return func() { cbs.OnError(h) }
	default:
		return nil
	}
}

// Stop marks the Core as stopped and wakes every registered waiter so each
// Run loop observes it and returns. Poll/Attach/Show*/RegisterWaiter all
// refuse new work once stopped; in-flight callbacks are allowed to finish.
func (c *Core) Stop() {
	c.stopped.Store(true)
	c.waitersMu.Lock()
	n := len(c.waiters)
	c.waitersMu.Unlock()
	for i := 0; i < n; i++ {
		_ = c.ctrl.Interrupt()
	}
}

// Restart clears the stopped flag, allowing a previously Stopped Core to
// resume accepting Poll calls and new registrations.
func (c *Core) Restart() {
	c.stopped.Store(false)
}

// Close stops the Core, releases the driver's own OS resources and the
// wakeup controller, and detaches every remaining entry (without invoking
// the driver's remove, since the driver itself is about to be closed).
func (c *Core) Close() error {
	c.Stop()
	c.reg.CloseAll(registry.Handle(c.ctrlHandle.Load()))
	var firstErr error
	if err := c.drv.Close(); err != nil {
		firstErr = err
	}
	if err := c.ctrl.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
