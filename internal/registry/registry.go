// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package registry maps OS handles to reference-counted Entries and
// coordinates safe removal while callbacks may still be running on other
// threads. It is the generation-stamped-arena rewrite of the teacher's
// shared_ptr-cached Desc pool (internal/poller's descCache): instead of a
// free-list of *Desc recycled via GC-invisible pointers, entries live in
// sharded maps keyed by the OS Handle, and each Entry carries a generation
// number in its packed state word.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/go-ntio/reactor/internal/strand"
	"github.com/go-ntio/reactor/metrics"
)

// Handle identifies an OS descriptor. It is compared by identity and may be
// reused by the OS after close; callers must not assume a Handle value
// stays bound to the same socket forever.
type Handle int

// Kind distinguishes the event category used for the per-kind
// show/hide interest-mutation API.
type Kind int

// Event kinds understood by the registry's show/hide pattern.
const (
	Readable Kind = iota
	Writable
	ErrorKind
)

// Callbacks bundles the optional per-socket callbacks an Entry may carry.
type Callbacks struct {
	OnReadable func(h Handle)
	OnWritable func(h Handle)
	OnError    func(h Handle)
	OnDetach   func(h Handle)
}

// entryState packs generation, process-counter and the detach-pending flag
// into one word so lookup_and_mark_processing and decrement_process_counter
// can be implemented as a single CAS, per the spec's design notes on
// replacing shared_ptr-based lifetime tracking with an arena + generation
// index.
//
// Layout (64 bits): [ unused:15 | generation:32 | detachPending:1 | processCounter:16 ]
type entryState uint64

const (
	processCounterShift = 0
	processCounterMask  = 0xFFFF
	detachPendingBit    = 1 << 16
	generationShift      = 17
)

func packState(generation uint32, processCounter uint16, detachPending bool) entryState {
	s := entryState(generation) << generationShift
	s |= entryState(processCounter) << processCounterShift
	if detachPending {
		s |= detachPendingBit
	}
	return s
}

func (s entryState) generation() uint32 {
	return uint32(s >> generationShift)
}

func (s entryState) processCounter() uint16 {
	return uint16((s >> processCounterShift) & processCounterMask)
}

func (s entryState) detachPending() bool {
	return s&detachPendingBit != 0
}

// Entry is the registry's per-handle record: the handle, its current
// Interest, optional callbacks, and the packed generation/process-counter/
// detach-pending state word that the detachment protocol operates on
// lock-free.
type Entry struct {
	handle    Handle
	state     atomic.Uint64
	mu        sync.RWMutex
	interest  Interest
	callbacks Callbacks
	userCB    func(Handle)
	detachFn  func(*Entry)
	strand    *strand.Strand
}

// Strand returns the Strand this entry's callbacks are affine to, or nil
// if none was set.
func (e *Entry) Strand() *strand.Strand {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.strand
}

// SetStrand binds s as this entry's strand affinity; callback dispatch
// decides inline-vs-deferred based on it (internal/dispatch).
func (e *Entry) SetStrand(s *strand.Strand) {
	e.mu.Lock()
	e.strand = s
	e.mu.Unlock()
}

// ClearInterestBit narrows the entry's recorded Interest to exclude k,
// without triggering auto-detach. The core's wait loop calls this on a
// one-shot Entry right before announcing, so the Entry's bookkeeping
// matches what the driver itself already cleared for a one-shot
// registration.
func (e *Entry) ClearInterestBit(k Kind) {
	e.mu.Lock()
	switch k {
	case Readable:
		e.interest.Readable = false
	case Writable:
		e.interest.Writable = false
	case ErrorKind:
		e.interest.Error = false
	}
	e.mu.Unlock()
}

// Handle returns the entry's OS handle.
func (e *Entry) Handle() Handle {
	return e.handle
}

// Generation returns the entry's current generation stamp, used by callers
// that retain a {slot, generation} pair across Registry operations to
// detect a stale reference.
func (e *Entry) Generation() uint32 {
	return entryState(e.state.Load()).generation()
}

// Interest returns a copy of the entry's current Interest.
func (e *Entry) Interest() Interest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.interest
}

// SetInterest replaces the entry's Interest.
func (e *Entry) SetInterest(i Interest) {
	e.mu.Lock()
	e.interest = i
	e.mu.Unlock()
}

// SetCallbacks replaces the entry's per-kind callbacks.
func (e *Entry) SetCallbacks(cb Callbacks) {
	e.mu.Lock()
	e.callbacks = cb
	e.mu.Unlock()
}

// Callbacks returns a copy of the entry's current callbacks.
func (e *Entry) Callbacks() Callbacks {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.callbacks
}

// ProcessCounter returns the number of in-flight callback invocations for
// this entry.
func (e *Entry) ProcessCounter() uint16 {
	return entryState(e.state.Load()).processCounter()
}

// DetachPending reports whether a detach has been requested for this entry.
func (e *Entry) DetachPending() bool {
	return entryState(e.state.Load()).detachPending()
}

// Interest is the per-socket record of which events are wanted, plus
// trigger mode and one-shot flag (spec data model C1).
type Interest struct {
	Readable bool
	Writable bool
	Error    bool
	Trigger  Trigger
	OneShot  bool
}

// Trigger selects level- or edge-triggered notification.
type Trigger int

// Trigger modes.
const (
	Level Trigger = iota
	Edge
)

// Registry maps handles to Entries with sharded locking, so unrelated
// handles never contend on the same mutex -- the Go analogue of the
// teacher's per-poller descCache spinlock, generalized to N shards keyed by
// handle hash.
type Registry struct {
	shards []shard
	mask   uint32
}

type shard struct {
	mu      sync.RWMutex
	entries map[Handle]*Entry
}

const defaultShardCount = 16

// New creates an empty Registry with the default shard count.
func New() *Registry {
	return NewShardCount(defaultShardCount)
}

// NewShardCount creates an empty Registry with n shards; n is rounded up to
// the next power of two.
func NewShardCount(n int) *Registry {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	r := &Registry{shards: make([]shard, p), mask: uint32(p - 1)}
	for i := range r.shards {
		r.shards[i].entries = make(map[Handle]*Entry)
	}
	return r
}

func (r *Registry) shardFor(h Handle) *shard {
	return &r.shards[uint32(h)&r.mask]
}

// Add creates an Entry for handle with empty Interest. If an Entry already
// exists for handle, it is returned unchanged (idempotent, matching the
// driver's add() contract where re-adding is equivalent to an update).
func (r *Registry) Add(h Handle) *Entry {
	s := r.shardFor(h)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok {
		return e
	}
	e := &Entry{handle: h}
	e.state.Store(uint64(packState(1, 0, false)))
	s.entries[h] = e
	metrics.Add(metrics.RegistryAttach, 1)
	return e
}

// Lookup returns the Entry for handle, or nil if none exists.
func (r *Registry) Lookup(h Handle) *Entry {
	s := r.shardFor(h)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[h]
	if !ok {
		metrics.Add(metrics.RegistryLookupMiss, 1)
		return nil
	}
	return e
}

// LookupAndMarkProcessing atomically looks up handle and, if present and not
// already detached-and-drained, increments its process-counter and returns
// it. The caller MUST call DecrementProcessCounter exactly once for every
// successful call.
func (r *Registry) LookupAndMarkProcessing(h Handle) *Entry {
	e := r.Lookup(h)
	if e == nil {
		return nil
	}
	for {
		old := entryState(e.state.Load())
		if old.detachPending() && old.processCounter() == 0 {
			// Already fully detached; refuse re-entry.
			return nil
		}
		next := packState(old.generation(), old.processCounter()+1, old.detachPending())
		if e.state.CompareAndSwap(uint64(old), uint64(next)) {
			return e
		}
	}
}

// DecrementProcessCounter decrements e's process-counter. When it reaches
// zero and detachment is pending, the detach callback fires exactly once
// and the Entry is removed from the Registry.
func (r *Registry) DecrementProcessCounter(e *Entry) uint16 {
	for {
		old := entryState(e.state.Load())
		pc := old.processCounter()
		if pc == 0 {
			return 0
		}
		next := packState(old.generation(), pc-1, old.detachPending())
		if !e.state.CompareAndSwap(uint64(old), uint64(next)) {
			continue
		}
		if pc-1 == 0 && next.detachPending() {
			r.finishDetach(e)
		}
		return pc - 1
	}
}

// RemoveAndMarkReadyToDetach sets detach-pending on the Entry for handle,
// records userCB, and either invokes driverRemove inline (when the
// process-counter is already zero) or leaves removal to the next
// DecrementProcessCounter that reaches zero.
func (r *Registry) RemoveAndMarkReadyToDetach(h Handle, userCB func(Handle), driverRemove func(*Entry)) bool {
	e := r.Lookup(h)
	if e == nil {
		return false
	}
	e.mu.Lock()
	e.userCB = userCB
	e.detachFn = driverRemove
	e.mu.Unlock()

	metrics.Add(metrics.RegistryDetachRequested, 1)
	for {
		old := entryState(e.state.Load())
		if old.detachPending() {
			return true
		}
		next := packState(old.generation(), old.processCounter(), true)
		if !e.state.CompareAndSwap(uint64(old), uint64(next)) {
			continue
		}
		if old.processCounter() == 0 {
			r.finishDetach(e)
		}
		return true
	}
}

// finishDetach removes e from its shard, runs the registered driver-remove
// hook and user detach callback, and bumps the entry's generation so any
// stale {slot, generation} references observe the change. It is only ever
// called exactly once per Entry, from the transition that drives the
// process-counter to zero while detachment is pending.
func (r *Registry) finishDetach(e *Entry) {
	s := r.shardFor(e.handle)
	s.mu.Lock()
	delete(s.entries, e.handle)
	s.mu.Unlock()

	e.mu.Lock()
	fn, cb := e.detachFn, e.userCB
	e.mu.Unlock()

	if fn != nil {
		fn(e)
	}

	old := entryState(e.state.Load())
	e.state.Store(uint64(packState(old.generation()+1, 0, true)))

	metrics.Add(metrics.RegistryDetachCompleted, 1)
	if cb != nil {
		cb(e.handle)
	}
	cbs := e.Callbacks()
	if cbs.OnDetach != nil {
		cbs.OnDetach(e.handle)
	}
}

// CloseAll removes every entry except except, invoking each one's detach
// machinery as if RemoveAndMarkReadyToDetach had been called with no driver
// hook. Used during shutdown.
func (r *Registry) CloseAll(except Handle) {
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		handles := make([]Handle, 0, len(s.entries))
		for h := range s.entries {
			if h != except {
				handles = append(handles, h)
			}
		}
		s.mu.RUnlock()
		for _, h := range handles {
			r.RemoveAndMarkReadyToDetach(h, nil, nil)
		}
	}
}

// ShowReadable widens h's interest to include Readable, creating the Entry
// via autoAttach if it does not yet exist and autoAttach is non-nil.
func (r *Registry) ShowReadable(h Handle, autoAttach func() *Entry) *Entry {
	return r.show(h, Readable, autoAttach)
}

// ShowWritable widens h's interest to include Writable.
func (r *Registry) ShowWritable(h Handle, autoAttach func() *Entry) *Entry {
	return r.show(h, Writable, autoAttach)
}

// ShowError widens h's interest to include Error.
func (r *Registry) ShowError(h Handle, autoAttach func() *Entry) *Entry {
	return r.show(h, ErrorKind, autoAttach)
}

func (r *Registry) show(h Handle, k Kind, autoAttach func() *Entry) *Entry {
	e := r.Lookup(h)
	if e == nil {
		if autoAttach == nil {
			return nil
		}
		e = autoAttach()
	}
	e.mu.Lock()
	switch k {
	case Readable:
		e.interest.Readable = true
	case Writable:
		e.interest.Writable = true
	case ErrorKind:
		e.interest.Error = true
	}
	e.mu.Unlock()
	return e
}

// HideReadable narrows h's interest to exclude Readable, invoking
// autoDetach (if non-nil and the resulting interest is empty) to remove the
// handle entirely.
func (r *Registry) HideReadable(h Handle, autoDetach func(Handle)) {
	r.hide(h, Readable, autoDetach)
}

// HideWritable narrows h's interest to exclude Writable.
func (r *Registry) HideWritable(h Handle, autoDetach func(Handle)) {
	r.hide(h, Writable, autoDetach)
}

// HideError narrows h's interest to exclude Error.
func (r *Registry) HideError(h Handle, autoDetach func(Handle)) {
	r.hide(h, ErrorKind, autoDetach)
}

func (r *Registry) hide(h Handle, k Kind, autoDetach func(Handle)) {
	e := r.Lookup(h)
	if e == nil {
		return
	}
	e.mu.Lock()
	switch k {
	case Readable:
		e.interest.Readable = false
	case Writable:
		e.interest.Writable = false
	case ErrorKind:
		e.interest.Error = false
	}
	empty := !e.interest.Readable && !e.interest.Writable && !e.interest.Error
	e.mu.Unlock()
	if empty && autoDetach != nil {
		autoDetach(h)
	}
}

// Len returns the number of live entries, for diagnostics and tests.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
