// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package strand implements a single-threaded logical executor: a FIFO of
// pending functors guarded by an atomic "owned" flag, independent of which
// physical thread ends up draining it.
package strand

import (
	"sync"

	"go.uber.org/atomic"
)

// Func is a functor submitted to a Strand.
type Func func()

// Strand serializes arbitrary functors: Execute appends fn to the queue; if
// no thread currently owns the strand, the calling thread claims ownership
// and drains in FIFO order until the queue is empty, then releases. A
// classic two-phase release avoids losing work submitted during the last
// drain pass: after the queue empties, the owner rechecks once more before
// giving up ownership.
//
// The spinlock-CAS claim pattern is the same one internal/locker uses for
// mutual exclusion, specialized here to guard a queue instead of a critical
// section.
type Strand struct {
	mu    sync.Mutex
	queue []Func
	owned atomic.Bool
}

// New creates an empty, unowned Strand.
func New() *Strand {
	return &Strand{}
}

// Execute appends fn to the strand's queue. If the calling thread
// successfully claims ownership (the strand was not already owned), it
// drains the queue inline before returning. Otherwise fn will run on
// whichever thread currently owns or next claims the strand.
func (s *Strand) Execute(fn Func) {
	s.push(fn)
	s.runIfUnowned()
}

// Running reports whether some goroutine, not necessarily the caller, is
// currently draining the strand. Strand has no goroutine identity of its
// own; callers that need "is this my strand" semantics track that
// separately (see internal/dispatch) and consult this only as a fallback
// -- Running simply reports whether anything currently owns the strand.
func (s *Strand) Running() bool {
	return s.owned.Load()
}

func (s *Strand) push(fn Func) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
}

func (s *Strand) pop() (Func, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	fn := s.queue[0]
	s.queue = s.queue[1:]
	return fn, true
}

func (s *Strand) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

func (s *Strand) runIfUnowned() {
	if !s.owned.CAS(false, true) {
		return
	}
	s.drain()
}

// drain runs functors until the queue is empty, then performs the
// two-phase release: clear owned, and if something snuck in between the
// last pop and the release, reclaim ownership and keep draining.
func (s *Strand) drain() {
	for {
		for {
			fn, ok := s.pop()
			if !ok {
				break
			}
			fn()
		}
		s.owned.Store(false)
		if s.empty() {
			return
		}
		if !s.owned.CAS(false, true) {
			// Another thread claimed ownership in the gap; its drain
			// loop is responsible for the remaining work.
			return
		}
	}
}
