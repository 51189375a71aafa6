// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package dispatch implements the pass-through-vs-defer decision (C7):
// whether an announcement is invoked inline on the calling thread or
// enqueued to a strand, while honoring Authorization and strand affinity.
// There is no single teacher file this mirrors one-to-one -- tnet's
// pollers call OnRead/OnWrite directly with no strand-affinity concept --
// so this package is grounded on the dispatch contract in spec §4.7 and
// assembled from the teacher's existing primitives: internal/locker's
// "is this goroutine already holding the resource" question recast as "is
// this goroutine already draining the target strand", and
// internal/safejob's CAS-gated invocation recast as internal/authz.
package dispatch

import (
	"sync"

	"github.com/go-ntio/reactor/internal/authz"
	"github.com/go-ntio/reactor/internal/locker"
	"github.com/go-ntio/reactor/internal/strand"
	"github.com/go-ntio/reactor/metrics"
)

// Result mirrors the spec's per-call outcome for a dispatched callback.
type Result int

// Dispatch outcomes.
const (
	Ok Result = iota
	Invalid
	Cancelled
	Pending
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case Ok:
		return "Ok"
	case Invalid:
		return "Invalid"
	case Cancelled:
		return "Cancelled"
	case Pending:
		return "Pending"
	default:
		return "Unknown"
	}
}

// drainingBy records which strands are currently marked as being drained,
// used to decide "the caller thread is draining S_c" without
// goroutine-local storage: a map keyed by strand pointer, guarded by
// drainingMu, set and cleared via MarkDraining/UnmarkDraining below. In Go,
// "current goroutine" has no portable handle, so the mark is per
// *strand.Strand, not per goroutine: while S is marked, isDraining(S)
// reports true for every caller.
var drainingMu = locker.New()
var drainingBy map[*strand.Strand]bool = make(map[*strand.Strand]bool)

// MarkDraining records that s is currently being drained by the calling
// goroutine. The core's wait loop calls this around running an entry's own
// strand-affine callback path so nested dispatch calls on the same strand
// are recognized as already-inline.
func MarkDraining(s *strand.Strand) {
	if s == nil {
		return
	}
	drainingMu.Lock()
	drainingBy[s] = true
	drainingMu.Unlock()
}

// UnmarkDraining clears the draining marker set by MarkDraining.
func UnmarkDraining(s *strand.Strand) {
	if s == nil {
		return
	}
	drainingMu.Lock()
	delete(drainingBy, s)
	drainingMu.Unlock()
}

func isDraining(s *strand.Strand) bool {
	if s == nil {
		return false
	}
	drainingMu.Lock()
	defer drainingMu.Unlock()
	return drainingBy[s]
}

// Callback is an invoker target bound to a strand and an authorization.
type Callback struct {
	Strand *strand.Strand
	Auth   *authz.Authorization
	Fn     func()
}

// Dispatch decides whether to invoke cb.Fn inline or defer it to cb.Strand,
// per the spec's §4.7 contract:
//
//   - if cb.Strand == current, or cb.Strand is nil (unspecified) and
//     immediate is requested, or cb.Strand is marked as draining (see
//     MarkDraining), invoke inline;
//   - otherwise enqueue to cb.Strand (or executor if cb.Strand is nil) and
//     return Pending.
//
// current is the strand the calling thread considers itself affine to
// (nil if none); immediate requests inline delivery when no strand
// affinity applies. executor is used when cb.Strand is nil and inline
// delivery was not chosen.
func Dispatch(cb Callback, current *strand.Strand, immediate bool, executor func(func())) Result {
	if cb.Fn == nil {
		return Invalid
	}
	if cb.Auth != nil && cb.Auth.Aborted() {
		metrics.Add(metrics.DispatchCancelled, 1)
		return Cancelled
	}

	inline := cb.Strand == current ||
		(cb.Strand == nil && immediate) ||
		isDraining(cb.Strand)

	if inline {
		metrics.Add(metrics.DispatchInline, 1)
		if cb.Auth != nil && cb.Auth.Aborted() {
			return Cancelled
		}
		cb.Fn()
		return Ok
	}

	metrics.Add(metrics.DispatchDeferred, 1)
	fn := func() {
		if cb.Auth != nil && cb.Auth.Aborted() {
			return
		}
		cb.Fn()
	}
	if cb.Strand != nil {
		cb.Strand.Execute(fn)
	} else if executor != nil {
		executor(fn)
	} else {
		fn()
	}
	return Pending
}

// DispatchWithMutex implements the "dispatch" variant that additionally
// accepts a mutex held by the caller: when inline invocation is chosen,
// the mutex is released for the duration of the call and reacquired
// afterward, so cb.Fn never runs while holding a lock it didn't take out
// itself.
func DispatchWithMutex(cb Callback, current *strand.Strand, immediate bool, executor func(func()),
	mu sync.Locker) Result {
	if cb.Fn == nil {
		return Invalid
	}
	if cb.Auth != nil && cb.Auth.Aborted() {
		metrics.Add(metrics.DispatchCancelled, 1)
		return Cancelled
	}

	inline := cb.Strand == current ||
		(cb.Strand == nil && immediate) ||
		isDraining(cb.Strand)

	if inline {
		mu.Unlock()
		defer mu.Lock()
		metrics.Add(metrics.DispatchInline, 1)
		if cb.Auth != nil && cb.Auth.Aborted() {
			return Cancelled
		}
		cb.Fn()
		return Ok
	}

	return Dispatch(cb, current, immediate, executor)
}
