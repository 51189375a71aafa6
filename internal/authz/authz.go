// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package authz implements the cancellable one-shot guard that every
// user-supplied callback is invoked through: an Authorization that can be
// aborted exactly once, and an Invoker that CAS-checks it before running
// the wrapped function.
package authz

import (
	"go.uber.org/atomic"
)

// Status is the result of attempting an Invoker call.
type Status int

// Invocation outcomes.
const (
	// Ok means the wrapped function ran to completion.
	Ok Status = iota
	// Cancelled means Authorization was aborted before the call; the
	// wrapped function did not run.
	Cancelled
	// Invalid means no function was set on the Invoker.
	Invalid
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case Ok:
		return "Ok"
	case Cancelled:
		return "Cancelled"
	case Invalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Authorization holds an atomic Open/Aborted enum shared by one or more
// Invokers. abort() is a one-way transition; further aborts are no-ops.
type Authorization struct {
	aborted atomic.Bool
}

// New creates an Authorization in the Open state.
func New() *Authorization {
	return &Authorization{}
}

// Abort transitions Open -> Aborted. Idempotent.
func (a *Authorization) Abort() {
	a.aborted.Store(true)
}

// Aborted reports whether Abort has ever been called.
func (a *Authorization) Aborted() bool {
	return a.aborted.Load()
}

// Func is a user callback wrapped by an Invoker.
type Func func()

// Invoker wraps a user function F together with an Authorization. Every
// Call first checks Authorization: if Open, F runs and Ok is returned; if
// Aborted, Cancelled is returned and F does not run.
//
// Abort observed partway through Call never interrupts a function already
// running: cancellation only gates the next Call, matching the spec's
// "currently-running invocations complete" rule.
type Invoker struct {
	auth *Authorization
	fn   Func
}

// NewInvoker wraps fn with auth. A nil auth means the invoker is always
// Open (never cancellable).
func NewInvoker(auth *Authorization, fn Func) *Invoker {
	return &Invoker{auth: auth, fn: fn}
}

// Call runs the wrapped function if Authorization is Open and a function is
// set, returning the outcome.
func (i *Invoker) Call() Status {
	if i.fn == nil {
		return Invalid
	}
	if i.auth != nil && i.auth.Aborted() {
		return Cancelled
	}
	i.fn()
	return Ok
}

// Authorization returns the Invoker's current Authorization, which may be
// nil.
func (i *Invoker) Authorization() *Authorization {
	return i.auth
}

// SetAuthorization replaces the Invoker's Authorization. When auth is
// non-nil this always takes effect -- there is no "invoker absent" branch
// that silently skips the assignment.
func (i *Invoker) SetAuthorization(auth *Authorization) {
	i.auth = auth
}

// SetFunc replaces the wrapped function.
func (i *Invoker) SetFunc(fn Func) {
	i.fn = fn
}
