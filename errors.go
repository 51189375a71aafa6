// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package reactor

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code is the error taxonomy propagated through every synchronous and
// asynchronous failure path (spec §7). It intentionally stays a closed,
// small set rather than growing one variant per call site.
type Code int

// Error codes.
const (
	// Invalid marks an argument precondition that was not met: a nil
	// function, an unknown handle used without auto-attach, or
	// contradictory options.
	Invalid Code = iota
	// NotImplemented marks a requested capability the active driver does
	// not support (e.g. edge trigger on a level-only backend).
	NotImplemented
	// Pending marks an operation accepted but deferred; the caller MUST
	// NOT assume completion.
	Pending
	// Cancelled marks an authorization revoked before invocation.
	Cancelled
	// ConnectionDead marks a peer-side failure detected during event
	// mapping.
	ConnectionDead
	// LimitExceeded marks a handle-reservation that was denied.
	LimitExceeded
	// IoFailure wraps a raw OS error surfaced by the driver, preserved for
	// diagnostics.
	IoFailure
)

// String implements fmt.Stringer.
func (c Code) String() string {
	switch c {
	case Invalid:
		return "Invalid"
	case NotImplemented:
		return "NotImplemented"
	case Pending:
		return "Pending"
	case Cancelled:
		return "Cancelled"
	case ConnectionDead:
		return "ConnectionDead"
	case LimitExceeded:
		return "LimitExceeded"
	case IoFailure:
		return "IoFailure"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is the concrete error type every core operation returns. Op names
// the failing operation (e.g. "attach", "show_readable") so a caller
// reading a log line does not need a stack trace to know which call site
// produced it.
type Error struct {
	Code Code
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("reactor: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("reactor: %s: %s: %v", e.Op, e.Code, e.Err)
}

// Unwrap exposes the wrapped error for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// newError constructs an *Error, wrapping err with github.com/pkg/errors
// the same way the teacher's poller_epoll.go annotates a raw OS error with
// the operation that produced it.
func newError(code Code, op string, err error) *Error {
	if err != nil {
		err = pkgerrors.Wrap(err, op)
	}
	return &Error{Code: code, Op: op, Err: err}
}
