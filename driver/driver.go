// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package driver defines the pluggable polling/completion engine contract
// (C8) and the registry of backend factories selected by name. Each
// backend file (epoll_linux.go, kqueue_bsd.go, poll_unix.go, ...)
// implements Driver in terms of one native OS interface; none of them
// know about registry.Entry or user callbacks -- C9 owns mapping a raw
// Event's Handle back to an Entry and running dispatch. This intentionally
// generalizes the teacher's internal/poller.Poller interface, which wires
// *Desc (and its embedded OnRead/OnWrite/OnHup callbacks) straight through
// the epoll/kqueue event's opaque data field: here the opaque data field
// carries only a Handle, keeping the C8/C9 layering the spec calls for.
package driver

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Handle identifies an OS descriptor understood by a Driver. It mirrors
// registry.Handle but driver intentionally avoids importing the registry
// package, keeping the dependency direction strictly C9 -> C8.
type Handle int

// Kind distinguishes the event category reported by a readiness or
// completion driver.
type Kind int

// Readiness event kinds.
const (
	Readable Kind = iota
	Writable
	ErrorEvent
	// Completion event kinds (CompletionDriver backends only).
	Accepted
	Connected
	Received
	Sent
	Detached
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Readable:
		return "Readable"
	case Writable:
		return "Writable"
	case ErrorEvent:
		return "Error"
	case Accepted:
		return "Accepted"
	case Connected:
		return "Connected"
	case Received:
		return "Received"
	case Sent:
		return "Sent"
	case Detached:
		return "Detached"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Trigger selects level- or edge-triggered notification for a readiness
// registration.
type Trigger int

// Trigger modes.
const (
	Level Trigger = iota
	Edge
)

// Interest is the triple {readable, writable, error} plus trigger mode and
// one-shot flag from the spec's data model (C1). Equality is structural.
type Interest struct {
	Readable bool
	Writable bool
	Error    bool
	Trigger  Trigger
	OneShot  bool
}

// UpdateType is advisory metadata on update(): the caller's belief about
// whether the new Interest widens or narrows the old one. It never changes
// correctness: every backend in this package ignores it and applies the
// full new Interest.
type UpdateType int

// Update types.
const (
	Include UpdateType = iota
	Exclude
)

// Event is a single reported readiness or completion occurrence.
type Event struct {
	Handle Handle
	Kind   Kind
	// BytesPending is a readiness hint (e.g. peeked via FIONREAD), -1 if
	// unavailable.
	BytesPending int
	// OSError carries a peeked SO_ERROR / completion status; nil when
	// none was observed.
	OSError error
	// Context carries the completion operation's user-supplied value for
	// CompletionDriver backends; unused by readiness backends.
	Context any
}

// Family distinguishes readiness (epoll/kqueue/poll/...) from completion
// (IOCP/io_uring) drivers, per spec §4.1.
type Family int

// Driver families.
const (
	Readiness Family = iota
	Completion
)

// Capabilities reports what a Driver backend can and cannot do, so the
// core can answer "capability query" questions (spec §4.1's edge-trigger
// emulation choice) without trial and error.
type Capabilities struct {
	Family Family
	// EdgeTriggerSupported reports whether the backend offers native edge
	// triggering. When false, the backend either refuses Edge
	// registrations with ErrNotImplemented or emulates Edge by
	// auto-masking, per EdgeEmulated.
	EdgeTriggerSupported bool
	// EdgeEmulated reports whether a backend lacking native edge support
	// emulates it (auto-mask until re-arm) instead of refusing. Ignored
	// when EdgeTriggerSupported is true.
	EdgeEmulated bool
	// RearmOnDeliver reports whether registration is consumed on each
	// delivery and must be re-armed by the caller (event ports).
	RearmOnDeliver bool
}

// ErrNotImplemented is returned by add/update when a requested capability
// (e.g. edge trigger on a level-only backend) is not supported.
var ErrNotImplemented = errors.New("driver: not implemented by this backend")

// Driver is the polling/completion engine contract (C8). Implementations
// are not required to be safe for concurrent use except where documented
// per-method; the core serializes access per its generation-mutex/
// semaphore discipline (spec §4.8's concurrency model).
type Driver interface {
	// Name returns the backend's short identifier, used in diagnostics
	// and configuration (the driver_name option).
	Name() string

	// Capabilities reports this backend's fixed feature set.
	Capabilities() Capabilities

	// Add registers handle with interest. Idempotent: if handle is
	// already registered, behaves as Update with type Include.
	Add(handle Handle, interest Interest) error

	// Update replaces handle's interest. typ is advisory (see UpdateType).
	Update(handle Handle, interest Interest, typ UpdateType) error

	// Remove unregisters handle. Succeeds silently if handle is not
	// currently registered.
	Remove(handle Handle) error

	// Wait blocks up to timeout (or indefinitely when timeout < 0) and
	// appends up to len(eventsOut) events into eventsOut, returning the
	// count delivered. MUST be interruptible by another thread writing to
	// the controller handle registered via Add.
	Wait(eventsOut []Event, timeout time.Duration) (int, error)

	// Close releases the backend's own OS resources (e.g. the epoll fd).
	// It does not close any handles the caller registered.
	Close() error
}

// Factory constructs a new Driver instance.
type Factory func() (Driver, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory registers a named backend factory. Backend files call
// this from an init() func, mirroring the teacher's
// loadbalance.RegisterBalanceBuilder registry idiom (one registry per
// pluggable-strategy concern).
func RegisterFactory(name string, f Factory) {
	if name == "" || f == nil {
		panic("driver: register invalid factory")
	}
	factoriesMu.Lock()
	factories[name] = f
	factoriesMu.Unlock()
}

// LookupFactory returns the factory registered under name, or nil.
func LookupFactory(name string) Factory {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	return factories[name]
}

// Supports reports whether a backend named name has been compiled into
// this binary (registered via its build-tagged init()).
func Supports(name string) bool {
	return LookupFactory(name) != nil
}

// Names returns every registered backend name, for diagnostics.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	return names
}
