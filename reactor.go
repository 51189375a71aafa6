// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package reactor implements an async networking runtime core unifying
// readiness-based (reactor) and completion-based (proactor) I/O
// multiplexing behind one attach/detach/show/hide/run facade (C9). It is
// the outermost package of this module: driver selection lives in
// sub-package driver, the registry/controller/chronology/strand/dispatch
// internals that back a Core live under internal/.
package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"github.com/go-ntio/reactor/driver"
)

// BufferPool is the injectable buffer collaborator NewInterface stores on a
// Core and Core.BufferPool returns; Core itself never calls Get or Put.
type BufferPool interface {
	Get(size int) []byte
	Put([]byte)
}

// bbPool adapts github.com/valyala/bytebufferpool.Pool to BufferPool; it is
// the default NewInterface falls back to when the caller passes nil,
// pulled from the pack's panjf2000/gnet dependency list per SPEC_FULL's
// DOMAIN STACK wiring.
type bbPool struct {
	pool bytebufferpool.Pool
}

func newDefaultBufferPool() BufferPool { return &bbPool{} }

func (p *bbPool) Get(size int) []byte {
	buf := p.pool.Get()
	if cap(buf.B) < size {
		buf.B = make([]byte, size)
	} else {
		buf.B = buf.B[:size]
	}
	return buf.B
}

func (p *bbPool) Put(b []byte) {
	buf := bytebufferpool.Get()
	buf.B = b
	p.pool.Put(buf)
}

// Waiter is a thread admitted to a Core's wait loop via RegisterWaiter.
// Only Run/Poll may be called concurrently from the goroutine that owns a
// given Waiter; a Waiter value itself carries no synchronization of its
// own beyond its id.
type Waiter struct {
	id   uint64
	core *Core
}

// ID returns the waiter's identity, stable for its lifetime.
func (w *Waiter) ID() uint64 { return w.id }

// NewReactor constructs a Core in readiness mode: driver_name (if set)
// must name a Family: Readiness backend, otherwise the platform default
// reactor driver is used.
func NewReactor(cfg Config) (*Core, error) {
	return newCore(cfg, driver.Readiness, nil)
}

// NewProactor constructs a Core in completion mode: driver_name (if set)
// must name a Family: Completion backend, otherwise the platform default
// proactor driver is used.
func NewProactor(cfg Config) (*Core, error) {
	return newCore(cfg, driver.Completion, nil)
}

// NewInterface constructs a Core that accepts an explicit BufferPool
// collaborator (spec §6). It always builds a readiness-family Core:
// driver_name (if set) must name a Family: Readiness backend, otherwise the
// platform default reactor driver is used. Passing a nil pool falls back
// to the bytebufferpool-backed default.
func NewInterface(cfg Config, pool BufferPool) (*Core, error) {
	if pool == nil {
		pool = newDefaultBufferPool()
	}
	return newCore(cfg, driver.Readiness, pool)
}

// CreateThread spawns a goroutine that registers waiter on core and runs
// its wait loop until core is stopped or Run returns an error (deregistering
// the waiter does not end it), mirroring the
// teacher's one-goroutine-per-poller-instance convention
// (pollmgr.go's `go poller.Wait()`) generalized to Core's shared-instance
// waiter pool.
func CreateThread(core *Core) (*Waiter, error) {
	w, err := core.RegisterWaiter()
	if err != nil {
		return nil, err
	}
	go func() {
		_ = core.Run(w)
	}()
	return w, nil
}

// Runtime bundles the process-wide default Core instances (spec §9's
// design note on replacing a facade's atexit-torn-down globals with an
// explicit object whose Close tears them down). The zero value is not
// usable; use NewRuntime.
type Runtime struct {
	mu       sync.Mutex
	reactor  *Core
	proactor *Core
}

var (
	defaultRuntime     atomic.Pointer[Runtime]
	defaultRuntimeOnce sync.Once
)

// DefaultRuntime lazily constructs (on first call) and returns the
// process-wide Runtime, matching the teacher's defaultMgr/init() pattern
// but without a package init(): construction is triggered by first use,
// not unconditionally at program start, and Close is explicit rather than
// relying on process exit.
func DefaultRuntime() *Runtime {
	defaultRuntimeOnce.Do(func() {
		defaultRuntime.Store(&Runtime{})
	})
	return defaultRuntime.Load()
}

// DefaultCore lazily creates (with cfg applied only the first time) and
// returns the Runtime's default reactor-family Core.
func (rt *Runtime) DefaultCore(cfg Config) (*Core, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.reactor != nil {
		return rt.reactor, nil
	}
	c, err := NewReactor(cfg)
	if err != nil {
		return nil, err
	}
	rt.reactor = c
	return c, nil
}

// DefaultProactor lazily creates and returns the Runtime's default
// proactor-family Core.
func (rt *Runtime) DefaultProactor(cfg Config) (*Core, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.proactor != nil {
		return rt.proactor, nil
	}
	c, err := NewProactor(cfg)
	if err != nil {
		return nil, err
	}
	rt.proactor = c
	return c, nil
}

// Close tears down every default instance this Runtime ever constructed.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var firstErr error
	if rt.reactor != nil {
		if err := rt.reactor.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		rt.reactor = nil
	}
	if rt.proactor != nil {
		if err := rt.proactor.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		rt.proactor = nil
	}
	return firstErr
}
