// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package wakeup implements the Controller: the self-pipe/eventfd-equivalent
// wakeup primitive the core uses to interrupt a blocked driver.Wait() from
// another thread. It generalizes the single-purpose notify()/Trigger() fd
// pair the teacher's epoll and kqueue pollers each hand-roll
// (poller_epoll.go's eventfd desc, poller_kqueue.go's EVFILT_USER) into one
// platform-abstracted primitive shared by every C8 backend.
package wakeup

import (
	"sync/atomic"

	"github.com/go-ntio/reactor/metrics"
	"github.com/pkg/errors"
)

// pipe is the platform-specific pair of connected handles backing a
// Controller: writing to write wakes a reader blocked on read.
type pipe struct {
	read  int
	write int
	close func() error
}

// newPipeFunc is supplied per-platform (eventfd on Linux, a CLOEXEC pipe2 on
// the rest of Unix, a loopback socket pair on Windows).
var newPipeFunc func() (pipe, error)

// Controller is the core's wakeup handle. The core registers its read end
// with the driver only (it has no Registry entry) and recognizes it by
// handle in the wait loop; interrupt() writes to the write end,
// acknowledge() drains the read end. Any I/O failure triggers transparent
// recreation: a new handle pair replacing the old one, which the caller
// must re-register with the driver.
type Controller struct {
	current atomic.Pointer[pipe]
}

// New creates a Controller backed by a freshly created platform wakeup
// pipe.
func New() (*Controller, error) {
	c := &Controller{}
	p, err := newPipeFunc()
	if err != nil {
		return nil, errors.Wrap(err, "wakeup: create controller")
	}
	c.current.Store(&p)
	return c, nil
}

// Handle returns the read end's handle -- the value the driver polls for
// readability.
func (c *Controller) Handle() int {
	return c.current.Load().read
}

// Interrupt writes one wakeup token to the write end. Multiple interrupts
// before a single Wait() are collapsed by the driver's readability check,
// not here: Interrupt's only job is "ensure at least one byte is pending".
func (c *Controller) Interrupt() error {
	p := c.current.Load()
	metrics.Add(metrics.DriverControllerWakeups, 1)
	if err := interruptPipe(p.write); err != nil {
		return c.recreate(err)
	}
	return nil
}

// Acknowledge drains every pending wakeup byte from the read end. Any
// failure to drain triggers controller reinitialization, per the driver
// contract's controller-handling rule, without aborting the reactor.
func (c *Controller) Acknowledge() error {
	p := c.current.Load()
	if err := drainPipe(p.read); err != nil {
		return c.recreate(err)
	}
	return nil
}

// Close releases the controller's current handle pair.
func (c *Controller) Close() error {
	p := c.current.Load()
	return p.close()
}

// recreate swaps in a fresh handle pair after observing err on the old one.
// The caller (the core's wait loop) is responsible for noticing the handle
// changed and re-registering it with the driver; err
// is returned unchanged so the caller can log it, but recreation itself
// never fails the wait loop.
func (c *Controller) recreate(err error) error {
	old := c.current.Load()
	p, cerr := newPipeFunc()
	if cerr != nil {
		return errors.Wrap(cerr, "wakeup: recreate controller")
	}
	c.current.Store(&p)
	metrics.Add(metrics.DriverControllerRecreated, 1)
	_ = old.close()
	return err
}
