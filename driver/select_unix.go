// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build !windows && ntio_select
// +build !windows,ntio_select

// select is opt-in via the ntio_select build tag: FD_SETSIZE caps it at a
// few thousand descriptors and every Wait() call pays an O(maxfd) scan, so
// it is never a platform default (see platform_default_*.go) and only
// worth compiling in for embedded/constrained targets or tests that need
// the least common denominator explicitly.
package driver

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	RegisterFactory("select", newSelect)
}

type selectDriver struct {
	interests map[Handle]Interest
}

func newSelect() (Driver, error) {
	return &selectDriver{interests: make(map[Handle]Interest)}, nil
}

func (d *selectDriver) Name() string { return "select" }

func (d *selectDriver) Capabilities() Capabilities {
	return Capabilities{Family: Readiness}
}

func (d *selectDriver) Add(handle Handle, interest Interest) error {
	if interest.Trigger == Edge {
		return ErrNotImplemented
	}
	d.interests[handle] = interest
	return nil
}

func (d *selectDriver) Update(handle Handle, interest Interest, _ UpdateType) error {
	if interest.Trigger == Edge {
		return ErrNotImplemented
	}
	d.interests[handle] = interest
	return nil
}

func (d *selectDriver) Remove(handle Handle) error {
	delete(d.interests, handle)
	return nil
}

func (d *selectDriver) Wait(eventsOut []Event, timeout time.Duration) (int, error) {
	var rset, wset, eset unix.FdSet
	var maxFd int
	for h, in := range d.interests {
		fd := int(h)
		if fd > maxFd {
			maxFd = fd
		}
		if in.Readable {
			fdSet(&rset, fd)
		}
		if in.Writable {
			fdSet(&wset, fd)
		}
		if in.Error {
			fdSet(&eset, fd)
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}
	n, err := unix.Select(maxFd+1, &rset, &wset, &eset, tv)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("select", err)
	}
	if n == 0 {
		return 0, nil
	}
	count := 0
	for h := range d.interests {
		if count >= len(eventsOut) {
			break
		}
		fd := int(h)
		switch {
		case fdIsSet(&eset, fd):
			eventsOut[count] = Event{Handle: h, Kind: ErrorEvent}
			count++
		case fdIsSet(&rset, fd):
			eventsOut[count] = Event{Handle: h, Kind: Readable, BytesPending: -1}
			count++
			if count < len(eventsOut) && fdIsSet(&wset, fd) {
				eventsOut[count] = Event{Handle: h, Kind: Writable}
				count++
			}
		case fdIsSet(&wset, fd):
			eventsOut[count] = Event{Handle: h, Kind: Writable}
			count++
		}
	}
	return count, nil
}

func (d *selectDriver) Close() error {
	return nil
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
