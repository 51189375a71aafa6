// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build !windows
// +build !windows

package driver

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	RegisterFactory("poll", newPoll)
}

// pollDriver is the fallback backend for platforms with none of
// epoll/kqueue/devpoll/event-ports: a mutex-guarded slice of unix.PollFd
// rebuilt on every Wait, in the same add/remove-over-a-slice shape as
// other_examples' zmq4 Poller (internal/poller has no poll(2) backend of
// its own -- tnet only ships epoll and kqueue -- so this one is grounded
// on the pack's generic poll-fd-slice idiom instead of a teacher file).
// poll has no native edge-trigger or one-shot concept. One-shot is left to
// the caller's interest mutation; Edge registrations are refused with
// ErrNotImplemented, so this backend reports EdgeTriggerSupported=false
// without EdgeEmulated.
type pollDriver struct {
	mu    sync.Mutex
	fds   map[Handle]Interest
	order []Handle
}

func newPoll() (Driver, error) {
	return &pollDriver{fds: make(map[Handle]Interest)}, nil
}

func (d *pollDriver) Name() string { return "poll" }

func (d *pollDriver) Capabilities() Capabilities {
	return Capabilities{Family: Readiness}
}

func (d *pollDriver) Add(handle Handle, interest Interest) error {
	if interest.Trigger == Edge {
		return ErrNotImplemented
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.fds[handle]; !ok {
		d.order = append(d.order, handle)
	}
	d.fds[handle] = interest
	return nil
}

func (d *pollDriver) Update(handle Handle, interest Interest, _ UpdateType) error {
	if interest.Trigger == Edge {
		return ErrNotImplemented
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fds[handle] = interest
	return nil
}

func (d *pollDriver) Remove(handle Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fds, handle)
	for i, h := range d.order {
		if h == handle {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return nil
}

func (d *pollDriver) Wait(eventsOut []Event, timeout time.Duration) (int, error) {
	d.mu.Lock()
	pollfds := make([]unix.PollFd, 0, len(d.order))
	handles := make([]Handle, 0, len(d.order))
	for _, h := range d.order {
		in := d.fds[h]
		var events int16
		if in.Readable {
			events |= unix.POLLIN
		}
		if in.Writable {
			events |= unix.POLLOUT
		}
		pollfds = append(pollfds, unix.PollFd{Fd: int32(h), Events: events})
		handles = append(handles, h)
	}
	d.mu.Unlock()

	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}
	n, err := unix.Poll(pollfds, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("poll", err)
	}
	if n == 0 {
		return 0, nil
	}
	count := 0
	for i, pfd := range pollfds {
		if pfd.Revents == 0 || count >= len(eventsOut) {
			continue
		}
		h := handles[i]
		switch {
		case pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0:
			eventsOut[count] = Event{Handle: h, Kind: ErrorEvent, OSError: peekSOErrorPoll(int(pfd.Fd))}
			count++
		case pfd.Revents&(unix.POLLIN|unix.POLLHUP) != 0:
			eventsOut[count] = Event{Handle: h, Kind: Readable, BytesPending: -1}
			count++
			if count < len(eventsOut) && pfd.Revents&unix.POLLOUT != 0 {
				eventsOut[count] = Event{Handle: h, Kind: Writable}
				count++
			}
		case pfd.Revents&unix.POLLOUT != 0:
			eventsOut[count] = Event{Handle: h, Kind: Writable}
			count++
		}
	}
	return count, nil
}

func (d *pollDriver) Close() error {
	return nil
}

func peekSOErrorPoll(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}
