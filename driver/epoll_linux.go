// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build linux
// +build linux

package driver

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	epollReadFlags  = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLPRI
	epollWriteFlags = unix.EPOLLOUT
	epollErrFlags   = unix.EPOLLERR
	epollHupFlags   = unix.EPOLLHUP
	defaultEpollEvents = 128
)

func init() {
	RegisterFactory("epoll", newEpoll)
}

// epollDriver is grounded on internal/poller/poller_epoll.go's epoll type,
// generalized to the decoupled Handle-only event model: where the teacher
// stashes a *Desc pointer in the epoll_event's opaque data field via
// unsafe.Pointer, this stores the plain file descriptor in
// unix.EpollEvent.Fd directly. That sidesteps the teacher's need for the
// architecture-specific internal/poller/event package (whose EpollEvent
// variants exist only to keep an 8-byte pointer-sized Data field aligned
// across arm64/mips/loong64); a 4-byte fd has no such alignment hazard, so
// golang.org/x/sys/unix.EpollEvent is used directly on every linux arch.
type epollDriver struct {
	fd     int
	events []unix.EpollEvent
}

func newEpoll() (Driver, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollDriver{
		fd:     fd,
		events: make([]unix.EpollEvent, defaultEpollEvents),
	}, nil
}

func (d *epollDriver) Name() string { return "epoll" }

func (d *epollDriver) Capabilities() Capabilities {
	return Capabilities{Family: Readiness, EdgeTriggerSupported: true}
}

func (d *epollDriver) eventFlags(i Interest) uint32 {
	var flags uint32
	if i.Readable {
		flags |= epollReadFlags
	}
	if i.Writable {
		flags |= epollWriteFlags
	}
	if i.Error {
		flags |= epollErrFlags | epollHupFlags
	} else {
		// epoll always reports EPOLLERR/EPOLLHUP regardless of
		// registration; they're included in rflags/wflags above in the
		// teacher's version. Kept here unconditionally too, since the
		// kernel delivers them whether or not requested.
		flags |= epollErrFlags | epollHupFlags
	}
	if i.Trigger == Edge {
		flags |= unix.EPOLLET
	}
	if i.OneShot {
		flags |= unix.EPOLLONESHOT
	}
	return flags
}

func (d *epollDriver) Add(handle Handle, interest Interest) error {
	evt := unix.EpollEvent{Events: d.eventFlags(interest), Fd: int32(handle)}
	err := unix.EpollCtl(d.fd, unix.EPOLL_CTL_ADD, int(handle), &evt)
	if err == unix.EEXIST {
		return d.Update(handle, interest, Include)
	}
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

func (d *epollDriver) Update(handle Handle, interest Interest, _ UpdateType) error {
	evt := unix.EpollEvent{Events: d.eventFlags(interest), Fd: int32(handle)}
	if err := unix.EpollCtl(d.fd, unix.EPOLL_CTL_MOD, int(handle), &evt); err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	return nil
}

func (d *epollDriver) Remove(handle Handle) error {
	err := unix.EpollCtl(d.fd, unix.EPOLL_CTL_DEL, int(handle), nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func (d *epollDriver) Wait(eventsOut []Event, timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}
	if len(d.events) < len(eventsOut) {
		d.events = make([]unix.EpollEvent, len(eventsOut))
	}
	n, err := unix.EpollWait(d.fd, d.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	count := 0
	for i := 0; i < n && count < len(eventsOut); i++ {
		raw := d.events[i]
		h := Handle(raw.Fd)
		// Open question (spec §9): whether a simultaneous HUP and
		// readable surfaces to the user as Readable or Error is
		// backend-specific and preserved bit-for-bit from the teacher's
		// poller_epoll.go, which treats EPOLLHUP/EPOLLRDHUP/EPOLLERR as
		// "hang up" (detach-worthy) but still dispatches a pending
		// OnRead first so the last bytes can be drained. Mirrored here:
		// a HUP without ERR reports Readable (so the caller drains);
		// ERR always reports ErrorEvent.
		switch {
		case raw.Events&unix.EPOLLERR != 0:
			eventsOut[count] = Event{Handle: h, Kind: ErrorEvent, OSError: peekSOError(int(raw.Fd))}
			count++
		case raw.Events&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP|unix.EPOLLHUP) != 0:
			eventsOut[count] = Event{Handle: h, Kind: Readable, BytesPending: -1}
			count++
			if count < len(eventsOut) && raw.Events&unix.EPOLLOUT != 0 {
				eventsOut[count] = Event{Handle: h, Kind: Writable}
				count++
			}
		case raw.Events&unix.EPOLLOUT != 0:
			eventsOut[count] = Event{Handle: h, Kind: Writable}
			count++
		}
	}
	return count, nil
}

func (d *epollDriver) Close() error {
	return os.NewSyscallError("close", unix.Close(d.fd))
}

func peekSOError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return nil
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}
