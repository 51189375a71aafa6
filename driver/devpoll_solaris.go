// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build solaris
// +build solaris

package driver

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	RegisterFactory("devpoll", newDevPoll)
}

// pollfd mirrors /usr/include/sys/poll.h's struct pollfd, the record
// written to and read from /dev/poll.
type pollfd struct {
	fd      int32
	events  int16
	revents int16
}

const dpIoctlPoll = 0xd5 // DP_POLL, per Solaris <sys/devpoll.h>.

type dvpoll struct {
	fds     uintptr
	nfds    int32
	timeout int32
}

// devPollDriver is grounded on the same readiness-mapping table as the
// epoll/kqueue/poll backends (spec §4.1's "/dev/poll, poll, pollset" row):
// registrations are written to /dev/poll as pollfd records, and a single
// DP_POLL ioctl both waits and collects ready descriptors in one call.
type devPollDriver struct {
	fd int
}

func newDevPoll() (Driver, error) {
	fd, err := unix.Open("/dev/poll", unix.O_RDWR, 0)
	if err != nil {
		return nil, os.NewSyscallError("open /dev/poll", err)
	}
	return &devPollDriver{fd: fd}, nil
}

func (d *devPollDriver) Name() string { return "devpoll" }

func (d *devPollDriver) Capabilities() Capabilities {
	return Capabilities{Family: Readiness}
}

func (d *devPollDriver) write(handle Handle, events int16) error {
	pfd := pollfd{fd: int32(handle), events: events}
	buf := (*[unsafe.Sizeof(pollfd{})]byte)(unsafe.Pointer(&pfd))[:]
	_, err := unix.Write(d.fd, buf)
	if err != nil {
		return os.NewSyscallError("write /dev/poll", err)
	}
	return nil
}

func interestEvents(i Interest) int16 {
	var events int16
	if i.Readable {
		events |= unix.POLLIN
	}
	if i.Writable {
		events |= unix.POLLOUT
	}
	return events
}

func (d *devPollDriver) Add(handle Handle, interest Interest) error {
	if interest.Trigger == Edge {
		return ErrNotImplemented
	}
	return d.write(handle, interestEvents(interest))
}

func (d *devPollDriver) Update(handle Handle, interest Interest, _ UpdateType) error {
	if interest.Trigger == Edge {
		return ErrNotImplemented
	}
	_ = d.write(handle, unix.POLLREMOVE)
	return d.write(handle, interestEvents(interest))
}

func (d *devPollDriver) Remove(handle Handle) error {
	return d.write(handle, unix.POLLREMOVE)
}

func (d *devPollDriver) Wait(eventsOut []Event, timeout time.Duration) (int, error) {
	msec := int32(-1)
	if timeout >= 0 {
		msec = int32(timeout.Milliseconds())
	}
	out := make([]pollfd, len(eventsOut))
	if len(out) == 0 {
		return 0, nil
	}
	arg := dvpoll{
		fds:     uintptr(unsafe.Pointer(&out[0])),
		nfds:    int32(len(out)),
		timeout: msec,
	}
	n, err := unix.IoctlSetInt(d.fd, dpIoctlPoll, int(uintptr(unsafe.Pointer(&arg))))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("ioctl DP_POLL", err)
	}
	count := 0
	for i := 0; i < n && i < len(out) && count < len(eventsOut); i++ {
		p := out[i]
		h := Handle(p.fd)
		switch {
		case p.revents&(unix.POLLERR|unix.POLLNVAL) != 0:
			eventsOut[count] = Event{Handle: h, Kind: ErrorEvent}
			count++
		case p.revents&(unix.POLLIN|unix.POLLHUP) != 0:
			eventsOut[count] = Event{Handle: h, Kind: Readable, BytesPending: -1}
			count++
		case p.revents&unix.POLLOUT != 0:
			eventsOut[count] = Event{Handle: h, Kind: Writable}
			count++
		}
	}
	return count, nil
}

func (d *devPollDriver) Close() error {
	return os.NewSyscallError("close", unix.Close(d.fd))
}
