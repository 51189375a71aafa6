// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build aix
// +build aix

package driver

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	RegisterFactory("pollset", newPollset)
}

// pollsetDriver is AIX's platform default reactor (pollset(2)): like
// devpoll, registrations and polling are two separate syscalls, but
// pollset_poll both waits and reports ready descriptors in one call the
// same way /dev/poll's DP_POLL ioctl does.
type pollsetDriver struct {
	id unix.PollsetId
}

func newPollset() (Driver, error) {
	id, err := unix.PollsetCreate(-1)
	if err != nil {
		return nil, os.NewSyscallError("pollset_create", err)
	}
	return &pollsetDriver{id: id}, nil
}

func (d *pollsetDriver) Name() string { return "pollset" }

func (d *pollsetDriver) Capabilities() Capabilities {
	return Capabilities{Family: Readiness}
}

func interestEventsAIX(i Interest) int16 {
	var events int16
	if i.Readable {
		events |= unix.POLLIN
	}
	if i.Writable {
		events |= unix.POLLOUT
	}
	return events
}

func (d *pollsetDriver) Add(handle Handle, interest Interest) error {
	if interest.Trigger == Edge {
		return ErrNotImplemented
	}
	return os.NewSyscallError("pollset_ctl",
		unix.PollsetCtl(d.id, unix.PS_ADD, int32(handle), interestEventsAIX(interest)))
}

func (d *pollsetDriver) Update(handle Handle, interest Interest, _ UpdateType) error {
	if interest.Trigger == Edge {
		return ErrNotImplemented
	}
	_ = unix.PollsetCtl(d.id, unix.PS_DELETE, int32(handle), 0)
	return os.NewSyscallError("pollset_ctl",
		unix.PollsetCtl(d.id, unix.PS_ADD, int32(handle), interestEventsAIX(interest)))
}

func (d *pollsetDriver) Remove(handle Handle) error {
	err := unix.PollsetCtl(d.id, unix.PS_DELETE, int32(handle), 0)
	if err != nil && err != unix.ENOENT {
		return os.NewSyscallError("pollset_ctl", err)
	}
	return nil
}

func (d *pollsetDriver) Wait(eventsOut []Event, timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}
	pfds := make([]unix.PollFd, len(eventsOut))
	n, err := unix.PollsetPoll(d.id, pfds, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("pollset_poll", err)
	}
	count := 0
	for i := 0; i < n && i < len(pfds) && count < len(eventsOut); i++ {
		p := pfds[i]
		if p.Revents == 0 {
			continue
		}
		h := Handle(p.Fd)
		switch {
		case p.Revents&(unix.POLLERR|unix.POLLNVAL) != 0:
			eventsOut[count] = Event{Handle: h, Kind: ErrorEvent}
			count++
		case p.Revents&(unix.POLLIN|unix.POLLHUP) != 0:
			eventsOut[count] = Event{Handle: h, Kind: Readable, BytesPending: -1}
			count++
		case p.Revents&unix.POLLOUT != 0:
			eventsOut[count] = Event{Handle: h, Kind: Writable}
			count++
		}
	}
	return count, nil
}

func (d *pollsetDriver) Close() error {
	return os.NewSyscallError("close", unix.PollsetDestroy(d.id))
}
