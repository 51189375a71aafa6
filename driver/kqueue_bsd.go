// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build freebsd || dragonfly || darwin || netbsd || openbsd
// +build freebsd dragonfly darwin netbsd openbsd

package driver

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const defaultKevents = 128

func init() {
	RegisterFactory("kqueue", newKqueue)
}

// kqueueDriver is grounded on internal/poller/poller_kqueue.go, generalized
// to the decoupled Handle model: the teacher stores a *Desc in Kevent_t's
// Udata via unsafe.Pointer; this stores the plain handle in Ident, which
// kqueue already requires to equal the watched descriptor, so no opaque
// payload is needed at all.
type kqueueDriver struct {
	fd     int
	events []unix.Kevent_t
}

func newKqueue() (Driver, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &kqueueDriver{fd: fd, events: make([]unix.Kevent_t, defaultKevents)}, nil
}

func (d *kqueueDriver) Name() string { return "kqueue" }

func (d *kqueueDriver) Capabilities() Capabilities {
	return Capabilities{Family: Readiness, EdgeTriggerSupported: true}
}

func clearFlag(trigger Trigger) uint16 {
	if trigger == Edge {
		return unix.EV_CLEAR
	}
	return 0
}

func (d *kqueueDriver) Add(handle Handle, interest Interest) error {
	return d.apply(handle, interest, unix.EV_ADD|unix.EV_ENABLE)
}

func (d *kqueueDriver) Update(handle Handle, interest Interest, _ UpdateType) error {
	return d.apply(handle, interest, unix.EV_ADD|unix.EV_ENABLE)
}

func (d *kqueueDriver) apply(handle Handle, interest Interest, baseFlags uint16) error {
	flags := baseFlags | clearFlag(interest.Trigger)
	if interest.OneShot {
		flags |= unix.EV_ONESHOT
	}
	var changes []unix.Kevent_t
	if interest.Readable {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(handle), Filter: unix.EVFILT_READ, Flags: flags,
		})
	} else {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(handle), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE,
		})
	}
	if interest.Writable {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(handle), Filter: unix.EVFILT_WRITE, Flags: flags,
		})
	} else {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(handle), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE,
		})
	}
	_, err := unix.Kevent(d.fd, changes, nil, nil)
	if err != nil && err != unix.ENOENT {
		return os.NewSyscallError("kevent", err)
	}
	return nil
}

func (d *kqueueDriver) Remove(handle Handle) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(handle), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(handle), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, err := unix.Kevent(d.fd, changes, nil, nil)
	if err != nil && err != unix.ENOENT {
		return os.NewSyscallError("kevent", err)
	}
	return nil
}

func (d *kqueueDriver) Wait(eventsOut []Event, timeout time.Duration) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		spec := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &spec
	}
	if len(d.events) < len(eventsOut) {
		d.events = make([]unix.Kevent_t, len(eventsOut))
	}
	n, err := unix.Kevent(d.fd, nil, d.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("kevent", err)
	}
	count := 0
	for i := 0; i < n && count < len(eventsOut); i++ {
		raw := d.events[i]
		h := Handle(raw.Ident)
		// Open question (spec §9), preserved from poller_kqueue.go:
		// EV_EOF without EV_ERROR surfaces as Readable (lets the caller
		// drain remaining bytes); EV_ERROR always surfaces as Error.
		switch {
		case raw.Flags&unix.EV_ERROR != 0:
			eventsOut[count] = Event{Handle: h, Kind: ErrorEvent, OSError: unix.Errno(raw.Data)}
			count++
		case raw.Filter == unix.EVFILT_READ:
			eventsOut[count] = Event{Handle: h, Kind: Readable, BytesPending: int(raw.Data)}
			count++
		case raw.Filter == unix.EVFILT_WRITE:
			eventsOut[count] = Event{Handle: h, Kind: Writable}
			count++
		}
		if raw.Flags&unix.EV_EOF != 0 && count < len(eventsOut) &&
			raw.Flags&unix.EV_ERROR == 0 && raw.Filter != unix.EVFILT_READ {
			eventsOut[count] = Event{Handle: h, Kind: Readable, BytesPending: 0}
			count++
		}
	}
	return count, nil
}

func (d *kqueueDriver) Close() error {
	return os.NewSyscallError("close", unix.Close(d.fd))
}
