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

	"golang.org/x/sys/unix"
)

func init() {
	RegisterFactory("eventport", newEventPort)
}

// eventPortDriver implements Solaris event ports, the platform default
// reactor (see platform_default_solaris.go). Per spec §4.1, event ports
// consume a registration on delivery: every fd MUST be re-associated after
// each event before it can fire again, so Wait re-arms every handle it
// reports before returning -- the "re-arm after wakeup" rule applies to
// every registration here, not just the controller.
type eventPortDriver struct {
	port      int
	interests map[Handle]Interest
}

func newEventPort() (Driver, error) {
	port, err := unix.PortCreate()
	if err != nil {
		return nil, os.NewSyscallError("port_create", err)
	}
	return &eventPortDriver{port: port, interests: make(map[Handle]Interest)}, nil
}

func (d *eventPortDriver) Name() string { return "eventport" }

func (d *eventPortDriver) Capabilities() Capabilities {
	return Capabilities{Family: Readiness, RearmOnDeliver: true}
}

func (d *eventPortDriver) events(i Interest) int {
	var events int
	if i.Readable {
		events |= unix.POLLIN
	}
	if i.Writable {
		events |= unix.POLLOUT
	}
	return events
}

func (d *eventPortDriver) Add(handle Handle, interest Interest) error {
	if interest.Trigger == Edge {
		return ErrNotImplemented
	}
	d.interests[handle] = interest
	return os.NewSyscallError("port_associate",
		unix.PortAssociate(d.port, unix.PORT_SOURCE_FD, uintptr(handle), d.events(interest), nil))
}

func (d *eventPortDriver) Update(handle Handle, interest Interest, _ UpdateType) error {
	return d.Add(handle, interest)
}

func (d *eventPortDriver) Remove(handle Handle) error {
	delete(d.interests, handle)
	err := unix.PortDissociate(d.port, unix.PORT_SOURCE_FD, uintptr(handle))
	if err != nil && err != unix.ENOENT {
		return os.NewSyscallError("port_dissociate", err)
	}
	return nil
}

func (d *eventPortDriver) Wait(eventsOut []Event, timeout time.Duration) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		spec := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &spec
	}
	pevents := make([]unix.PortEvent, len(eventsOut))
	n, err := unix.PortGetn(d.port, pevents, uint32(len(pevents)), ts)
	if err != nil {
		if err == unix.EINTR || err == unix.ETIME {
			return 0, nil
		}
		return 0, os.NewSyscallError("port_getn", err)
	}
	count := 0
	for i := 0; i < n && count < len(eventsOut); i++ {
		pe := pevents[i]
		h := Handle(pe.Object)
		switch {
		case pe.Events&(unix.POLLERR|unix.POLLNVAL) != 0:
			eventsOut[count] = Event{Handle: h, Kind: ErrorEvent}
			count++
		case pe.Events&(unix.POLLIN|unix.POLLHUP) != 0:
			eventsOut[count] = Event{Handle: h, Kind: Readable, BytesPending: -1}
			count++
		case pe.Events&unix.POLLOUT != 0:
			eventsOut[count] = Event{Handle: h, Kind: Writable}
			count++
		}
		// Re-arm: delivery consumed the association.
		if interest, ok := d.interests[h]; ok {
			_ = unix.PortAssociate(d.port, unix.PORT_SOURCE_FD, uintptr(h), d.events(interest), nil)
		}
	}
	return count, nil
}

func (d *eventPortDriver) Close() error {
	return os.NewSyscallError("close", unix.Close(d.port))
}
