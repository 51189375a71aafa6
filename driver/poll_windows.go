// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build windows
// +build windows

package driver

import (
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// WSAPoll is not exposed by golang.org/x/sys/windows as a typed wrapper, so
// it is reached the same way other_examples' iocp_poller_windows.go reaches
// it: a lazily-loaded ws2_32.dll proc.
var (
	ws2_32      = windows.NewLazySystemDLL("ws2_32.dll")
	procWSAPoll = ws2_32.NewProc("WSAPoll")
)

// WSAPOLLFD mirrors winsock2.h's WSAPOLLFD.
type wsaPollFD struct {
	fd      uintptr
	events  int16
	revents int16
}

const (
	pollRDNORM = int16(0x0100)
	pollRDBAND = int16(0x0200)
	pollPRI    = int16(0x0400)
	pollWRNORM = int16(0x0010)
	pollWRBAND = int16(0x0020)
	pollERR    = int16(0x0001)
	pollHUP    = int16(0x0002)
	pollNVAL   = int16(0x0004)

	pollIN  = pollRDNORM | pollRDBAND | pollPRI
	pollOUT = pollWRNORM | pollWRBAND
)

func init() {
	RegisterFactory("poll", newWSAPoll)
}

// wsaPollDriver is the Windows reactor default (spec §6's platform defaults
// table lists Windows' Reactor as "poll"): a mutex-guarded registration set
// rebuilt into a WSAPOLLFD slice on every Wait, same shape as poll_unix.go,
// backed by WSAPoll instead of poll(2).
type wsaPollDriver struct {
	mu    sync.Mutex
	fds   map[Handle]Interest
	order []Handle
}

func newWSAPoll() (Driver, error) {
	if err := procWSAPoll.Find(); err != nil {
		return nil, err
	}
	return &wsaPollDriver{fds: make(map[Handle]Interest)}, nil
}

func (d *wsaPollDriver) Name() string { return "poll" }

func (d *wsaPollDriver) Capabilities() Capabilities {
	return Capabilities{Family: Readiness}
}

func (d *wsaPollDriver) Add(handle Handle, interest Interest) error {
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

func (d *wsaPollDriver) Update(handle Handle, interest Interest, _ UpdateType) error {
	if interest.Trigger == Edge {
		return ErrNotImplemented
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fds[handle] = interest
	return nil
}

func (d *wsaPollDriver) Remove(handle Handle) error {
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

func (d *wsaPollDriver) Wait(eventsOut []Event, timeout time.Duration) (int, error) {
	d.mu.Lock()
	pfds := make([]wsaPollFD, 0, len(d.order))
	handles := make([]Handle, 0, len(d.order))
	for _, h := range d.order {
		in := d.fds[h]
		var events int16
		if in.Readable {
			events |= pollIN
		}
		if in.Writable {
			events |= pollOUT
		}
		pfds = append(pfds, wsaPollFD{fd: uintptr(h), events: events})
		handles = append(handles, h)
	}
	d.mu.Unlock()

	if len(pfds) == 0 {
		time.Sleep(timeout)
		return 0, nil
	}

	msec := int32(-1)
	if timeout >= 0 {
		msec = int32(timeout.Milliseconds())
	}
	n, err := wsaPoll(pfds, msec)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, nil
	}
	count := 0
	for i, pfd := range pfds {
		if pfd.revents == 0 || count >= len(eventsOut) {
			continue
		}
		h := handles[i]
		switch {
		case pfd.revents&(pollERR|pollNVAL) != 0:
			eventsOut[count] = Event{Handle: h, Kind: ErrorEvent}
			count++
		case pfd.revents&(pollIN|pollHUP) != 0:
			eventsOut[count] = Event{Handle: h, Kind: Readable, BytesPending: -1}
			count++
			if count < len(eventsOut) && pfd.revents&pollOUT != 0 {
				eventsOut[count] = Event{Handle: h, Kind: Writable}
				count++
			}
		case pfd.revents&pollOUT != 0:
			eventsOut[count] = Event{Handle: h, Kind: Writable}
			count++
		}
	}
	return count, nil
}

func (d *wsaPollDriver) Close() error {
	return nil
}

func wsaPoll(fds []wsaPollFD, timeoutMs int32) (int, error) {
	r1, _, e1 := procWSAPoll.Call(
		uintptr(unsafe.Pointer(&fds[0])),
		uintptr(uint32(len(fds))),
		uintptr(timeoutMs),
	)
	n := int(int32(r1))
	if n == -1 {
		return -1, e1
	}
	return n, nil
}
