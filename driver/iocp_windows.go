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

func init() {
	RegisterFactory("iocp", newIOCP)
}

// overlappedOp tags a pending zero-byte WSARecv/WSASend used to arm
// readiness notification for a socket that was registered with the
// completion port. Windows' native async model has no "tell me when
// readable" primitive the way epoll/kqueue do -- only "tell me when this
// operation completes" -- so a zero-byte receive/send is issued as a
// stand-in: it completes as soon as the socket has data/buffer space,
// without consuming any bytes, giving the exact Readable/Writable
// semantics the other backends report. The same stand-in is used by
// several of the pack's Windows pollers (see other_examples'
// iocp_notifier_windows.go's comment on arming zero-byte WSARecv/WSASend).
type overlappedOp struct {
	windows.Overlapped
	handle Handle
	kind   Kind
}

type iocpDriver struct {
	port windows.Handle

	mu        sync.Mutex
	interests map[Handle]Interest
	armed     map[Handle]*overlappedOp // readable arm
	armedW    map[Handle]*overlappedOp // writable arm
}

func newIOCP() (Driver, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &iocpDriver{
		port:      port,
		interests: make(map[Handle]Interest),
		armed:     make(map[Handle]*overlappedOp),
		armedW:    make(map[Handle]*overlappedOp),
	}, nil
}

func (d *iocpDriver) Name() string { return "iocp" }

func (d *iocpDriver) Capabilities() Capabilities {
	return Capabilities{Family: Completion, RearmOnDeliver: true}
}

func (d *iocpDriver) Add(handle Handle, interest Interest) error {
	if err := windows.CreateIoCompletionPortEx(windows.Handle(handle), d.port, 0, 0); err != nil {
		// ERROR_INVALID_PARAMETER is returned when the handle is already
		// associated with this port; every other registration is brand new.
		if err != windows.ERROR_INVALID_PARAMETER {
			return err
		}
	}
	d.mu.Lock()
	d.interests[handle] = interest
	d.mu.Unlock()
	return d.arm(handle, interest)
}

func (d *iocpDriver) Update(handle Handle, interest Interest, _ UpdateType) error {
	d.mu.Lock()
	d.interests[handle] = interest
	d.mu.Unlock()
	return d.arm(handle, interest)
}

func (d *iocpDriver) arm(handle Handle, interest Interest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if interest.Readable {
		if _, already := d.armed[handle]; !already {
			op := &overlappedOp{handle: handle, kind: Received}
			d.armed[handle] = op
			if err := postZeroByteRecv(windows.Handle(handle), op); err != nil {
				delete(d.armed, handle)
				return err
			}
		}
	} else {
		delete(d.armed, handle)
	}
	if interest.Writable {
		if _, already := d.armedW[handle]; !already {
			op := &overlappedOp{handle: handle, kind: Sent}
			d.armedW[handle] = op
			if err := postZeroByteSend(windows.Handle(handle), op); err != nil {
				delete(d.armedW, handle)
				return err
			}
		}
	} else {
		delete(d.armedW, handle)
	}
	return nil
}

func (d *iocpDriver) Remove(handle Handle) error {
	d.mu.Lock()
	delete(d.interests, handle)
	delete(d.armed, handle)
	delete(d.armedW, handle)
	d.mu.Unlock()
	// CancelIoEx would stop any in-flight zero-byte op; the completion still
	// arrives on the port and is discarded by Wait once the handle is no
	// longer in d.interests.
	windows.CancelIoEx(windows.Handle(handle), nil)
	return nil
}

func (d *iocpDriver) Wait(eventsOut []Event, timeout time.Duration) (int, error) {
	msec := uint32(windows.INFINITE)
	if timeout >= 0 {
		msec = uint32(timeout.Milliseconds())
	}

	count := 0
	for count < len(eventsOut) {
		var bytes uint32
		var key uintptr
		var overlapped *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(d.port, &bytes, &key, &overlapped, msec)
		if overlapped == nil {
			// Timeout, or a spurious wake with no packet: stop collecting
			// for this call either way.
			break
		}
		op := (*overlappedOp)(unsafe.Pointer(overlapped))

		d.mu.Lock()
		_, stillWanted := d.interests[op.handle]
		d.mu.Unlock()
		if !stillWanted {
			continue
		}

		if err != nil {
			eventsOut[count] = Event{Handle: op.handle, Kind: ErrorEvent, OSError: err}
		} else {
			eventsOut[count] = Event{Handle: op.handle, Kind: op.kind, BytesPending: int(bytes)}
		}
		count++

		// Re-arm: a completed zero-byte op must be reissued to keep
		// reporting readiness, mirroring event ports' consume-on-deliver
		// rule (spec §4.1).
		d.mu.Lock()
		interest := d.interests[op.handle]
		d.mu.Unlock()
		_ = d.arm(op.handle, interest)

		// GetQueuedCompletionStatus only reports one packet per call; loop
		// with a zero timeout to drain any more that are already queued.
		msec = 0
	}
	return count, nil
}

func (d *iocpDriver) Close() error {
	return windows.CloseHandle(d.port)
}

func postZeroByteRecv(sock windows.Handle, op *overlappedOp) error {
	var bytesRecv, flags uint32
	buf := windows.WSABuf{Len: 0, Buf: nil}
	err := windows.WSARecv(sock, &buf, 1, &bytesRecv, &flags, &op.Overlapped, nil)
	if err != nil && err != windows.ERROR_IO_PENDING {
		return err
	}
	return nil
}

func postZeroByteSend(sock windows.Handle, op *overlappedOp) error {
	var bytesSent uint32
	buf := windows.WSABuf{Len: 0, Buf: nil}
	err := windows.WSASend(sock, &buf, 1, &bytesSent, 0, &op.Overlapped, nil)
	if err != nil && err != windows.ERROR_IO_PENDING {
		return err
	}
	return nil
}
