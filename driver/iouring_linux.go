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
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring constants needed for the ring setup and the POLL_ADD opcode
// this driver relies on. Grounded on other_examples' cloudwego-gopkg
// internal/iouring package, which defines the same constants via raw
// syscalls rather than a wrapped library; github.com/behrlich/go-iouring
// (also in the pack) keeps its ring logic under an internal/ package, so
// it cannot be imported from outside its own module and was not usable
// here (see DESIGN.md).
const (
	ioURingOpPollAdd    = 6
	ioURingOpPollRemove = 7
	ioURingSetupFlags   = 0
	ioURingEnterGetEvents = 1 << 0
	ioURingFeatSingleMmap = 1 << 0

	sysIoURingSetup  = 425
	sysIoURingEnter  = 426
	sysIoURingRegister = 427

	offsSQRing = 0
	offsCQRing = 0x8000000
	offsSQEs   = 0x10000000
)

type ioSqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	Resv2                                                           uint64
}

type ioCqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, CQEs, Flags, Resv1 uint32
	Resv2                                                           uint64
}

type ioUringParams struct {
	SQEntries, CQEntries, Flags, SQThreadCPU, SQThreadIdle, Features uint32
	WQFd                                                             uint32
	Resv                                                             [3]uint32
	SQOff                                                            ioSqringOffsets
	CQOff                                                            ioCqringOffsets
}

type ioUringSQE struct {
	Opcode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	UFlags      uint32
	UserData    uint64
	_pad        [3]uint64
}

type ioUringCQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

func init() {
	RegisterFactory("iouring", newIOURing)
}

// ioURingDriver implements the proactor surface (spec's CompletionDriver
// variant) using the submission/completion ring directly via raw
// io_uring_setup/io_uring_enter syscalls issued through unix.Syscall and
// unix.Syscall6. It operates in a
// poll-completion mode: each registration submits an IORING_OP_POLL_ADD
// SQE and each CQE re-surfaces as a readiness-flavored completion,
// re-submitted after every delivery (POLL_ADD is one-shot by kernel
// design). Tracking true read/write/accept/connect completions would
// require owning the operation's buffer for the duration of the syscall,
// which belongs to the protocol layer built on top of this core and is
// out of scope here (spec §1's non-goals).
type ioURingDriver struct {
	fd int

	sqMmap, cqMmap, sqesMmap []byte
	sqHead, sqTail           *uint32
	sqMask                   uint32
	sqArray                  []uint32
	sqes                     []ioUringSQE

	cqHead, cqTail *uint32
	cqMask         uint32
	cqes           []ioUringCQE

	mu        sync.Mutex
	interests map[Handle]Interest
}

func newIOURing() (Driver, error) {
	var params ioUringParams
	fd, _, errno := unix.Syscall(sysIoURingSetup, 128, uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, os.NewSyscallError("io_uring_setup", errno)
	}

	d := &ioURingDriver{fd: int(fd), interests: make(map[Handle]Interest)}
	if err := d.mapRings(&params); err != nil {
		unix.Close(int(fd))
		return nil, err
	}
	return d, nil
}

func (d *ioURingDriver) mapRings(p *ioUringParams) error {
	sqRingSize := p.SQOff.Array + p.SQEntries*4
	cqRingSize := p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(ioUringCQE{}))

	var err error
	d.sqMmap, err = unix.Mmap(d.fd, offsSQRing, int(sqRingSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return os.NewSyscallError("mmap sq", err)
	}
	if p.Features&ioURingFeatSingleMmap != 0 {
		d.cqMmap = d.sqMmap
	} else {
		d.cqMmap, err = unix.Mmap(d.fd, offsCQRing, int(cqRingSize),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			return os.NewSyscallError("mmap cq", err)
		}
	}
	d.sqesMmap, err = unix.Mmap(d.fd, offsSQEs, int(p.SQEntries)*int(unsafe.Sizeof(ioUringSQE{})),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return os.NewSyscallError("mmap sqes", err)
	}

	base := unsafe.Pointer(&d.sqMmap[0])
	d.sqHead = (*uint32)(unsafe.Add(base, p.SQOff.Head))
	d.sqTail = (*uint32)(unsafe.Add(base, p.SQOff.Tail))
	d.sqMask = *(*uint32)(unsafe.Add(base, p.SQOff.RingMask))
	arrayPtr := unsafe.Add(base, p.SQOff.Array)
	d.sqArray = unsafe.Slice((*uint32)(arrayPtr), p.SQEntries)

	cqBase := unsafe.Pointer(&d.cqMmap[0])
	d.cqHead = (*uint32)(unsafe.Add(cqBase, p.CQOff.Head))
	d.cqTail = (*uint32)(unsafe.Add(cqBase, p.CQOff.Tail))
	d.cqMask = *(*uint32)(unsafe.Add(cqBase, p.CQOff.RingMask))
	cqesPtr := unsafe.Add(cqBase, p.CQOff.CQEs)
	d.cqes = unsafe.Slice((*ioUringCQE)(cqesPtr), p.CQEntries)

	sqesPtr := unsafe.Pointer(&d.sqesMmap[0])
	d.sqes = unsafe.Slice((*ioUringSQE)(sqesPtr), p.SQEntries)
	return nil
}

func (d *ioURingDriver) Name() string { return "iouring" }

func (d *ioURingDriver) Capabilities() Capabilities {
	return Capabilities{Family: Completion, RearmOnDeliver: true}
}

func (d *ioURingDriver) submitPoll(handle Handle, mask uint32) {
	tail := *d.sqTail
	idx := tail & d.sqMask
	sqe := &d.sqes[idx]
	*sqe = ioUringSQE{
		Opcode:   ioURingOpPollAdd,
		Fd:       int32(handle),
		UFlags:   mask,
		UserData: uint64(handle),
	}
	d.sqArray[idx] = idx
	*d.sqTail = tail + 1
}

func pollMaskFor(i Interest) uint32 {
	var mask uint32
	if i.Readable {
		mask |= unix.POLLIN
	}
	if i.Writable {
		mask |= unix.POLLOUT
	}
	if i.Error {
		mask |= unix.POLLERR
	}
	return mask
}

func (d *ioURingDriver) Add(handle Handle, interest Interest) error {
	d.mu.Lock()
	d.interests[handle] = interest
	d.submitPoll(handle, pollMaskFor(interest))
	d.mu.Unlock()
	_, _, errno := unix.Syscall6(sysIoURingEnter, uintptr(d.fd), 1, 0, 0, 0, 0)
	if errno != 0 {
		return os.NewSyscallError("io_uring_enter", errno)
	}
	return nil
}

func (d *ioURingDriver) Update(handle Handle, interest Interest, _ UpdateType) error {
	return d.Add(handle, interest)
}

func (d *ioURingDriver) Remove(handle Handle) error {
	d.mu.Lock()
	delete(d.interests, handle)
	d.mu.Unlock()
	return nil
}

func (d *ioURingDriver) Wait(eventsOut []Event, timeout time.Duration) (int, error) {
	minComplete := uintptr(0)
	flags := uintptr(ioURingEnterGetEvents)
	if timeout < 0 {
		minComplete = 1
	} else if timeout == 0 {
		flags = 0
	} else {
		minComplete = 1
	}
	_, _, errno := unix.Syscall6(sysIoURingEnter, uintptr(d.fd), 0, minComplete, flags, 0, 0)
	if errno != 0 && errno != unix.EINTR && errno != unix.EAGAIN {
		return 0, os.NewSyscallError("io_uring_enter", errno)
	}

	count := 0
	for *d.cqHead != *d.cqTail && count < len(eventsOut) {
		idx := *d.cqHead & d.cqMask
		cqe := d.cqes[idx]
		*d.cqHead++

		h := Handle(cqe.UserData)
		switch {
		case cqe.Res < 0:
			eventsOut[count] = Event{Handle: h, Kind: ErrorEvent, OSError: unix.Errno(-cqe.Res)}
		case uint32(cqe.Res)&unix.POLLIN != 0:
			eventsOut[count] = Event{Handle: h, Kind: Received, BytesPending: -1}
		case uint32(cqe.Res)&unix.POLLOUT != 0:
			eventsOut[count] = Event{Handle: h, Kind: Sent}
		default:
			continue
		}
		count++

		d.mu.Lock()
		if interest, ok := d.interests[h]; ok {
			d.submitPoll(h, pollMaskFor(interest))
		}
		d.mu.Unlock()
	}
	return count, nil
}

func (d *ioURingDriver) Close() error {
	unix.Munmap(d.sqesMmap)
	if &d.cqMmap[0] != &d.sqMmap[0] {
		unix.Munmap(d.cqMmap)
	}
	unix.Munmap(d.sqMmap)
	return os.NewSyscallError("close", unix.Close(d.fd))
}
