// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build linux
// +build linux

package wakeup

import (
	"os"

	"golang.org/x/sys/unix"
)

func init() {
	newPipeFunc = newEventfd
}

// newEventfd mirrors poller_epoll.go's wakeup eventfd: non-blocking,
// close-on-exec, a single fd used for both read and write ends.
func newEventfd() (pipe, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return pipe{}, os.NewSyscallError("eventfd", err)
	}
	return pipe{
		read:  fd,
		write: fd,
		close: func() error { return os.NewSyscallError("close", unix.Close(fd)) },
	}, nil
}

func interruptPipe(fd int) error {
	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	for {
		_, err := unix.Write(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			// Counter already non-zero; the reader has something pending.
			return nil
		}
		if err != nil {
			return os.NewSyscallError("write", err)
		}
		return nil
	}
}

func drainPipe(fd int) error {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return os.NewSyscallError("read", err)
		}
		return nil
	}
}
