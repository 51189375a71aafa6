// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build freebsd || dragonfly || darwin || netbsd || openbsd || solaris || aix
// +build freebsd dragonfly darwin netbsd openbsd solaris aix

package wakeup

import (
	"os"

	"golang.org/x/sys/unix"
)

func init() {
	newPipeFunc = newSelfPipe
}

// newSelfPipe is the classic self-pipe trick used on backends without an
// eventfd equivalent (kqueue's EVFILT_USER covers the same role for
// poller_kqueue.go, but a pipe keeps the wakeup.Controller abstraction
// uniform across every readiness backend that registers a polled handle).
func newSelfPipe() (pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return pipe{}, os.NewSyscallError("pipe2", err)
	}
	return pipe{
		read:  fds[0],
		write: fds[1],
		close: func() error {
			err0 := unix.Close(fds[0])
			err1 := unix.Close(fds[1])
			if err0 != nil {
				return os.NewSyscallError("close", err0)
			}
			if err1 != nil {
				return os.NewSyscallError("close", err1)
			}
			return nil
		},
	}, nil
}

func interruptPipe(fd int) error {
	buf := [1]byte{1}
	for {
		_, err := unix.Write(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return os.NewSyscallError("write", err)
		}
		return nil
	}
}

func drainPipe(fd int) error {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return os.NewSyscallError("read", err)
		}
		if n < len(buf) {
			return nil
		}
	}
}
