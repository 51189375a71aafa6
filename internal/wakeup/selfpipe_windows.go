// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build windows
// +build windows

package wakeup

import (
	"net"
	"syscall"

	"golang.org/x/sys/windows"
)

func init() {
	newPipeFunc = newLoopbackSocketPair
}

// newLoopbackSocketPair emulates the self-pipe trick on Windows, where
// there is no anonymous-pipe-backed select()/poll() equivalent usable with
// the poll/IOCP backends: a loopback TCP pair stands in for the connected
// handle pair.
func newLoopbackSocketPair() (pipe, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return pipe{}, err
	}
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c
	}()

	writeConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return pipe{}, err
	}
	var readConn net.Conn
	select {
	case readConn = <-acceptCh:
	case err := <-errCh:
		writeConn.Close()
		return pipe{}, err
	}

	readFD, err := socketHandle(readConn)
	if err != nil {
		return pipe{}, err
	}
	writeFD, err := socketHandle(writeConn)
	if err != nil {
		return pipe{}, err
	}

	return pipe{
		read:  readFD,
		write: writeFD,
		close: func() error {
			err0 := readConn.Close()
			err1 := writeConn.Close()
			if err0 != nil {
				return err0
			}
			return err1
		},
	}, nil
}

// socketHandle extracts the raw Windows socket handle backing a net.Conn
// via the standard syscall.Conn/syscall.RawConn dance.
func socketHandle(c net.Conn) (int, error) {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return 0, syscall.EINVAL
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var handle windows.Handle
	cerr := rc.Control(func(fd uintptr) {
		handle = windows.Handle(fd)
	})
	if cerr != nil {
		return 0, cerr
	}
	return int(handle), nil
}

func interruptPipe(fd int) error {
	_, err := windows.Write(windows.Handle(fd), []byte{1})
	return err
}

func drainPipe(fd int) error {
	var buf [64]byte
	for {
		n, err := windows.Read(windows.Handle(fd), buf[:])
		if err != nil {
			if err == windows.WSAEWOULDBLOCK {
				return nil
			}
			return err
		}
		if n < len(buf) {
			return nil
		}
	}
}
