// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build linux
// +build linux

package reactor

// platformDefaultReactorDriver returns epoll, the reactor default on Linux
// (spec §6's platform defaults table).
func platformDefaultReactorDriver() string { return "epoll" }

// platformDefaultProactorDriver returns io_uring, the proactor default on
// Linux when the kernel supports it. Driver construction itself is what
// discovers lack of kernel support (io_uring_setup failing ENOSYS on
// pre-5.1 kernels); platformDefaultProactorDriver only names the intended
// backend, it does not probe.
func platformDefaultProactorDriver() string { return "iouring" }
