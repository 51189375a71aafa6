// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build windows
// +build windows

package reactor

// platformDefaultReactorDriver returns poll on Windows (spec §6's platform
// defaults table). driver/poll_unix.go does not build on Windows; the
// registered "poll" factory here is driver/poll_windows.go's WSAPoll-backed
// implementation instead.
func platformDefaultReactorDriver() string { return "poll" }

// platformDefaultProactorDriver returns iocp, the Windows proactor default.
func platformDefaultProactorDriver() string { return "iocp" }
