// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build unix && !linux && !darwin && !freebsd && !dragonfly && !netbsd && !openbsd && !solaris && !aix
// +build unix,!linux,!darwin,!freebsd,!dragonfly,!netbsd,!openbsd,!solaris,!aix

package reactor

// platformDefaultReactorDriver returns poll, the least-common-denominator
// reactor default for Unix platforms with no dedicated backend of their
// own (spec §6's "other Unix" row).
func platformDefaultReactorDriver() string { return "poll" }

func platformDefaultProactorDriver() string { return "" }
