// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build darwin || freebsd || dragonfly || netbsd || openbsd
// +build darwin freebsd dragonfly netbsd openbsd

package reactor

// platformDefaultReactorDriver returns kqueue, the reactor default on
// Darwin/FreeBSD and the other BSDs (spec §6's platform defaults table).
func platformDefaultReactorDriver() string { return "kqueue" }

// platformDefaultProactorDriver has no BSD-native completion backend;
// callers requesting a proactor here must name one explicitly via
// WithDriverName.
func platformDefaultProactorDriver() string { return "" }
