// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build aix
// +build aix

package reactor

// platformDefaultReactorDriver returns pollset, the reactor default on AIX
// (spec §6's platform defaults table).
func platformDefaultReactorDriver() string { return "pollset" }

func platformDefaultProactorDriver() string { return "" }
