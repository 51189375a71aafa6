// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package reactor

import "github.com/go-ntio/reactor/internal/wakeup"

// newWakeupController constructs the real platform wakeup primitive,
// returned as the wakeupController interface Core holds.
func newWakeupController() (wakeupController, error) {
	return wakeup.New()
}
