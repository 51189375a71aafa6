// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package taskpool provides the two goroutine pools the core offloads work
// onto: one for running detach-callback fan-out off the waiter thread that
// drove an Entry's process-counter to zero, one behind Submit, the executor
// Core's event dispatch hands to dispatch.Dispatch. Grounded on the
// teacher's taskpool.go, which
// keeps the identical split (sysPool via ants.NewPoolWithFunc for internal
// dispatch, usrPool via ants.NewPool for user Submit calls) for TCP/UDP
// connection handlers instead of detach callbacks.
package taskpool

import (
	"github.com/panjf2000/ants/v2"

	"github.com/go-ntio/reactor/metrics"
)

const maxRoutines = 0 // 0 means unbounded, matching the teacher's maxRoutines.

var (
	detachPool, _ = ants.NewPoolWithFunc(maxRoutines, runDetach)
	userPool, _   = ants.NewPool(maxRoutines)
)

// runDetach is the detachPool worker function: v is always a func(), cast
// and invoked directly the way the teacher's taskHandler switches on
// *tcpconn/*udpconn.
func runDetach(v any) {
	if fn, ok := v.(func()); ok {
		fn()
	}
}

// DispatchDetach submits fn (a detach announcement) to the internal pool,
// mirroring the teacher's doTask/sysPool.Invoke path and its
// metrics.TaskAssigned counter.
func DispatchDetach(fn func()) error {
	metrics.Add(metrics.TaskAssigned, 1)
	return detachPool.Invoke(fn)
}

// Submit submits a user task to the shared user-facing pool, the same
// public surface as the teacher's package-level Submit.
func Submit(task func()) error {
	return userPool.Submit(task)
}
