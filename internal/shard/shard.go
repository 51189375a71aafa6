// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

// Package shard provides a generic round-robin index picker used to spread
// load across a fixed pool of same-shaped workers. It generalizes the
// teacher's poller load-balancing idiom (internal/poller's LoadBalance
// interface and its RoundRobin implementation), which picked one of several
// independent poller instances, into a reusable index-picker that any
// fixed-size pool can embed -- chronology uses it to distribute timers
// across several independently-locked wheels instead of contending on one.
package shard

import "sync/atomic"

// RoundRobin hands out indices in [0, n) in round-robin order. The zero
// value is not usable; construct with New.
type RoundRobin struct {
	n        uint32
	accepted atomic.Uint32
}

// New creates a RoundRobin picker over n shards. n must be >= 1.
func New(n int) *RoundRobin {
	if n < 1 {
		n = 1
	}
	return &RoundRobin{n: uint32(n)}
}

// Next returns the next index in round-robin order.
func (r *RoundRobin) Next() int {
	return int(r.accepted.Add(1) % r.n)
}

// Len returns the number of shards.
func (r *RoundRobin) Len() int {
	return int(r.n)
}
