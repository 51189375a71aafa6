// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package chronology_test

import (
	"testing"
	"time"

	"github.com/go-ntio/reactor/internal/chronology"
	"github.com/stretchr/testify/assert"
)

func TestTimerFiresInOrder(t *testing.T) {
	// A single shard is required here: AnnounceExpiredAndDeferred drains
	// shard by shard, so across shards expired timers are not announced in
	// strict global deadline order.
	c := chronology.NewShardCount(1)
	now := time.Now()
	var order []int

	c.CreateTimer(now.Add(20*time.Millisecond), nil, nil, nil, nil, func(chronology.Outcome) {
		order = append(order, 2)
	})
	c.CreateTimer(now.Add(5*time.Millisecond), nil, nil, nil, nil, func(chronology.Outcome) {
		order = append(order, 1)
	})

	c.AnnounceExpiredAndDeferred(now.Add(30*time.Millisecond), 0)
	assert.Equal(t, []int{1, 2}, order)
}

func TestTimeoutIntervalReflectsEarliestDeadline(t *testing.T) {
	c := chronology.New()
	now := time.Now()
	_, ok := c.TimeoutInterval(now)
	assert.False(t, ok)

	c.CreateTimer(now.Add(50*time.Millisecond), nil, nil, nil, nil, func(chronology.Outcome) {})
	d, ok := c.TimeoutInterval(now)
	assert.True(t, ok)
	assert.InDelta(t, 50*time.Millisecond, d, float64(5*time.Millisecond))
}

func TestCancelBeforeFireAnnouncesCancelled(t *testing.T) {
	c := chronology.New()
	now := time.Now()
	var outcome chronology.Outcome
	var fired bool
	timer := c.CreateTimer(now.Add(time.Hour), nil, nil, nil, nil, func(o chronology.Outcome) {
		fired = true
		outcome = o
	})
	timer.Cancel()
	assert.True(t, fired)
	assert.Equal(t, chronology.Cancelled, outcome)

	// A subsequent drain must not fire it again; the heap entry is gone.
	fired = false
	c.AnnounceExpiredAndDeferred(now.Add(2*time.Hour), 0)
	assert.False(t, fired)
}

func TestDeferRunsOnDrain(t *testing.T) {
	c := chronology.New()
	ran := false
	c.Defer(func() { ran = true })
	c.AnnounceExpiredAndDeferred(time.Now(), 0)
	assert.True(t, ran)
}

func TestMoveAndExecuteOrdersBatchBeforeFollowup(t *testing.T) {
	c := chronology.New()
	var order []int
	c.MoveAndExecute([]func(){
		func() { order = append(order, 1) },
		func() { order = append(order, 2) },
	}, func() { order = append(order, 3) })
	c.AnnounceExpiredAndDeferred(time.Now(), 0)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPeriodicTimerReschedules(t *testing.T) {
	c := chronology.New()
	now := time.Now()
	period := 10 * time.Millisecond
	count := 0
	c.CreateTimer(now.Add(period), &period, nil, nil, nil, func(chronology.Outcome) {
		count++
	})
	c.AnnounceExpiredAndDeferred(now.Add(5*period), 0)
	assert.Equal(t, 1, count)
	c.AnnounceExpiredAndDeferred(now.Add(6*period), 0)
	assert.Equal(t, 2, count)
}
