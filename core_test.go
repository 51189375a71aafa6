// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

//go:build !windows

package reactor_test

import (
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-ntio/reactor"
	"github.com/go-ntio/reactor/driver"
)

// socketpair creates a connected pair of non-blocking unix-domain sockets,
// returned as raw handles for Attach and as *os.File-free fds the test
// writes/reads through via syscall directly.
func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, syscall.SetNonblock(fds[0], true))
	require.NoError(t, syscall.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = syscall.Close(fds[0])
		_ = syscall.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestReactor(t *testing.T) *reactor.Core {
	t.Helper()
	core, err := reactor.NewReactor(reactor.NewConfig(reactor.WithDriverName("poll")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	return core
}

func runOne(t *testing.T, core *reactor.Core, w *reactor.Waiter) {
	t.Helper()
	require.NoError(t, core.Poll(w))
}

func TestAttachReadableDeliversOnWrite(t *testing.T) {
	core := newTestReactor(t)
	w, err := core.RegisterWaiter()
	require.NoError(t, err)

	a, b := socketpair(t)

	var mu sync.Mutex
	var got reactor.Handle
	require.NoError(t, core.Attach(reactor.Handle(a), driver.Interest{Readable: true}, reactor.Callbacks{
		OnReadable: func(h reactor.Handle) {
			mu.Lock()
			got = h
			mu.Unlock()
		},
	}, nil))

	_, err = syscall.Write(b, []byte("x"))
	require.NoError(t, err)

	runOne(t, core, w)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, reactor.Handle(a), got)
}

func TestDetachWithInFlightCallbackRunsOnDetachAfterReturn(t *testing.T) {
	core := newTestReactor(t)
	w, err := core.RegisterWaiter()
	require.NoError(t, err)

	a, b := socketpair(t)

	detached := make(chan struct{})
	var returned atomic.Bool
	var inCallback sync.WaitGroup
	inCallback.Add(1)
	require.NoError(t, core.Attach(reactor.Handle(a), driver.Interest{Readable: true}, reactor.Callbacks{
		OnReadable: func(reactor.Handle) {
			inCallback.Done()
			// Detach is requested concurrently while this callback is
			// still running; OnDetach below must not fire until we return.
			time.Sleep(10 * time.Millisecond)
			returned.Store(true)
		},
		OnDetach: func(reactor.Handle) {
			assert.True(t, returned.Load(), "OnDetach fired before the in-flight callback returned")
			close(detached)
		},
	}, nil))

	_, err = syscall.Write(b, []byte("x"))
	require.NoError(t, err)

	go func() {
		inCallback.Wait()
		_ = core.Detach(reactor.Handle(a), nil)
	}()

	runOne(t, core, w)

	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("OnDetach never fired")
	}
}

func TestOneShotReadableClearsInterestAfterFirstDelivery(t *testing.T) {
	core := newTestReactor(t)
	w, err := core.RegisterWaiter()
	require.NoError(t, err)

	a, b := socketpair(t)

	var calls int
	var mu sync.Mutex
	require.NoError(t, core.Attach(reactor.Handle(a), driver.Interest{Readable: true, OneShot: true}, reactor.Callbacks{
		OnReadable: func(reactor.Handle) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	}, nil))

	_, err = syscall.Write(b, []byte("x"))
	require.NoError(t, err)
	runOne(t, core, w)

	_, err = syscall.Write(b, []byte("y"))
	require.NoError(t, err)
	runOne(t, core, w)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

// TestOneShotDefaultFollowsMaxThreads covers the spec's open-question
// default for an unset OneShot: false when max_threads <= 1 (the single
// test reactor above relies on this implicitly every time it attaches with
// OneShot left zero), true when max_threads > 1. Neither call below sets
// OneShot explicitly.
func TestOneShotDefaultFollowsMaxThreads(t *testing.T) {
	core, err := reactor.NewReactor(reactor.NewConfig(reactor.WithDriverName("poll"), reactor.WithThreads(2, 4)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = core.Close() })
	w, err := core.RegisterWaiter()
	require.NoError(t, err)

	a, b := socketpair(t)

	var calls int
	var mu sync.Mutex
	require.NoError(t, core.Attach(reactor.Handle(a), driver.Interest{Readable: true}, reactor.Callbacks{
		OnReadable: func(reactor.Handle) {
			mu.Lock()
			calls++
			mu.Unlock()
		},
	}, nil))

	_, err = syscall.Write(b, []byte("x"))
	require.NoError(t, err)
	runOne(t, core, w)

	_, err = syscall.Write(b, []byte("y"))
	require.NoError(t, err)
	runOne(t, core, w)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "max_threads > 1 should default OneShot to true")
}

func TestCreateTimerFires(t *testing.T) {
	core := newTestReactor(t)
	w, err := core.RegisterWaiter()
	require.NoError(t, err)

	fired := make(chan reactor.TimerOutcome, 1)
	core.CreateTimer(time.Now().Add(10*time.Millisecond), nil, nil, nil, nil, func(o reactor.TimerOutcome) {
		fired <- o
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		runOne(t, core, w)
		select {
		case o := <-fired:
			assert.Equal(t, reactor.TimerFired, o)
			return
		default:
		}
	}
	t.Fatal("timer never fired")
}

func TestTimerCancelRace(t *testing.T) {
	core := newTestReactor(t)
	w, err := core.RegisterWaiter()
	require.NoError(t, err)

	outcome := make(chan reactor.TimerOutcome, 1)
	timer := core.CreateTimer(time.Now().Add(50*time.Millisecond), nil, nil, nil, nil, func(o reactor.TimerOutcome) {
		outcome <- o
	})
	timer.Cancel()

	// Cancel announces synchronously, and with no timer left a Poll would
	// block indefinitely, so the outcome is checked before each Poll.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case o := <-outcome:
			assert.Equal(t, reactor.TimerCancelled, o)
			return
		default:
		}
		runOne(t, core, w)
	}
	t.Fatal("cancelled timer never announced")
}

func TestExecuteWakesBlockedWaiter(t *testing.T) {
	core := newTestReactor(t)
	w, err := core.RegisterWaiter()
	require.NoError(t, err)

	ran := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		core.Execute(nil, func() { close(ran) })
	}()

	require.NoError(t, core.Poll(w))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("deferred functor never ran")
	}
}

func TestStrandSerializesCallbacksAcrossTwoHandles(t *testing.T) {
	core := newTestReactor(t)
	w, err := core.RegisterWaiter()
	require.NoError(t, err)

	s := reactor.NewStrand()
	a1, b1 := socketpair(t)
	a2, b2 := socketpair(t)

	var mu sync.Mutex
	var order []int
	require.NoError(t, core.Attach(reactor.Handle(a1), driver.Interest{Readable: true}, reactor.Callbacks{
		OnReadable: func(reactor.Handle) {
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
		},
	}, s))
	require.NoError(t, core.Attach(reactor.Handle(a2), driver.Interest{Readable: true}, reactor.Callbacks{
		OnReadable: func(reactor.Handle) {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
		},
	}, s))

	_, err = syscall.Write(b1, []byte("x"))
	require.NoError(t, err)
	_, err = syscall.Write(b2, []byte("x"))
	require.NoError(t, err)

	runOne(t, core, w)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 2)
}
