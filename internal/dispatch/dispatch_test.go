// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package dispatch_test

import (
	"sync"
	"testing"
	"time"

	"github.com/go-ntio/reactor/internal/authz"
	"github.com/go-ntio/reactor/internal/dispatch"
	"github.com/go-ntio/reactor/internal/strand"
	"github.com/stretchr/testify/assert"
)

func TestDispatchInlineWhenStrandMatchesCurrent(t *testing.T) {
	s := strand.New()
	ran := false
	res := dispatch.Dispatch(dispatch.Callback{Strand: s, Fn: func() { ran = true }}, s, false, nil)
	assert.Equal(t, dispatch.Ok, res)
	assert.True(t, ran)
}

func TestDispatchInlineWhenImmediateAndUnspecified(t *testing.T) {
	ran := false
	res := dispatch.Dispatch(dispatch.Callback{Fn: func() { ran = true }}, nil, true, nil)
	assert.Equal(t, dispatch.Ok, res)
	assert.True(t, ran)
}

func TestDispatchDefersToOtherStrand(t *testing.T) {
	s := strand.New()
	ran := false
	res := dispatch.Dispatch(dispatch.Callback{Strand: s, Fn: func() { ran = true }}, nil, false, nil)
	assert.Equal(t, dispatch.Pending, res)
	assert.Eventually(t, func() bool { return ran }, time.Second, time.Millisecond)
}

func TestDispatchCancelledWhenAuthAborted(t *testing.T) {
	auth := authz.New()
	auth.Abort()
	called := false
	res := dispatch.Dispatch(dispatch.Callback{Auth: auth, Fn: func() { called = true }}, nil, true, nil)
	assert.Equal(t, dispatch.Cancelled, res)
	assert.False(t, called)
}

func TestDispatchInvalidWithoutFunc(t *testing.T) {
	res := dispatch.Dispatch(dispatch.Callback{}, nil, true, nil)
	assert.Equal(t, dispatch.Invalid, res)
}

func TestDispatchInlineWhileAlreadyDrainingTargetStrand(t *testing.T) {
	s := strand.New()
	var nestedRan bool
	s.Execute(func() {
		dispatch.MarkDraining(s)
		defer dispatch.UnmarkDraining(s)
		res := dispatch.Dispatch(dispatch.Callback{Strand: s, Fn: func() { nestedRan = true }}, nil, false, nil)
		assert.Equal(t, dispatch.Ok, res)
	})
	assert.True(t, nestedRan)
}

func TestDispatchWithMutexReleasesAroundInlineCall(t *testing.T) {
	var mu sync.Mutex
	mu.Lock()
	locked := true
	res := dispatch.DispatchWithMutex(dispatch.Callback{Fn: func() {
		locked = mu.TryLock()
		if locked {
			mu.Unlock()
		}
	}}, nil, true, nil, &mu)
	assert.Equal(t, dispatch.Ok, res)
	assert.True(t, locked, "mutex must be released for the duration of the inline call")
}
