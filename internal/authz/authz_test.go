// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package authz_test

import (
	"sync"
	"testing"

	"github.com/go-ntio/reactor/internal/authz"
	"github.com/stretchr/testify/assert"
)

func TestInvokerRunsWhileOpen(t *testing.T) {
	auth := authz.New()
	var ran bool
	inv := authz.NewInvoker(auth, func() { ran = true })
	assert.Equal(t, authz.Ok, inv.Call())
	assert.True(t, ran)
}

func TestInvokerCancelledAfterAbort(t *testing.T) {
	auth := authz.New()
	var calls int
	inv := authz.NewInvoker(auth, func() { calls++ })
	auth.Abort()
	assert.Equal(t, authz.Cancelled, inv.Call())
	assert.Equal(t, 0, calls)
}

func TestInvokerInvalidWithoutFunc(t *testing.T) {
	inv := authz.NewInvoker(authz.New(), nil)
	assert.Equal(t, authz.Invalid, inv.Call())
}

func TestAbortMonotonic(t *testing.T) {
	auth := authz.New()
	auth.Abort()
	auth.Abort()
	assert.True(t, auth.Aborted())
}

func TestAbortConcurrentWithCall(t *testing.T) {
	auth := authz.New()
	var wg sync.WaitGroup
	inv := authz.NewInvoker(auth, func() {})
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); inv.Call() }()
		go func() { defer wg.Done(); auth.Abort() }()
	}
	wg.Wait()
	assert.True(t, auth.Aborted())
}

func TestSetAuthorizationAlwaysAssigns(t *testing.T) {
	inv := authz.NewInvoker(nil, func() {})
	assert.Nil(t, inv.Authorization())
	a := authz.New()
	inv.SetAuthorization(a)
	assert.Same(t, a, inv.Authorization())
}
