// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package registry_test

import (
	"testing"

	"github.com/go-ntio/reactor/internal/registry"
	"github.com/stretchr/testify/assert"
)

func TestAddLookup(t *testing.T) {
	r := registry.New()
	e := r.Add(10)
	assert.NotNil(t, e)
	assert.Equal(t, registry.Handle(10), e.Handle())
	assert.Same(t, e, r.Lookup(10))
}

func TestAddIdempotent(t *testing.T) {
	r := registry.New()
	e1 := r.Add(10)
	e2 := r.Add(10)
	assert.Same(t, e1, e2)
}

func TestLookupMiss(t *testing.T) {
	r := registry.New()
	assert.Nil(t, r.Lookup(99))
}

func TestDetachWaitsForProcessCounter(t *testing.T) {
	r := registry.New()
	r.Add(1)
	e := r.LookupAndMarkProcessing(1)
	assert.NotNil(t, e)
	assert.Equal(t, uint16(1), e.ProcessCounter())

	fired := false
	r.RemoveAndMarkReadyToDetach(1, func(registry.Handle) { fired = true }, nil)
	assert.True(t, e.DetachPending())
	assert.False(t, fired, "detach must not fire while process-counter > 0")

	r.DecrementProcessCounter(e)
	assert.True(t, fired, "detach must fire once process-counter reaches 0")
	assert.Nil(t, r.Lookup(1))
}

func TestDetachFiresInlineWhenIdle(t *testing.T) {
	r := registry.New()
	r.Add(1)
	fired := false
	r.RemoveAndMarkReadyToDetach(1, func(registry.Handle) { fired = true }, nil)
	assert.True(t, fired)
}

func TestLookupAndMarkProcessingRefusedAfterDetach(t *testing.T) {
	r := registry.New()
	r.Add(1)
	r.RemoveAndMarkReadyToDetach(1, nil, nil)
	assert.Nil(t, r.LookupAndMarkProcessing(1))
}

func TestShowHideAutoDetach(t *testing.T) {
	r := registry.New()
	r.Add(5)
	r.ShowReadable(5, nil)
	assert.True(t, r.Lookup(5).Interest().Readable)

	detached := false
	r.HideReadable(5, func(registry.Handle) { detached = true })
	assert.True(t, detached, "hiding last interest under auto-detach must remove the handle")
}

func TestShowAutoAttach(t *testing.T) {
	r := registry.New()
	e := r.ShowReadable(7, func() *registry.Entry { return r.Add(7) })
	assert.NotNil(t, e)
	assert.True(t, r.Lookup(7).Interest().Readable)
}

func TestGenerationAdvancesOnDetach(t *testing.T) {
	r := registry.New()
	e := r.Add(1)
	g0 := e.Generation()
	r.RemoveAndMarkReadyToDetach(1, nil, nil)
	assert.NotEqual(t, g0, e.Generation())
}

func TestCloseAllExceptsController(t *testing.T) {
	r := registry.New()
	r.Add(1)
	r.Add(2)
	r.Add(3)
	r.CloseAll(2)
	assert.Nil(t, r.Lookup(1))
	assert.NotNil(t, r.Lookup(2))
	assert.Nil(t, r.Lookup(3))
}
