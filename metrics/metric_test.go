// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

package metrics_test

import (
	"testing"
	"time"

	"github.com/go-ntio/reactor/metrics"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	metrics.Add(metrics.DriverWaitCalls, 1)
	assert.Equal(t, uint64(1), metrics.Get(metrics.DriverWaitCalls))
	metrics.Add(metrics.DriverWaitCalls, 1)
	assert.Equal(t, uint64(2), metrics.Get(metrics.DriverWaitCalls))
	metrics.Add(metrics.Max+1, 1)
	metrics.Add(metrics.DriverNoWaitCalls, 8)
	metrics.Add(metrics.DriverEvents, 99)
	metrics.Add(metrics.RegistryAttach, 191)
	metrics.Add(metrics.RegistryDetachCompleted, 1191)
	metrics.Add(metrics.DispatchInline, 191)
	metrics.Add(metrics.ChronologyTimersFired, 1191)
	assert.Equal(t, uint64(0), metrics.Get(metrics.Max+1))
	metrics.ShowMetrics()
	metrics.ShowMetricsOfPeriod(time.Millisecond)
}

func TestSetOverallEnabled(t *testing.T) {
	defer metrics.SetOverallEnabled(true)

	metrics.SetOverallEnabled(false)
	before := metrics.Get(metrics.RegistryLookupMiss)
	metrics.Add(metrics.RegistryLookupMiss, 1)
	assert.Equal(t, before, metrics.Get(metrics.RegistryLookupMiss))

	metrics.SetOverallEnabled(true)
	metrics.Add(metrics.RegistryLookupMiss, 1)
	assert.Equal(t, before+1, metrics.Get(metrics.RegistryLookupMiss))
}
