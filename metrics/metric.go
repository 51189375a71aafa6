//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 THL A29 Limited, a Tencent company.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package metrics provides a lot of reactor runtime monitoring data,
// such as the efficiency of the wait loop and the dispatch path,
// which is a good tool for performance tuning.
package metrics

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// Driver metrics
	DriverWaitCalls = iota
	DriverNoWaitCalls
	DriverEvents
	DriverControllerWakeups
	DriverControllerRecreated

	// Registry metrics
	RegistryAttach
	RegistryDetachRequested
	RegistryDetachCompleted
	RegistryLookupMiss

	// Dispatch metrics
	DispatchInline
	DispatchDeferred
	DispatchCancelled

	// Chronology metrics
	ChronologyTimersScheduled
	ChronologyTimersFired
	ChronologyTimersCancelled
	ChronologyDeferredRun

	// Strand metrics
	StrandClaims
	StrandFunctorsRun

	TaskAssigned
	Max
)

var (
	metrics [Max]atomic.Uint64
	overall atomic.Bool
)

func init() {
	overall.Store(true)
}

// SetOverallEnabled toggles whether Add records anything at all. It backs
// the overall tier of the metric collection toggles a Core is configured
// with; a Core built with that toggle off stops every counter from
// changing instead of paying the atomic increments for counters nobody
// reads. The toggle is process-wide and does not reset existing counts.
func SetOverallEnabled(enabled bool) {
	overall.Store(enabled)
}

// Add metrics counter.
func Add(name int, delta uint64) {
	if name >= Max || !overall.Load() {
		return
	}
	metrics[name].Add(delta)
}

// Get one metric counter.
func Get(name int) uint64 {
	if name >= Max {
		return 0
	}
	return metrics[name].Load()
}

// GetAll get all metrics.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range metrics {
		m[i] = metrics[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod shows metric info of duration d from now on.
// It will block d duration, and then prints metrics info.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	new := GetAll()
	var m [Max]uint64
	for i := range metrics {
		m[i] = new[i] - old[i]
	}
	showAll(m)
}

// ShowMetrics shows metric info in console.
func ShowMetrics() {
	m := GetAll()
	showAll(m)
}

func showAll(m [Max]uint64) {
	fmt.Println("######### reactor metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	showDriverMetrics(m)
	showRegistryMetrics(m)
	showDispatchMetrics(m)
	showChronologyMetrics(m)
	fmt.Printf("%-59s: %d\n", "# number of task assigned (doTask)", m[TaskAssigned])
	fmt.Printf("\n")
}

func showDriverMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# DRIVER - number of wait() returns", m[DriverWaitCalls])
	fmt.Printf("%-59s: %d\n", "# DRIVER - number of wait() calls with timeout=0", m[DriverNoWaitCalls])
	fmt.Printf("%-59s: %d\n", "# DRIVER - number of total events delivered", m[DriverEvents])
	if m[DriverWaitCalls] > 0 {
		fmt.Printf("%-59s: %.2f\n", "# DRIVER - average events per wait()",
			float32(m[DriverEvents])/float32(m[DriverWaitCalls]))
	}
	fmt.Printf("%-59s: %d\n", "# DRIVER - number of controller wakeups", m[DriverControllerWakeups])
	fmt.Printf("%-59s: %d\n", "# DRIVER - number of controller re-creations", m[DriverControllerRecreated])
}

func showRegistryMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# REGISTRY - number of entries attached", m[RegistryAttach])
	fmt.Printf("%-59s: %d\n", "# REGISTRY - number of detaches requested", m[RegistryDetachRequested])
	fmt.Printf("%-59s: %d\n", "# REGISTRY - number of detaches completed", m[RegistryDetachCompleted])
	fmt.Printf("%-59s: %d\n", "# REGISTRY - number of lookup misses", m[RegistryLookupMiss])
}

func showDispatchMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# DISPATCH - number of inline invocations", m[DispatchInline])
	fmt.Printf("%-59s: %d\n", "# DISPATCH - number of deferred invocations", m[DispatchDeferred])
	fmt.Printf("%-59s: %d\n", "# DISPATCH - number of cancelled invocations", m[DispatchCancelled])
}

func showChronologyMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# CHRONOLOGY - number of timers scheduled", m[ChronologyTimersScheduled])
	fmt.Printf("%-59s: %d\n", "# CHRONOLOGY - number of timers fired", m[ChronologyTimersFired])
	fmt.Printf("%-59s: %d\n", "# CHRONOLOGY - number of timers cancelled", m[ChronologyTimersCancelled])
	fmt.Printf("%-59s: %d\n", "# CHRONOLOGY - number of deferred functors run", m[ChronologyDeferredRun])
}
