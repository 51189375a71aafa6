// Tencent is pleased to support the open source community by making tnet available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tnet source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License can be found in the LICENSE file.

package reactor

import (
	"github.com/go-ntio/reactor/driver"
)

const (
	defaultMaxEventsPerWait = 128
	defaultMaxTimersPerWait = 64
	defaultMaxCyclesPerWait = 4
)

// Option configures a Core at construction time, mirroring the teacher's
// Option{f func(*options)} shape (options.go).
type Option struct {
	f func(*options)
}

type options struct {
	driverName       string
	minThreads       int
	maxThreads       int
	maxEventsPerWait int
	maxTimersPerWait int
	maxCyclesPerWait int
	autoAttach       bool
	autoDetach       bool
	oneShot          *bool // nil means "apply the max_threads-dependent default"
	trigger          driver.Trigger
	metricsOverall   bool
}

func (o *options) setDefault() {
	o.minThreads = 1
	o.maxThreads = 1
	o.maxEventsPerWait = defaultMaxEventsPerWait
	o.maxTimersPerWait = defaultMaxTimersPerWait
	o.maxCyclesPerWait = defaultMaxCyclesPerWait
	o.autoAttach = true
	o.autoDetach = true
	o.trigger = driver.Level
	o.metricsOverall = true
}

// resolvedOneShot implements the spec §9 open question literally: one_shot
// defaults to false when max_threads <= 1 and true otherwise, unless the
// caller set it explicitly via WithOneShot.
func (o *options) resolvedOneShot() bool {
	if o.oneShot != nil {
		return *o.oneShot
	}
	return o.maxThreads > 1
}

// WithDriverName selects a backend by its registered factory name (e.g.
// "epoll", "kqueue", "iouring"); empty selects the platform default for
// the requested family.
func WithDriverName(name string) Option {
	return Option{func(o *options) { o.driverName = name }}
}

// WithThreads sets the minimum and maximum number of waiter threads. Equal
// min/max only fixes both bounds; no waiter is designated as principal.
func WithThreads(min, max int) Option {
	return Option{func(o *options) {
		o.minThreads = min
		o.maxThreads = max
	}}
}

// WithMaxEventsPerWait bounds how many events a single driver.Wait call may
// return.
func WithMaxEventsPerWait(n int) Option {
	return Option{func(o *options) { o.maxEventsPerWait = n }}
}

// WithMaxTimersPerWait bounds how many expired timers each chronology drain
// pass announces per shard; WithMaxCyclesPerWait bounds the passes per
// wait-loop iteration before yielding back to I/O.
func WithMaxTimersPerWait(n int) Option {
	return Option{func(o *options) { o.maxTimersPerWait = n }}
}

// WithMaxCyclesPerWait bounds how many chronology drain cycles
// (AnnounceExpiredAndDeferred passes) run per wait-loop iteration.
func WithMaxCyclesPerWait(n int) Option {
	return Option{func(o *options) { o.maxCyclesPerWait = n }}
}

// WithAutoAttach controls whether show_* on an unknown handle implicitly
// attaches it. Default true.
func WithAutoAttach(enabled bool) Option {
	return Option{func(o *options) { o.autoAttach = enabled }}
}

// WithAutoDetach controls whether hide_* that leaves an entry's interest
// empty implicitly detaches it. Default true.
func WithAutoDetach(enabled bool) Option {
	return Option{func(o *options) { o.autoDetach = enabled }}
}

// WithOneShot overrides the max_threads-dependent default for one_shot
// (spec §9's open question).
func WithOneShot(oneShot bool) Option {
	return Option{func(o *options) { o.oneShot = &oneShot }}
}

// WithTrigger selects Level or Edge as the default trigger mode for new
// registrations.
func WithTrigger(t driver.Trigger) Option {
	return Option{func(o *options) { o.trigger = t }}
}

// WithMetrics toggles the overall metric-collection tier (the process-wide
// atomic counters in the metrics package). There is no per-waiter or
// per-socket tier: nothing in this module keys a counter by waiter or
// handle, so those toggles named alongside "overall" would have nothing to
// gate; see DESIGN.md for why they were dropped instead of stubbed in.
func WithMetrics(overall bool) Option {
	return Option{func(o *options) { o.metricsOverall = overall }}
}

// Config bundles Options the way the teacher's service constructors accept
// a variadic Option list; it exists as a named type so callers can build a
// configuration once and reuse it across NewReactor/NewProactor/
// NewInterface calls.
type Config struct {
	opts []Option
}

// NewConfig builds a Config from a list of Options.
func NewConfig(opts ...Option) Config {
	return Config{opts: opts}
}

func (c Config) resolve() *options {
	o := &options{}
	o.setDefault()
	for _, opt := range c.opts {
		opt.f(o)
	}
	return o
}
