// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package coalesce throttles bursty partial updates: accept any number of
// values, emit at most one per interval window, last value wins. Values
// are snapshots (the full accumulated text so far), so dropping the
// intermediate ones loses nothing.
package coalesce

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the default emission window.
const DefaultInterval = 100 * time.Millisecond

// =============================================================================
// COALESCER
// =============================================================================

// Coalescer forwards the latest published value to emit, at most once per
// interval. The first value in a quiet period goes out immediately
// (leading edge); values arriving inside the window are held and the last
// one is emitted when the window closes (trailing edge).
//
// Thread-safety: Publish may be called from any goroutine; emit is called
// without the internal lock held.
type Coalescer struct {
	mu       sync.Mutex
	emit     func(string)
	limiter  *rate.Limiter
	interval time.Duration

	pending    string
	hasPending bool
	timer      *time.Timer
	stopped    bool
}

// New creates a coalescer emitting through fn at most once per interval.
// A non-positive interval falls back to DefaultInterval.
func New(interval time.Duration, fn func(string)) *Coalescer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coalescer{
		emit:     fn,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Publish offers a new value. It either emits immediately or replaces the
// pending value and ensures a trailing flush is armed.
func (c *Coalescer) Publish(value string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	if c.limiter.Allow() {
		c.mu.Unlock()
		c.emit(value)
		return
	}

	c.pending = value
	c.hasPending = true
	if c.timer == nil {
		c.timer = time.AfterFunc(c.interval, c.flushTimer)
	}
	c.mu.Unlock()
}

// flushTimer delivers the pending value at the end of the window.
func (c *Coalescer) flushTimer() {
	c.mu.Lock()
	c.timer = nil
	if c.stopped || !c.hasPending {
		c.mu.Unlock()
		return
	}
	value := c.pending
	c.hasPending = false
	c.mu.Unlock()

	c.emit(value)
}

// Flush synchronously emits any pending value, bypassing the window. Used
// when a stream completes so the final accumulated value is never delayed.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.stopped || !c.hasPending {
		c.mu.Unlock()
		return
	}
	value := c.pending
	c.hasPending = false
	c.mu.Unlock()

	c.emit(value)
}

// Stop cancels any armed timer and suppresses all further emissions.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.hasPending = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
