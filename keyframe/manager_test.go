// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package keyframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTimer lets tests fire callbacks manually instead of waiting on
// wall-clock timers.
type fakeTimer struct {
	fn      func()
	stopped bool
}

func (f *fakeTimer) Start(d time.Duration, repeat bool) {}
func (f *fakeTimer) Stop()                              { f.stopped = true }
func (f *fakeTimer) fire() {
	if !f.stopped {
		f.fn()
	}
}

func newFakeFactory(timers *[]*fakeTimer) TimerFactory {
	return func(fn func()) Timer {
		t := &fakeTimer{fn: fn}
		*timers = append(*timers, t)
		return t
	}
}

func TestKeyFrameNeededInvokesListenerOnce(t *testing.T) {
	var timers []*fakeTimer
	calls := 0
	m := New(Config{NewTimer: newFakeFactory(&timers)}, func(ssrc uint32) { calls++ })

	m.KeyFrameNeeded(1)
	m.KeyFrameNeeded(1) // still pending: arms retry-on-timeout, does not re-invoke
	assert.Equal(t, 1, calls)
}

func TestKeyFrameReceivedDropsPending(t *testing.T) {
	var timers []*fakeTimer
	m := New(Config{NewTimer: newFakeFactory(&timers)}, func(uint32) {})
	m.KeyFrameNeeded(1)
	require.Len(t, timers, 1)

	m.KeyFrameReceived(1)
	assert.True(t, timers[0].stopped)
}

func TestPendingTimeoutRetryOnce(t *testing.T) {
	var timers []*fakeTimer
	calls := 0
	m := New(Config{NewTimer: newFakeFactory(&timers), RetryOnTimeout: true}, func(uint32) { calls++ })

	m.KeyFrameNeeded(1)
	require.Len(t, timers, 1)
	timers[0].fire() // first timeout: retries once

	assert.Equal(t, 2, calls)
	require.Len(t, timers, 2)
	timers[1].fire() // second timeout: retryOnTimeout now false, destroyed

	assert.Equal(t, 2, calls, "no further retries after the single re-ask")
}

func TestDelayerBatchesRepeatedRequests(t *testing.T) {
	var timers []*fakeTimer
	calls := 0
	m := New(Config{NewTimer: newFakeFactory(&timers), Delay: 100 * time.Millisecond}, func(uint32) { calls++ })

	m.KeyFrameNeeded(1)
	m.KeyFrameNeeded(1) // delayer already pending: should just set pending flag
	assert.Equal(t, 1, calls)

	// Two timers exist for ssrc 1: the delayer and the pending-info timer.
	// Fire the delayer's timer (first created). The original request is
	// still pending, so this just arms retry-on-timeout rather than asking
	// again.
	timers[0].fire()
	assert.Equal(t, 1, calls, "re-request while still pending must not re-invoke the listener")
}

// A repeat KeyFrameNeeded while already pending must arm retry-on-timeout
// (spec §4.E) even when the manager wasn't constructed with RetryOnTimeout.
func TestRepeatRequestArmsRetryOnTimeoutEvenWhenConfigDisabled(t *testing.T) {
	var timers []*fakeTimer
	calls := 0
	m := New(Config{NewTimer: newFakeFactory(&timers)}, func(uint32) { calls++ })

	m.KeyFrameNeeded(1)
	require.Len(t, timers, 1, "only the pending-info timer, no re-arm on repeat")
	m.KeyFrameNeeded(1) // repeat while pending: arms retry-on-timeout
	require.Len(t, timers, 1, "repeat request while pending must not create a new timer")

	timers[0].fire() // pending timer expires
	assert.Equal(t, 2, calls, "retry-on-timeout armed by the repeat request must fire once")
}

func TestForceKeyFrameNeededAlwaysInvokes(t *testing.T) {
	var timers []*fakeTimer
	calls := 0
	m := New(Config{NewTimer: newFakeFactory(&timers)}, func(uint32) { calls++ })

	m.KeyFrameNeeded(1)
	m.ForceKeyFrameNeeded(1)
	assert.Equal(t, 2, calls)
}
