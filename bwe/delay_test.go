// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package bwe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterArrivalGroupsWithinWindow(t *testing.T) {
	ia := newInterArrival()
	_, _, _, ok := ia.Compute(0, 100, 1200, 0)
	assert.False(t, ok, "first group never closes on its own packet")

	_, _, _, ok = ia.Compute(2, 102, 1200, 2)
	assert.False(t, ok, "packet within the 5ms group window must not close it")

	_, _, _, ok = ia.Compute(10, 110, 1200, 10)
	assert.False(t, ok, "closing the first group only seeds prevGroup, no delta yet")

	_, _, _, ok = ia.Compute(20, 121, 1200, 20)
	assert.True(t, ok, "second completed group must emit a delta")
}

func TestTrendlineClassifiesOverusingOnRisingDelay(t *testing.T) {
	tl := NewTrendlineEstimator()
	now := 0.0
	for i := 0; i < 15; i++ {
		now += 5
		// arrival delta growing faster than timestamp delta: one-way delay rising.
		tl.Update(5, 5+float64(i)*3, now)
	}
	assert.Equal(t, Overusing, tl.Usage())
}

func TestTrendlineClassifiesNormalOnStableDelay(t *testing.T) {
	tl := NewTrendlineEstimator()
	now := 0.0
	for i := 0; i < 15; i++ {
		now += 5
		tl.Update(5, 5, now)
	}
	assert.Equal(t, Normal, tl.Usage())
}

func TestDelayBasedBweHoldsOrIncreasesWithoutOveruse(t *testing.T) {
	d := NewDelayBasedBwe(500_000)
	now := int64(0)
	var rate float64
	for i := 0; i < 20; i++ {
		now += 5
		rate = d.OnPacket(float64(now), float64(now)+5, 1200, 0, now)
	}
	assert.GreaterOrEqual(t, rate, 500_000.0)
}

func TestDelayBasedBweResetsAfterStreamTimeout(t *testing.T) {
	d := NewDelayBasedBwe(500_000)
	d.OnPacket(0, 5, 1200, 0, 0)
	d.OnPacket(2500, 2506, 1200, 0, 2500)
	assert.NotNil(t, d.ia, "InterArrival must be reconstructed, not removed, after timeout")
}
