// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package rateutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrendCalculatorAdoptsHigher(t *testing.T) {
	tc := NewTrendCalculator()
	tc.Update(100, 0)
	got := tc.Update(200, 100)
	assert.Equal(t, 200.0, got)
}

func TestTrendCalculatorDecaysTowardLower(t *testing.T) {
	tc := NewTrendCalculator().WithDecreaseFactor(0.05)
	tc.Update(1000, 0)

	got := tc.Update(400, 1000) // 1s later
	lowerBound := max(400, 1000-1000*0.05*1)
	assert.GreaterOrEqual(t, got, lowerBound-1e-9)
	assert.LessOrEqual(t, got, 1000.0)
}

func TestTrendCalculatorForceUpdateBypassesDecay(t *testing.T) {
	tc := NewTrendCalculator()
	tc.Update(1000, 0)
	tc.ForceUpdate(10, 1)
	assert.Equal(t, 10.0, tc.Value())
}
