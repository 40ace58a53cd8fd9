// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package tccclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emiago/sfuworker/pacer"
)

func TestClientEmitsOnFirstEstimate(t *testing.T) {
	c := New(Constraints{MinBps: 10_000, MaxBps: 5_000_000, StartBps: 500_000}, nil)
	var events []TargetTransferRate
	c.OnBitrateChanged(func(r TargetTransferRate) { events = append(events, r) })

	c.OnFeedbackReport(100, 0, 100*1200, 250, 0, time.Now())
	require.Len(t, events, 1, "the first valid estimate must always emit")
}

func TestClientTargetStaysWithinConstraints(t *testing.T) {
	c := New(Constraints{MinBps: 50_000, MaxBps: 1_000_000, StartBps: 500_000}, nil)
	rate := c.OnFeedbackReport(100, 0, 100*1200, 250, 0, time.Now())
	assert.GreaterOrEqual(t, rate.TargetBps, 50_000.0)
	assert.LessOrEqual(t, rate.TargetBps, 1_000_000.0)
}

func TestClientDoesNotReemitOnTinyChanges(t *testing.T) {
	c := New(Constraints{MinBps: 10_000, MaxBps: 5_000_000, StartBps: 500_000}, nil)
	var count int
	now := time.Now()
	c.OnBitrateChanged(func(r TargetTransferRate) { count++ })

	c.OnFeedbackReport(100, 0, 100*1200, 250, 0, now)
	c.OnFeedbackReport(100, 1, 100*1200, 250, 0, now.Add(10*time.Millisecond))
	assert.Equal(t, 1, count, "a small change well under interval/threshold must not re-emit")
}

func TestClientWeightedLossBiasesRecentReports(t *testing.T) {
	c := New(Constraints{MinBps: 10_000, MaxBps: 5_000_000, StartBps: 500_000}, nil)
	now := time.Now()
	for i := 0; i < 5; i++ {
		c.OnFeedbackReport(100, 0, 100*1200, 250, 0, now.Add(time.Duration(i)*250*time.Millisecond))
	}
	firstLoss := c.weightedLoss()
	assert.Equal(t, 0.0, firstLoss)

	c.OnFeedbackReport(100, 50, 100*1200, 250, 0, now.Add(2*time.Second))
	assert.Greater(t, c.weightedLoss(), 0.0, "a recent lossy report must raise the weighted average")
}
