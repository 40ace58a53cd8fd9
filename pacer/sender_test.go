// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package pacer

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePadder struct{}

func (fakePadder) GeneratePadding(size int) *rtp.Packet {
	return &rtp.Packet{Payload: make([]byte, size)}
}

func TestSenderDrainsQueueWithinBudget(t *testing.T) {
	var emitted []*rtp.Packet
	s := New(Config{MediaRateBps: 8_000_000}, fakePadder{}, func(p *rtp.Packet) { emitted = append(emitted, p) })

	for i := 0; i < 5; i++ {
		s.Enqueue(&rtp.Packet{Payload: make([]byte, 1000)})
	}
	s.Process(20) // 20ms at 8Mbps ~= 20000 bytes budget, enough to drain all 5

	assert.Len(t, emitted, 5)
}

func TestSenderHoldsQueueWhenBudgetExhausted(t *testing.T) {
	var emitted []*rtp.Packet
	s := New(Config{MediaRateBps: 8_000}, fakePadder{}, func(p *rtp.Packet) { emitted = append(emitted, p) })

	for i := 0; i < 10; i++ {
		s.Enqueue(&rtp.Packet{Payload: make([]byte, 1000)})
	}
	s.Process(1) // 1ms at 8kbps is far below one packet's size

	assert.Less(t, len(emitted), 10)
}

func TestProberConsumesClustersOverProcessCalls(t *testing.T) {
	s := New(Config{MediaRateBps: 1_000_000}, fakePadder{}, func(p *rtp.Packet) {})
	s.CreateProbeClusters(ProbeCluster{ID: 1, BitrateBps: 500_000, DurationMs: 200, RecommendedSize: 200})
	require.True(t, s.Prober().Active())

	for i := 0; i < 9; i++ {
		s.Process(20)
		assert.True(t, s.Prober().Active(), "a 200ms cluster must still be active after only %dms", (i+1)*20)
	}
	s.Process(20) // 10th tick: 200ms elapsed, the cluster's configured duration
	assert.False(t, s.Prober().Active(), "the cluster must be consumed once its DurationMs has elapsed")
}

func TestNextFireMsIsBoundedByPacerLimits(t *testing.T) {
	assert.Equal(t, 5.0, NextFireMs(1, 100))
	assert.Equal(t, 25.0, NextFireMs(1000, 1000))
	assert.Equal(t, 10.0, NextFireMs(10, 1000))
}
