// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package nack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1: NACK in-order loss.
func TestGeneratorInOrderLoss(t *testing.T) {
	g := New(Config{RttMs: 100})
	g.Insert(2381, false, false)
	g.Insert(2383, false, false)

	batch := g.RunSeqFilter(0)
	require.Equal(t, []uint16{2382}, batch.Seqs)

	// No recovery: TIME filter keeps retrying every rtt until the cap.
	seen := 0
	for i := 1; i <= 12; i++ {
		now := int64(i) * 100
		b := g.RunTimeFilter(now)
		if len(b.Seqs) > 0 {
			seen++
		}
	}
	assert.LessOrEqual(t, seen, maxRetries-1)
	assert.Equal(t, 0, g.PendingCount(), "entry must be dropped after retry cap")
}

// Scenario 2: NACK sequence wrap.
func TestGeneratorSequenceWrap(t *testing.T) {
	g := New(Config{RttMs: 100})
	g.Insert(65534, false, false)
	g.Insert(65535, false, false)
	g.Insert(1, false, false)

	batch := g.RunSeqFilter(0)
	require.Equal(t, []uint16{0}, batch.Seqs)

	// Second pass immediately after should emit nothing new (sendAtSeq
	// consumed, TIME filter not due yet).
	batch2 := g.RunSeqFilter(1)
	assert.Empty(t, batch2.Seqs)
}

func TestGeneratorRecoveredViaRTX(t *testing.T) {
	g := New(Config{RttMs: 100})
	g.Insert(10, false, false)
	g.Insert(12, false, false) // gap at 11
	assert.Equal(t, 1, g.PendingCount())

	g.Insert(11, false, false) // out-of-order arrival recovers the gap
	assert.Equal(t, 0, g.PendingCount())
}

func TestGeneratorRetryCapNeverExceeded(t *testing.T) {
	g := New(Config{RttMs: 1})
	g.Insert(1, false, false)
	g.Insert(3, false, false)

	total := 0
	for i := 0; i < 20; i++ {
		b := g.RunTimeFilter(int64(i))
		total += len(b.Seqs)
	}
	assert.LessOrEqual(t, total, maxRetries)
}

// A seq already known recovered must never be re-added to nackList by a
// later gap-fill pass, matching NackGenerator.cpp's AddPacketsToNackList
// skipping seqs present in recovered_list_.
func TestGeneratorSkipsRecoveredSeqInGapFill(t *testing.T) {
	g := New(Config{RttMs: 100})
	g.Insert(9, false, false) // bootstrap, lastSeq = 9
	g.addRecovered(11)        // 11 already delivered via RTX through some other path

	g.Insert(13, false, false) // gap-fill range (10, 13): 10, 11, 12

	batch := g.RunSeqFilter(0)
	assert.Equal(t, []uint16{10, 12}, batch.Seqs, "seq 11 is already recovered and must not be re-NACKed")
}

func TestGeneratorOutOfOrderRecoveryRequiresExplicitFlag(t *testing.T) {
	g := New(Config{RttMs: 100})
	g.Insert(10, false, false)
	g.Insert(15, false, false) // gap: 11, 12, 13, 14
	assert.Equal(t, 4, g.PendingCount())

	// 13 never made it into nackList's retry path by the time it arrives late
	// and is not itself flagged recovered: plain reordering, not an RTX win.
	delete(g.nackList, 13)
	g.Insert(13, false, false)
	assert.False(t, g.recoveredSet[13], "an un-flagged, not-NACKed late arrival must not be recorded as RTX-recovered")

	delete(g.nackList, 14)
	g.Insert(14, false, true) // a genuine RTX reply for a seq never tracked in nackList
	assert.True(t, g.recoveredSet[14])
}

func TestGeneratorOverflowRequestsKeyFrame(t *testing.T) {
	g := New(Config{RttMs: 100})
	kfRequested := false
	g.OnKeyFrameRequired(func() { kfRequested = true })

	g.Insert(0, true, false) // bootstrap with a keyframe marker
	g.Insert(30000, false, false) // huge gap, forces overflow pruning path
	assert.True(t, kfRequested)
}
