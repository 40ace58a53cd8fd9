// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package tcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerBasicFeedbackRoundTrip(t *testing.T) {
	s := New(Config{})

	require.Nil(t, s.RecordPacket(1, 1000, 0xAAAA))
	require.Nil(t, s.RecordPacket(2, 1050, 0xAAAA))

	require.Nil(t, s.Tick(1000)) // arms the flush deadline
	require.Nil(t, s.Tick(1099))
	pkt := s.Tick(1100)
	require.NotNil(t, pkt)

	statuses, mediaSSRC, err := ParseFeedback(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xAAAA), mediaSSRC)
	require.Len(t, statuses, 2)
	assert.Equal(t, PacketStatus{SequenceNumber: 1, Received: true, DeltaUnits: 0}, statuses[0])
	assert.True(t, statuses[1].Received)
}

func TestServerReportingCursorSkipsConfirmedPrefix(t *testing.T) {
	s := New(Config{})
	s.RecordPacket(1, 1000, 0xAAAA)
	s.RecordPacket(2, 1050, 0xAAAA)
	s.Tick(1000)
	first := s.Tick(1100)
	require.NotNil(t, first)

	// 1 and 2 are a confirmed contiguous prefix, so the reporting cursor
	// advances past both: the next window starts at 3, not at a carried 2.
	// seq 3 never arrives in this window; 4 and 5 do.
	s.RecordPacket(4, 1100, 0xAAAA)
	s.RecordPacket(5, 1150, 0xAAAA)
	s.Tick(1100)
	second := s.Tick(1200)
	require.NotNil(t, second)

	statuses, _, err := ParseFeedback(second)
	require.NoError(t, err)
	require.Len(t, statuses, 3) // 3 (gap), 4, 5
	assert.Equal(t, uint16(3), statuses[0].SequenceNumber)
	assert.False(t, statuses[0].Received)
	assert.Equal(t, uint16(4), statuses[1].SequenceNumber)
	assert.True(t, statuses[1].Received)
	assert.Equal(t, uint16(5), statuses[2].SequenceNumber)
	assert.True(t, statuses[2].Received)
}

func TestServerMTUForcesImmediateFlush(t *testing.T) {
	s := New(Config{MTU: 40})

	var last []byte
	for i := uint16(0); i < 50; i++ {
		if pkt := s.RecordPacket(i, int64(i)*10, 0xBEEF); pkt != nil {
			last = pkt
		}
	}
	require.NotNil(t, last, "MTU cap must force at least one flush before the 100ms timer")

	statuses, _, err := ParseFeedback(last)
	require.NoError(t, err)
	assert.NotEmpty(t, statuses)
}

func TestServerFeedbackPacketCountIncreasesMonotonically(t *testing.T) {
	s := New(Config{})
	s.RecordPacket(1, 0, 1)
	s.Tick(0)
	pkt1 := s.Tick(100)
	require.NotNil(t, pkt1)

	s.RecordPacket(2, 200, 1)
	s.Tick(100)
	pkt2 := s.Tick(200)
	require.NotNil(t, pkt2)

	assert.Less(t, pkt1[19], pkt2[19], "feedback_packet_count byte must increase")
}

// TestServerReReportsOutOfOrderArrivalWithOriginalTimestamp reproduces the
// "packets arrive out of order" scenario: seq 3 arrives after
// 4 and 5 have already been reported as a gap. The feedback that finally
// covers seq 3 must also re-report 4 and 5 as received, using their
// original arrival times, not just seq 3 and the newly arrived seq 6.
func TestServerReReportsOutOfOrderArrivalWithOriginalTimestamp(t *testing.T) {
	s := New(Config{})

	s.RecordPacket(1, 1000, 0xCAFE)
	s.RecordPacket(2, 1050, 0xCAFE)
	s.Tick(1000) // arms the flush deadline
	fb1 := s.Tick(1100)
	require.NotNil(t, fb1)

	s.RecordPacket(4, 1100, 0xCAFE)
	s.RecordPacket(5, 1150, 0xCAFE)
	s.Tick(1100)
	fb2 := s.Tick(1200)
	require.NotNil(t, fb2)

	s.RecordPacket(3, 1200, 0xCAFE) // out of order
	s.RecordPacket(6, 1250, 0xCAFE)
	s.Tick(1200)
	fb3 := s.Tick(1300)
	require.NotNil(t, fb3)

	st1, _, err := ParseFeedback(fb1)
	require.NoError(t, err)
	require.Len(t, st1, 2)
	assert.Equal(t, PacketStatus{SequenceNumber: 1, Received: true}, st1[0])
	assert.True(t, st1[1].Received)

	st2, _, err := ParseFeedback(fb2)
	require.NoError(t, err)
	require.Len(t, st2, 3)
	assert.Equal(t, uint16(3), st2[0].SequenceNumber)
	assert.False(t, st2[0].Received)
	assert.True(t, st2[1].Received)
	assert.True(t, st2[2].Received)

	st3, _, err := ParseFeedback(fb3)
	require.NoError(t, err)
	require.Len(t, st3, 4)
	assert.Equal(t, uint16(3), st3[0].SequenceNumber)
	assert.True(t, st3[0].Received, "seq 3 must be reported received once it finally arrives")
	assert.Equal(t, uint16(4), st3[1].SequenceNumber)
	assert.True(t, st3[1].Received, "seq 4 must be re-reported as received")
	assert.Equal(t, uint16(5), st3[2].SequenceNumber)
	assert.True(t, st3[2].Received, "seq 5 must be re-reported as received")
	assert.Equal(t, uint16(6), st3[3].SequenceNumber)
	assert.True(t, st3[3].Received)

	// Deltas in 250us units from the original arrivals 1200, 1100, 1150, 1250ms.
	assert.Equal(t, int64(0), st3[0].DeltaUnits)
	assert.Equal(t, int64(-400), st3[1].DeltaUnits, "seq 4 keeps its original 1100ms arrival")
	assert.Equal(t, int64(200), st3[2].DeltaUnits, "seq 5 keeps its original 1150ms arrival")
	assert.Equal(t, int64(400), st3[3].DeltaUnits)
}
