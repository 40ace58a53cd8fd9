// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package sfu

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emiago/sfuworker/ice"
)

type nopListener struct{}

func (nopListener) OnStateChange(s ice.State)                  {}
func (nopListener) OnTupleAdded(t ice.TransportTuple)           {}
func (nopListener) OnSelectedTupleChanged(t ice.TransportTuple) {}
func (nopListener) OnLocalUfragReleased(u string)               {}

func TestWorkerTracksFlowsPerSSRC(t *testing.T) {
	var rtcpSent [][]byte
	w := New("w1", ice.Config{Credentials: ice.Credentials{LocalUfrag: "a", LocalPassword: "p", RemoteUfrag: "b"}}, nopListener{},
		WithRTCPSender(func(pkt []byte) { rtcpSent = append(rtcpSent, pkt) }))

	w.OnRtpPacket(0xAAAA, 100, 3000, false, nil, 1, true, 1000)
	w.OnRtpPacket(0xAAAA, 101, 3000, false, nil, 2, true, 1050)

	require.Contains(t, w.flows, uint32(0xAAAA))
	assert.Equal(t, uint32(0xAAAA), w.flows[0xAAAA].ssrc)
}

func TestWorkerFlushesTccFeedbackOnTick(t *testing.T) {
	var rtcpSent [][]byte
	w := New("w1", ice.Config{Credentials: ice.Credentials{LocalUfrag: "a", LocalPassword: "p", RemoteUfrag: "b"}}, nopListener{},
		WithRTCPSender(func(pkt []byte) { rtcpSent = append(rtcpSent, pkt) }))

	w.OnRtpPacket(0xAAAA, 100, 3000, false, nil, 1, true, 1000)
	w.Tick(1000)
	w.Tick(1100)

	assert.NotEmpty(t, rtcpSent, "the 100ms unconditional flush must emit a TCC feedback packet")
}

func TestWorkerServesRtxFromRetransmissionBuffer(t *testing.T) {
	var rtpSent []*rtp.Packet
	w := New("w1", ice.Config{Credentials: ice.Credentials{LocalUfrag: "a", LocalPassword: "p", RemoteUfrag: "b"}}, nopListener{},
		WithRTPSender(func(pkt *rtp.Packet) { rtpSent = append(rtpSent, pkt) }))

	pkt := &rtp.Packet{Header: rtp.Header{SSRC: 0xBEEF, SequenceNumber: 10, Timestamp: 1000}, Payload: []byte{1, 2, 3}}
	w.EnqueueOutboundRTP(pkt)
	w.ProcessPacing(1000)

	w.HandleNackRequest(0xBEEF, []uint16{10})
	w.ProcessPacing(1025)

	require.NotEmpty(t, rtpSent)
	assert.Equal(t, uint16(10), rtpSent[0].SequenceNumber)
}

func TestWorkerRequestsKeyFrameOnNackOverflow(t *testing.T) {
	var rtcpSent [][]byte
	w := New("w1", ice.Config{Credentials: ice.Credentials{LocalUfrag: "a", LocalPassword: "p", RemoteUfrag: "b"}}, nopListener{},
		WithRTCPSender(func(pkt []byte) { rtcpSent = append(rtcpSent, pkt) }))

	f := w.flowFor(0xAAAA)
	f.nack.Insert(0, false, false)
	f.nack.Insert(30000, false, false) // huge gap, forces overflow pruning + key-frame request

	require.NotEmpty(t, rtcpSent, "a forced key frame request must emit a PLI packet")
}
