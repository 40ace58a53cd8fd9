// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package tcc

import "encoding/binary"

// PacketStatus is one decoded entry from a Transport-CC feedback packet.
type PacketStatus struct {
	SequenceNumber uint16
	Received       bool
	// DeltaUnits is the arrival delta since the previous received packet,
	// in 250us units. Zero for the first received packet in the feedback
	// and for packets that were not received.
	DeltaUnits int64
}

// ParseFeedback decodes a Transport-CC RTPFB packet previously produced by
// Server.build, returning the per-packet status list (numbered from the
// packet's base sequence number) and the media SSRC. It supports the
// run-length and two-bit status-vector chunk forms.
func ParseFeedback(raw []byte) ([]PacketStatus, uint32, error) {
	if len(raw) < 20 {
		return nil, 0, errShortPacket
	}
	body := raw[4:]
	mediaSSRC := binary.BigEndian.Uint32(body[4:8])
	baseSeq := binary.BigEndian.Uint16(body[8:10])
	count := int(binary.BigEndian.Uint16(body[10:12]))

	off := 16
	syms := make([]symbol, 0, count)
	for len(syms) < count {
		if off+2 > len(body) {
			return nil, 0, errShortPacket
		}
		chunk := binary.BigEndian.Uint16(body[off : off+2])
		off += 2
		if chunk&0x8000 == 0 {
			sym := symbol((chunk >> 13) & 0x3)
			runLength := int(chunk & maxRunLength)
			for i := 0; i < runLength && len(syms) < count; i++ {
				syms = append(syms, sym)
			}
			continue
		}
		// Status vector chunk; this encoder always uses two-bit symbols.
		for i := 0; i < 7 && len(syms) < count; i++ {
			sym := symbol((chunk >> uint(12-2*i)) & 0x3)
			syms = append(syms, sym)
		}
	}

	out := make([]PacketStatus, count)
	for i := 0; i < count; i++ {
		out[i] = PacketStatus{SequenceNumber: baseSeq + uint16(i)}
		switch syms[i] {
		case symbolSmallDelta:
			if off >= len(body) {
				return nil, 0, errShortPacket
			}
			out[i].Received = true
			// Unsigned one-byte delta (draft-holmer §3.1): must not be
			// read as a signed int8, or a delta sitting above 127 units
			// (but still <= 255, i.e. <= 63.75ms) would come out negative.
			out[i].DeltaUnits = int64(body[off])
			off++
		case symbolLargeDelta:
			if off+2 > len(body) {
				return nil, 0, errShortPacket
			}
			out[i].Received = true
			out[i].DeltaUnits = int64(int16(binary.BigEndian.Uint16(body[off : off+2])))
			off += 2
		}
	}
	return out, mediaSSRC, nil
}
