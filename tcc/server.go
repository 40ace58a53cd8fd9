// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package tcc implements the transport-wide congestion control feedback
// producer described in spec §4.G: it tracks (wide_seq, arrival_time_ms)
// pairs for one media flow and serializes draft-holmer-rmcat-transport-wide-cc
// RTCP feedback packets, the way ion-sfu's twcc.Responder builds them by
// hand rather than through a generic RTCP attribute struct.
package tcc

import (
	"errors"
	"time"

	"github.com/pion/rtcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var errShortPacket = errors.New("tcc: feedback packet too short")

const (
	// flushInterval is the unconditional flush deadline (spec §4.G).
	flushInterval = 100 * time.Millisecond
	// defaultMTU bounds how large one serialized feedback may grow before
	// the in-progress packet is sent and a fresh one started.
	defaultMTU = 1200

	maxRunLength   = 0x1FFF          // 13 bits
	smallDeltaUnit = int64(250_000) // 250us in ns, matches the wire unit

	// maxSmallDeltaUnits is the largest delta (in 250us ticks) that fits
	// the wire format's unsigned one-byte small-delta symbol (draft-holmer
	// §3.1): 255 * 250us = 63.75ms. Anything outside [0, 255], including
	// every negative delta produced by re-reporting an out-of-order
	// arrival, must use the 16-bit signed large-delta symbol instead.
	maxSmallDeltaUnits = 255
)

type symbol uint8

const (
	symbolNotReceived symbol = 0
	symbolSmallDelta  symbol = 1
	symbolLargeDelta  symbol = 2
)

// Config configures a Server.
type Config struct {
	MTU int
}

// Server accumulates arrivals for a single flow and serializes Transport-CC
// feedback RTCP packets on demand (spec §4.G).
//
// Arrivals are kept in a persistent per-wide-seq store rather than a
// reset-each-window slice: mediasoup's TransportCongestionControlServer
// never discards a received packet until a contiguous run starting at its
// reporting cursor confirms it, so an out-of-order arrival that fills a
// previously reported gap is re-reported, with its original arrival time,
// in the very next feedback (spec §8 scenario 5).
type Server struct {
	cfg Config
	log zerolog.Logger

	mediaSSRC uint32
	fbCount   uint8

	started    bool
	wrapCount  uint32
	lastExtSeq uint32 // highest extended seq recorded so far

	haveBase bool
	base     uint32           // first not-yet-confirmed extended seq
	store    map[uint32]int64 // extended seq -> arrival time in ns, for seqs >= base

	lastFlushAt int64 // ms, monotonic clock per spec §5; -1 while no flush deadline is armed
}

// New constructs a Server. mtu <= 0 selects defaultMTU.
func New(cfg Config) *Server {
	if cfg.MTU <= 0 {
		cfg.MTU = defaultMTU
	}
	return &Server{
		cfg:         cfg,
		log:         log.With().Str("component", "tcc").Logger(),
		store:       make(map[uint32]int64),
		lastFlushAt: -1,
	}
}

// SetLogger overrides the default logger.
func (s *Server) SetLogger(l zerolog.Logger) { s.log = l }

func (s *Server) extend(seq16 uint16) uint32 {
	if !s.started {
		s.started = true
		return uint32(seq16)
	}
	candidate := (s.wrapCount << 16) | uint32(seq16)
	if int32(candidate-s.lastExtSeq) > (1 << 15) {
		candidate -= 1 << 16
	} else if int32(s.lastExtSeq-candidate) > (1 << 15) {
		candidate += 1 << 16
	}
	return candidate
}

// RecordPacket registers the arrival of wide_seq at arrivalMs (spec §4.G).
// It returns a serialized feedback packet if the MTU policy forces an
// immediate flush; otherwise nil. mediaSSRC mirrors the most recently
// received RTP stream's SSRC.
func (s *Server) RecordPacket(wideSeq uint16, arrivalMs int64, mediaSSRC uint32) []byte {
	ext := s.extend(wideSeq)
	if !s.haveBase {
		s.base = ext
		s.lastExtSeq = ext
		s.haveBase = true
	} else if ext > s.lastExtSeq {
		s.lastExtSeq = ext
	}
	s.wrapCount = ext >> 16
	s.mediaSSRC = mediaSSRC

	if ext >= s.base {
		if _, dup := s.store[ext]; !dup {
			s.store[ext] = arrivalMs * int64(time.Millisecond)
		}
	}
	// A seq older than base was already confirmed and flushed away; a late
	// duplicate of it carries nothing new.

	if s.estimatedSize() > s.cfg.MTU {
		return s.flush()
	}
	return nil
}

// Tick drives the unconditional 100ms flush policy. now is the current
// monotonic millisecond clock.
func (s *Server) Tick(nowMs int64) []byte {
	if !s.hasPending() {
		return nil
	}
	if s.lastFlushAt < 0 {
		s.lastFlushAt = nowMs
	}
	if time.Duration(nowMs-s.lastFlushAt)*time.Millisecond < flushInterval {
		return nil
	}
	return s.flush()
}

func (s *Server) hasPending() bool {
	return s.haveBase && s.base <= s.lastExtSeq
}

func (s *Server) estimatedSize() int {
	if !s.hasPending() {
		return 0
	}
	count := s.lastExtSeq - s.base + 1
	// Rough upper bound: header(16) + worst-case 2 bytes/status-chunk-entry
	// (2-bit vector chunks, 7/chunk) + worst-case 2 bytes/delta.
	chunks := (int(count) + 6) / 7
	return 16 + chunks*2 + len(s.store)*2
}

// flush serializes the window [base, lastExtSeq] into one RTCP feedback
// packet, then advances base past the confirmed contiguous run of received
// seqs at the front of that window. Seqs beyond the first gap stay in the
// store and are re-reported, with their original arrival time, in whatever
// later feedback finally closes that gap (spec §8 scenario 5).
func (s *Server) flush() []byte {
	if !s.hasPending() {
		return nil
	}
	pkt := s.build()
	s.advanceBase()
	s.lastFlushAt = -1
	return pkt
}

// advanceBase drops the leading run of seqs in [base, lastExtSeq] that are
// present in the store, stopping at the first unreceived seq. It never runs
// past lastExtSeq, so a seq that hasn't arrived yet is never mistaken for a
// permanent gap.
func (s *Server) advanceBase() {
	for s.base <= s.lastExtSeq {
		if _, ok := s.store[s.base]; !ok {
			return
		}
		delete(s.store, s.base)
		s.base++
	}
}

func (s *Server) build() []byte {
	lo, hi := s.base, s.lastExtSeq
	count := int(hi-lo) + 1

	syms := make([]symbol, count)
	deltas := make([]int64, 0, count)
	var refTimeNs int64
	haveRef := false
	lastArrival := int64(0)

	for i := 0; i < count; i++ {
		arrivalNs, ok := s.store[lo+uint32(i)]
		if !ok {
			syms[i] = symbolNotReceived
			continue
		}
		if !haveRef {
			refTimeNs = arrivalNs
			haveRef = true
			lastArrival = arrivalNs
			deltas = append(deltas, 0)
			syms[i] = symbolSmallDelta
			continue
		}
		d := arrivalNs - lastArrival
		lastArrival = arrivalNs
		units := d / smallDeltaUnit
		if units >= 0 && units <= maxSmallDeltaUnits {
			syms[i] = symbolSmallDelta
		} else {
			syms[i] = symbolLargeDelta
		}
		deltas = append(deltas, units)
	}

	chunks := buildChunks(syms)

	payload := make([]byte, 0, 16+len(chunks)*2)
	payload = append(payload, beU32(0)...)            // sender SSRC, fixed 0
	payload = append(payload, beU32(s.mediaSSRC)...)   // media SSRC
	payload = append(payload, beU16(uint16(lo))...)    // base sequence number
	payload = append(payload, beU16(uint16(count))...) // packet status count

	refTime64ms := uint32((refTimeNs / int64(time.Millisecond)) / 64)
	refWord := (refTime64ms << 8) | uint32(s.fbCount)
	payload = append(payload, beU32(refWord)...)
	s.fbCount++

	for _, c := range chunks {
		payload = append(payload, beU16(c)...)
	}
	// deltas are emitted only for received packets, matching syms order.
	di := 0
	for i := 0; i < count; i++ {
		switch syms[i] {
		case symbolSmallDelta:
			// Unsigned one-byte delta (draft-holmer §3.1): units is
			// already constrained to [0, maxSmallDeltaUnits] above.
			payload = append(payload, byte(deltas[di]))
			di++
		case symbolLargeDelta:
			payload = append(payload, beU16(uint16(int16(deltas[di])))...)
			di++
		}
	}

	bodyLen := len(payload)
	padded := bodyLen
	for padded%4 != 0 {
		padded++
	}
	pad := padded != bodyLen

	hdr := rtcp.Header{
		Padding: pad,
		Length:  uint16(padded / 4),
		Count:   rtcp.FormatTCC,
		Type:    rtcp.TypeTransportSpecificFeedback,
	}
	hb, _ := hdr.Marshal()

	out := make([]byte, 4+padded)
	copy(out, hb)
	copy(out[4:], payload)
	if pad {
		out[len(out)-1] = byte(padded - bodyLen)
	}
	return out
}

// buildChunks packs a per-packet symbol list into RFC-shaped run-length and
// two-bit status-vector chunks.
func buildChunks(syms []symbol) []uint16 {
	var out []uint16
	i := 0
	for i < len(syms) {
		runLen := 1
		for i+runLen < len(syms) && syms[i+runLen] == syms[i] && runLen < maxRunLength {
			runLen++
		}
		if runLen >= 7 {
			out = append(out, runLengthChunk(syms[i], uint16(runLen)))
			i += runLen
			continue
		}
		n := len(syms) - i
		if n > 7 {
			n = 7
		}
		out = append(out, statusVectorChunk(syms[i:i+n]))
		i += n
	}
	return out
}

func runLengthChunk(sym symbol, runLength uint16) uint16 {
	return uint16(sym&0x3)<<13 | (runLength & maxRunLength)
}

func statusVectorChunk(syms []symbol) uint16 {
	var v uint16 = 1<<15 | 1<<14 // T=1 (vector), S=1 (two-bit symbols)
	for i, sy := range syms {
		v |= uint16(sy&0x3) << uint(12-2*i)
	}
	return v
}

func beU16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }
func beU32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
