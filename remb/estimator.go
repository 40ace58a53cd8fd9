// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package remb implements the abs-send-time probe-cluster receive
// estimator described in spec §4.H, feeding an AIMD rate control whose
// output is serialized as a REMB RTCP packet (spec §4.G optional fallback).
package remb

import (
	"github.com/pion/rtcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	probeWindowMs    = 2000
	streamTimeoutMs  = 2000
	minProbeBytes    = 200
	maxRetainedProbe = 15
	clusterBandMs    = 2.5
	minClusterSize   = 4
	// minDeltaMs is the recv-minus-send delta threshold a consecutive
	// probe pair must exceed to count toward a cluster's
	// numAboveMinDelta admission criterion (spec §4.H).
	minDeltaMs = 0
)

// probe is one admitted packet larger than minProbeBytes.
type probe struct {
	sendMs, recvMs float64
	size           int
}

type streamState struct {
	lastSeenMs int64
}

// Estimator implements the probe-clustering receive-side bandwidth
// estimate (spec §4.H).
type Estimator struct {
	log zerolog.Logger

	firstProbeMs int64
	haveFirst    bool
	probes       []probe
	streams      map[uint32]*streamState

	// AIMD state feeding the REMB output.
	estimateBps float64
	haveEstimate bool
}

// New constructs an Estimator with an unset estimate.
func New() *Estimator {
	return &Estimator{
		log:     log.With().Str("component", "remb").Logger(),
		streams: make(map[uint32]*streamState),
	}
}

// SetLogger overrides the default logger.
func (e *Estimator) SetLogger(l zerolog.Logger) { e.log = l }

// OnPacket records one incoming RTP packet's abs-send-time (in ms, already
// unwrapped by the caller) and arrival time (ms), for a given ssrc/size.
// While no valid estimate exists, or within the probe window after the
// first probe, it runs clustering and returns true if the estimate
// changed; otherwise it only records the probe and returns false.
func (e *Estimator) OnPacket(ssrc uint32, sendMs, recvMs float64, size int, nowMs int64) bool {
	st, ok := e.streams[ssrc]
	if !ok {
		st = &streamState{}
		e.streams[ssrc] = st
	}
	st.lastSeenMs = nowMs
	e.evictTimedOutStreams(nowMs)

	if size <= minProbeBytes {
		return false
	}
	if !e.haveFirst {
		e.firstProbeMs = nowMs
		e.haveFirst = true
	}

	e.probes = append(e.probes, probe{sendMs: sendMs, recvMs: recvMs, size: size})
	if len(e.probes) > maxRetainedProbe {
		e.probes = e.probes[1:]
	}

	if e.haveEstimate && nowMs-e.firstProbeMs >= probeWindowMs {
		return false
	}
	return e.runClustering()
}

func (e *Estimator) evictTimedOutStreams(nowMs int64) {
	for ssrc, st := range e.streams {
		if nowMs-st.lastSeenMs > streamTimeoutMs {
			delete(e.streams, ssrc)
		}
	}
	if len(e.streams) == 0 {
		e.probes = nil
		e.haveFirst = false
		e.haveEstimate = false
	}
}

type cluster struct {
	probes           []probe
	numAboveMinDelta int
}

func (c *cluster) sendBitrate() float64 { return bitrateOf(c.probes, func(p probe) float64 { return p.sendMs }) }
func (c *cluster) recvBitrate() float64 { return bitrateOf(c.probes, func(p probe) float64 { return p.recvMs }) }

func bitrateOf(probes []probe, ts func(probe) float64) float64 {
	if len(probes) < 2 {
		return 0
	}
	span := ts(probes[len(probes)-1]) - ts(probes[0])
	if span <= 0 {
		return 0
	}
	bytes := 0
	for _, p := range probes[1:] {
		bytes += p.size
	}
	return float64(bytes) * 8 * 1000 / span
}

// runClustering groups retained probes by similar inter-probe send-delta,
// picks the best admissible cluster and updates the AIMD estimate (spec
// §4.H). A cluster is a contiguous run of probes whose consecutive
// send-deltas stay within a 2.5ms band of the cluster's mean send-delta.
func (e *Estimator) runClustering() bool {
	if len(e.probes) < 2 {
		return false
	}
	var clusters []*cluster
	cur := &cluster{probes: []probe{e.probes[0]}}
	deltaSum, deltaCount := 0.0, 0
	for i := 1; i < len(e.probes); i++ {
		sendDelta := e.probes[i].sendMs - e.probes[i-1].sendMs
		recvDelta := e.probes[i].recvMs - e.probes[i-1].recvMs
		mean := sendDelta
		if deltaCount > 0 {
			mean = deltaSum / float64(deltaCount)
		}
		if deltaCount > 0 && abs(sendDelta-mean) > clusterBandMs {
			clusters = append(clusters, cur)
			cur = &cluster{probes: []probe{e.probes[i]}}
			deltaSum, deltaCount = 0, 0
			continue
		}
		cur.probes = append(cur.probes, e.probes[i])
		if recvDelta-sendDelta > minDeltaMs {
			cur.numAboveMinDelta++
		}
		deltaSum += sendDelta
		deltaCount++
	}
	clusters = append(clusters, cur)

	var best *cluster
	var bestBitrate float64
	for _, c := range clusters {
		if len(c.probes) < minClusterSize {
			continue
		}
		if c.numAboveMinDelta*2 <= len(c.probes) {
			continue
		}
		sendBr := c.sendBitrate()
		recvBr := c.recvBitrate()
		if sendBr <= 0 || recvBr <= 0 {
			continue
		}
		deltaMs := meanRecvMinusSendMs(c)
		if deltaMs < -5 || deltaMs > 2 {
			continue
		}
		cand := sendBr
		if recvBr < cand {
			cand = recvBr
		}
		if cand > bestBitrate {
			bestBitrate = cand
			best = c
		}
	}
	if best == nil {
		return false
	}
	return e.updateAimd(bestBitrate)
}

func clusterMeanSendMs(c *cluster) float64 {
	if len(c.probes) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range c.probes {
		sum += p.sendMs
	}
	return sum / float64(len(c.probes))
}

func meanRecvMinusSendMs(c *cluster) float64 {
	return clusterMeanRecvMs(c) - clusterMeanSendMs(c)
}

func clusterMeanRecvMs(c *cluster) float64 {
	if len(c.probes) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range c.probes {
		sum += p.recvMs
	}
	return sum / float64(len(c.probes))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// updateAimd applies a simple additive-increase/multiplicative-decrease
// step toward the cluster's observed bitrate.
func (e *Estimator) updateAimd(observed float64) bool {
	prev := e.estimateBps
	if !e.haveEstimate {
		e.estimateBps = observed
		e.haveEstimate = true
		return true
	}
	if observed < e.estimateBps {
		e.estimateBps = observed * 0.85
	} else {
		e.estimateBps += 1000
		if e.estimateBps > observed {
			e.estimateBps = observed
		}
	}
	return e.estimateBps != prev
}

// Estimate returns the current bitrate estimate, if any.
func (e *Estimator) Estimate() (float64, bool) { return e.estimateBps, e.haveEstimate }

// BuildREMB serializes the current estimate as a REMB RTCP packet for the
// given SSRC list (spec §6: PSFB fmt=15, AFB, identifier REMB).
func BuildREMB(bitrate float64, ssrcs []uint32) *rtcp.ReceiverEstimatedMaximumBitrate {
	return &rtcp.ReceiverEstimatedMaximumBitrate{
		Bitrate: float32(bitrate),
		SSRCs:   append([]uint32(nil), ssrcs...),
	}
}
