// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package bwe implements the delay-based (spec §4.I) and loss-based (spec
// §4.J) bandwidth estimators used by the TCC client orchestrator.
package bwe

import (
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	groupLengthMs       = 5.0
	trendlineWindow     = 10
	streamTimeoutMs     = 2000
	overuseTimeThreshMs = 10.0

	// minDecreaseIntervalMs gates Overusing decreases so the controller
	// doesn't keep cutting the rate on every packet while still
	// over-using; libwebrtc's AimdRateControl calls this
	// TimeToReduceFurther.
	minDecreaseIntervalMs = 300
	// additiveIncreaseBpsPerMs is the AIMD additive-increase rate: the
	// longer Normal persists between updates, the larger the step,
	// instead of a fixed per-call increment.
	additiveIncreaseBpsPerMs = 1.0
)

// BandwidthUsage classifies the trendline slope (spec §4.I).
type BandwidthUsage int

const (
	Normal BandwidthUsage = iota
	Underusing
	Overusing
)

// group is one InterArrival measurement bucket.
type group struct {
	firstTimestampMs float64
	timestampMs      float64
	arrivalMs        float64
	size             int
}

// InterArrival groups packets by the caller's send timestamp (ms, used as
// given; no shift or wrap-around handling is applied) and computes
// (timestampDelta, arrivalDelta, sizeDelta) between groups.
type InterArrival struct {
	cur        group
	haveCur    bool
	prevGroup  group
	havePrev   bool
	lastNowMs  int64
}

func newInterArrival() *InterArrival { return &InterArrival{} }

// Compute feeds one packet's (timestampMs, arrivalMs, size) and returns a
// completed group delta whenever the current group closes.
func (ia *InterArrival) Compute(timestampMs, arrivalMs float64, size int, nowMs int64) (tsDelta, arrDelta float64, sizeDelta int, ok bool) {
	ia.lastNowMs = nowMs
	if !ia.haveCur {
		ia.cur = group{firstTimestampMs: timestampMs, timestampMs: timestampMs, arrivalMs: arrivalMs, size: size}
		ia.haveCur = true
		return 0, 0, 0, false
	}
	if timestampMs-ia.cur.firstTimestampMs < groupLengthMs {
		ia.cur.timestampMs = timestampMs
		ia.cur.arrivalMs = arrivalMs
		ia.cur.size += size
		return 0, 0, 0, false
	}

	closed := ia.cur
	ia.cur = group{firstTimestampMs: timestampMs, timestampMs: timestampMs, arrivalMs: arrivalMs, size: size}

	if !ia.havePrev {
		ia.prevGroup = closed
		ia.havePrev = true
		return 0, 0, 0, false
	}

	tsDelta = closed.timestampMs - ia.prevGroup.timestampMs
	arrDelta = closed.arrivalMs - ia.prevGroup.arrivalMs
	sizeDelta = closed.size - ia.prevGroup.size
	ia.prevGroup = closed
	return tsDelta, arrDelta, sizeDelta, true
}

// Reset clears accumulated group state (spec §4.H/§4.I stream timeout).
func (ia *InterArrival) Reset() { *ia = InterArrival{} }

// sample is one point in the trendline regression window.
type sample struct {
	arrivalTimeMs float64
	smoothedDelay float64
}

// TrendlineEstimator performs linear regression of (arrival_time,
// smoothed one-way delay) over a sliding window (spec §4.I).
type TrendlineEstimator struct {
	window           []sample
	accumulatedDelay float64
	smoothed         float64
	haveSmoothed     bool

	threshold    float64
	kUp          float64
	kDown        float64
	lastUpdateMs float64
	haveLast     bool

	usage BandwidthUsage
}

// NewTrendlineEstimator constructs a TrendlineEstimator with libwebrtc's
// documented default gains and starting threshold.
func NewTrendlineEstimator() *TrendlineEstimator {
	return &TrendlineEstimator{
		threshold: 12.5,
		kUp:       0.0087,
		kDown:     0.039,
	}
}

// Update feeds one completed InterArrival group delta.
func (tl *TrendlineEstimator) Update(tsDeltaMs, arrDeltaMs float64, nowMs float64) {
	tl.accumulatedDelay += arrDeltaMs - tsDeltaMs
	delay := tl.accumulatedDelay
	if !tl.haveSmoothed {
		tl.smoothed = delay
		tl.haveSmoothed = true
	} else {
		const alpha = 0.9
		tl.smoothed = alpha*tl.smoothed + (1-alpha)*delay
	}

	tl.window = append(tl.window, sample{arrivalTimeMs: nowMs, smoothedDelay: tl.smoothed})
	if len(tl.window) > trendlineWindow {
		tl.window = tl.window[len(tl.window)-trendlineWindow:]
	}

	slope := tl.linearSlope()
	modifiedTrend := slope * float64(len(tl.window)) * 1.0 // gain, simplified to 1.0

	if !tl.haveLast {
		tl.lastUpdateMs = nowMs
		tl.haveLast = true
	}
	elapsed := nowMs - tl.lastUpdateMs

	switch {
	case modifiedTrend > tl.threshold:
		if tl.usage != Overusing {
			tl.usage = Overusing
		}
		tl.threshold += elapsed * tl.kUp * (math.Abs(modifiedTrend) - tl.threshold)
	case modifiedTrend < -tl.threshold:
		tl.usage = Underusing
		tl.threshold += elapsed * tl.kDown * (math.Abs(modifiedTrend) - tl.threshold)
	default:
		tl.usage = Normal
	}
	if tl.threshold < 6 {
		tl.threshold = 6
	}
	if tl.threshold > 600 {
		tl.threshold = 600
	}
	tl.lastUpdateMs = nowMs
}

func (tl *TrendlineEstimator) linearSlope() float64 {
	n := len(tl.window)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range tl.window {
		sumX += s.arrivalTimeMs
		sumY += s.smoothedDelay
		sumXY += s.arrivalTimeMs * s.smoothedDelay
		sumXX += s.arrivalTimeMs * s.arrivalTimeMs
	}
	denom := float64(n)*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (float64(n)*sumXY - sumX*sumY) / denom
}

// Usage returns the current classification.
func (tl *TrendlineEstimator) Usage() BandwidthUsage { return tl.usage }

// DelayBasedBwe combines InterArrival, TrendlineEstimator and an AIMD rate
// controller to produce a delay-based target bitrate (spec §4.I).
type DelayBasedBwe struct {
	log zerolog.Logger

	ia        *InterArrival
	trend     *TrendlineEstimator
	rateBps   float64
	haveRate  bool

	lastSeenMs      int64
	lastDecreaseMs  int64
	lastIncreaseMs  int64
	haveLastIncrease bool
}

// NewDelayBasedBwe constructs a DelayBasedBwe with a seed estimate.
func NewDelayBasedBwe(startBitrateBps float64) *DelayBasedBwe {
	return &DelayBasedBwe{
		log:     log.With().Str("component", "bwe.delay").Logger(),
		ia:      newInterArrival(),
		trend:   NewTrendlineEstimator(),
		rateBps: startBitrateBps,
	}
}

// SetLogger overrides the default logger.
func (d *DelayBasedBwe) SetLogger(l zerolog.Logger) { d.log = l }

// OnPacket feeds one packet's (send timestamp ms, arrival ms, size), plus
// the currently acked bitrate (0 if unknown), and returns the updated
// delay-based target bitrate.
func (d *DelayBasedBwe) OnPacket(sendMs, arrivalMs float64, size int, ackedBitrateBps float64, nowMs int64) float64 {
	if d.lastSeenMs != 0 && nowMs-d.lastSeenMs > streamTimeoutMs {
		d.ia.Reset()
		d.trend = NewTrendlineEstimator()
		d.lastDecreaseMs = 0
		d.haveLastIncrease = false
	}
	d.lastSeenMs = nowMs

	tsDelta, arrDelta, _, ok := d.ia.Compute(sendMs, arrivalMs, size, nowMs)
	if !ok {
		return d.rateBps
	}
	d.trend.Update(tsDelta, arrDelta, arrivalMs)

	switch d.trend.Usage() {
	case Overusing:
		// TimeToReduceFurther: only cut the rate once per
		// minDecreaseIntervalMs, not on every Overusing packet.
		if ackedBitrateBps > 0 && (d.lastDecreaseMs == 0 || nowMs-d.lastDecreaseMs >= minDecreaseIntervalMs) {
			d.rateBps = math.Min(d.rateBps, ackedBitrateBps*0.85)
			d.lastDecreaseMs = nowMs
		}
		d.haveLastIncrease = false
	case Normal:
		if !d.haveLastIncrease {
			d.lastIncreaseMs = nowMs
			d.haveLastIncrease = true
		}
		elapsed := float64(nowMs - d.lastIncreaseMs)
		if elapsed <= 0 {
			elapsed = groupLengthMs
		}
		d.rateBps += additiveIncreaseBpsPerMs * elapsed
		d.lastIncreaseMs = nowMs
	case Underusing:
		d.haveLastIncrease = false
	}
	return d.rateBps
}

// Rate returns the current delay-based estimate.
func (d *DelayBasedBwe) Rate() float64 { return d.rateBps }
