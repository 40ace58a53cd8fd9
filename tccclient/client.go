// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package tccclient implements the TCC client orchestrator (spec §4.L):
// it owns a delay-based estimator, a loss-based estimator and a pacer,
// and derives a single TargetTransferRate the downstream transport
// controller can act on.
package tccclient

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emiago/sfuworker/bwe"
	"github.com/emiago/sfuworker/pacer"
)

const (
	availableBitrateEventInterval = 1 * time.Second
	lossHistogramSize             = 24
	bitrateDropThreshold          = 0.25
	bitrateRiseThreshold          = 0.50
)

// TargetTransferRate is the bitrate decision handed to downstream
// consumers and the pacer (spec §4.L).
type TargetTransferRate struct {
	TargetBps float64
	Loss      float64
}

// Constraints bounds TargetTransferRate (spec §4.L).
type Constraints struct {
	MinBps   float64
	MaxBps   float64
	StartBps float64
}

// Client owns the delay-based and loss-based estimators plus a pacer, and
// emits bitrate-changed events per spec §4.L thresholds.
type Client struct {
	log zerolog.Logger

	delay *bwe.DelayBasedBwe
	loss  *bwe.LossBasedBweV2
	pacer *pacer.Sender

	constraints Constraints

	lossHistogram []float64 // most recent first

	lastEmittedBps float64
	haveEmitted    bool
	lastEmitAt     time.Time

	onBitrateChanged func(TargetTransferRate)
}

// New constructs a Client. p may be nil when the caller drives pacing
// separately.
func New(constraints Constraints, p *pacer.Sender) *Client {
	return &Client{
		log:         log.With().Str("component", "tccclient").Logger(),
		delay:       bwe.NewDelayBasedBwe(constraints.StartBps),
		loss:        bwe.NewLossBasedBweV2(bwe.DefaultLossConfig(), constraints.StartBps),
		pacer:       p,
		constraints: constraints,
	}
}

// SetLogger overrides the default logger.
func (c *Client) SetLogger(l zerolog.Logger) { c.log = l }

// OnBitrateChanged registers the callback fired when the emitted bitrate
// moves enough to matter (spec §4.L).
func (c *Client) OnBitrateChanged(cb func(TargetTransferRate)) { c.onBitrateChanged = cb }

// OnPacketArrival feeds one TCC-tracked packet's delay sample into the
// delay-based estimator.
func (c *Client) OnPacketArrival(sendMs, arrivalMs float64, size int, ackedBitrateBps float64, nowMs int64) {
	c.delay.OnPacket(sendMs, arrivalMs, size, ackedBitrateBps, nowMs)
}

// OnFeedbackReport feeds one loss-based observation and records the
// per-report loss ratio into the weighted histogram (spec §4.L "weighted
// histogram of the last 24 feedback reports").
func (c *Client) OnFeedbackReport(numPackets, numLost int, byteSize int, spanMs float64, ackedRateBps float64, nowMs time.Time) TargetTransferRate {
	delayBps := c.delay.Rate()
	lossBps, _ := c.loss.Estimate()
	lossBps = c.loss.OnFeedback(numPackets, numLost, byteSize, spanMs, delayBps, ackedRateBps)

	var ratio float64
	if numPackets > 0 {
		ratio = float64(numLost) / float64(numPackets)
	}
	c.lossHistogram = append([]float64{ratio}, c.lossHistogram...)
	if len(c.lossHistogram) > lossHistogramSize {
		c.lossHistogram = c.lossHistogram[:lossHistogramSize]
	}

	target := delayBps
	if lossBps < target {
		target = lossBps
	}
	target = clamp(target, c.constraints.MinBps, c.constraints.MaxBps)

	if c.pacer != nil {
		c.pacer.SetMediaRateBps(target)
	}

	rate := TargetTransferRate{TargetBps: target, Loss: c.weightedLoss()}
	c.maybeEmit(rate, nowMs)
	return rate
}

// DelayEstimateBps exposes the current delay-based estimate, for stats.
func (c *Client) DelayEstimateBps() float64 { return c.delay.Rate() }

// LossEstimateBps exposes the current loss-based estimate, for stats.
func (c *Client) LossEstimateBps() float64 {
	bps, _ := c.loss.Estimate()
	return bps
}

// weightedLoss computes the recency-biased loss ratio across the
// histogram, weighting the most recent report most heavily.
func (c *Client) weightedLoss() float64 {
	if len(c.lossHistogram) == 0 {
		return 0
	}
	var weightedSum, weightTotal float64
	for i, r := range c.lossHistogram {
		w := 1.0 / float64(i+1)
		weightedSum += w * r
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0
	}
	return weightedSum / weightTotal
}

func (c *Client) maybeEmit(rate TargetTransferRate, now time.Time) {
	if c.onBitrateChanged == nil {
		return
	}
	if !c.haveEmitted {
		c.haveEmitted = true
		c.lastEmittedBps = rate.TargetBps
		c.lastEmitAt = now
		c.onBitrateChanged(rate)
		return
	}
	elapsed := now.Sub(c.lastEmitAt)
	drop := c.lastEmittedBps > 0 && rate.TargetBps < c.lastEmittedBps*(1-bitrateDropThreshold)
	rise := c.lastEmittedBps > 0 && rate.TargetBps > c.lastEmittedBps*(1+bitrateRiseThreshold)
	if elapsed >= availableBitrateEventInterval || drop || rise {
		c.lastEmittedBps = rate.TargetBps
		c.lastEmitAt = now
		c.onBitrateChanged(rate)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
