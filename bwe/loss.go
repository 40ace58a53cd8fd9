// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package bwe

import (
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LossConfig is the fixed set of named parameters from spec §4.J. Only the
// subset that participates in the implemented candidate/Newton/instant-
// upper-bound pipeline is exposed. IsConfigValid range-checks only some of
// these fields (see there).
type LossConfig struct {
	MinBitrateBps               float64
	MaxBitrateBps               float64
	CandidateFactors            []float64
	ObservationDurationLowerMs  float64
	TemporalWeightFactor        float64
	NewtonIterations            int
	InstantUpperBoundLossOffset float64
	InstantUpperBoundBwBalance  float64
	HighLossRateThreshold       float64
	BandwidthCapAtHighLossRate  float64
	InstantLossReduceFactor     float64
}

// DefaultLossConfig returns the spec-documented defaults.
func DefaultLossConfig() LossConfig {
	return LossConfig{
		MinBitrateBps:               20_000,
		MaxBitrateBps:               100_000_000,
		CandidateFactors:            []float64{1.02, 1.0, 0.95},
		ObservationDurationLowerMs:  250,
		TemporalWeightFactor:        0.9,
		NewtonIterations:            1,
		InstantUpperBoundLossOffset: 0.05,
		InstantUpperBoundBwBalance:  75_000,
		HighLossRateThreshold:       0.2,
		BandwidthCapAtHighLossRate:  500_000,
		InstantLossReduceFactor:     0.9,
	}
}

// IsConfigValid rejects the configuration as a whole if any of the bitrate
// bounds, ObservationDurationLowerMs, TemporalWeightFactor,
// NewtonIterations or CandidateFactors is out of range.
// InstantUpperBoundLossOffset, InstantUpperBoundBwBalance,
// HighLossRateThreshold, BandwidthCapAtHighLossRate and
// InstantLossReduceFactor are not checked.
func (c LossConfig) IsConfigValid() bool {
	switch {
	case c.MinBitrateBps <= 0 || c.MaxBitrateBps <= c.MinBitrateBps:
		return false
	case c.ObservationDurationLowerMs <= 0:
		return false
	case c.TemporalWeightFactor <= 0 || c.TemporalWeightFactor > 1:
		return false
	case c.NewtonIterations <= 0:
		return false
	case len(c.CandidateFactors) == 0:
		return false
	default:
		return true
	}
}

// Observation is one accumulated feedback-interval measurement.
type Observation struct {
	NumPackets     int
	NumLostPackets int
	SendingRateBps float64
}

func (o Observation) lossRatio() float64 {
	if o.NumPackets == 0 {
		return 0
	}
	return float64(o.NumLostPackets) / float64(o.NumPackets)
}

// State is the LossBasedBweV2 state machine position (spec §4.J).
type State int

const (
	DelayBasedEstimate State = iota
	Increasing
	Decreasing
)

const maxObservations = 20

// LossBasedBweV2 implements a Newton-iteration MAP loss-based bandwidth
// estimator (spec §4.J), condensed to the candidate/objective/instant-
// upper-bound pipeline the spec calls out explicitly.
type LossBasedBweV2 struct {
	log zerolog.Logger
	cfg LossConfig

	currentEstimateBps float64
	observations       []Observation
	state              State

	partialPackets int
	partialLost    int
	partialBytes   int
	partialSpanMs  float64

	bandwidthLimitInWindow float64
	lastDecreaseBps        float64
}

// NewLossBasedBweV2 constructs an estimator. It panics if cfg is invalid,
// matching the spec's "reject the configuration as a whole" contract at
// construction time rather than silently limping along with bad values.
func NewLossBasedBweV2(cfg LossConfig, startBitrateBps float64) *LossBasedBweV2 {
	if !cfg.IsConfigValid() {
		panic("bwe: invalid LossConfig")
	}
	return &LossBasedBweV2{
		log:                 log.With().Str("component", "bwe.loss").Logger(),
		cfg:                 cfg,
		currentEstimateBps:  startBitrateBps,
		bandwidthLimitInWindow: cfg.MaxBitrateBps,
	}
}

// SetLogger overrides the default logger.
func (l *LossBasedBweV2) SetLogger(z zerolog.Logger) { l.log = z }

// OnFeedback accumulates one partial observation (spec §4.J step 1),
// emitting a new Observation and re-estimating once the elapsed send-time
// span reaches ObservationDurationLowerMs.
func (l *LossBasedBweV2) OnFeedback(numPackets, numLost int, byteSize int, spanMs float64, delayBasedEstimateBps float64, ackedRateBps float64) float64 {
	l.partialPackets += numPackets
	l.partialLost += numLost
	l.partialBytes += byteSize
	l.partialSpanMs += spanMs

	if l.partialSpanMs < l.cfg.ObservationDurationLowerMs {
		return l.currentEstimateBps
	}

	sendingRate := float64(l.partialBytes) * 8 * 1000 / l.partialSpanMs
	obs := Observation{NumPackets: l.partialPackets, NumLostPackets: l.partialLost, SendingRateBps: sendingRate}
	l.observations = append(l.observations, obs)
	if len(l.observations) > maxObservations {
		l.observations = l.observations[1:]
	}
	l.partialPackets, l.partialLost, l.partialBytes, l.partialSpanMs = 0, 0, 0, 0

	return l.reestimate(delayBasedEstimateBps, ackedRateBps)
}

func (l *LossBasedBweV2) reestimate(delayBasedEstimateBps, ackedRateBps float64) float64 {
	candidates := l.candidates(delayBasedEstimateBps, ackedRateBps)

	bestBps := l.currentEstimateBps
	bestObjective := math.Inf(-1)
	for _, cand := range candidates {
		inherentLoss := l.newtonInherentLoss(cand)
		obj := l.objective(cand, inherentLoss)
		if obj > bestObjective {
			bestObjective = obj
			bestBps = cand
		}
	}

	instantUpper := l.instantUpperBound()
	chosen := math.Min(bestBps, instantUpper)
	if delayBasedEstimateBps > 0 {
		chosen = math.Min(chosen, delayBasedEstimateBps)
	}
	chosen = clampBps(chosen, l.cfg.MinBitrateBps, l.cfg.MaxBitrateBps)

	switch {
	case chosen < l.currentEstimateBps:
		l.state = Decreasing
		l.lastDecreaseBps = l.currentEstimateBps
	case chosen > l.currentEstimateBps:
		l.state = Increasing
	default:
		l.state = DelayBasedEstimate
	}
	l.currentEstimateBps = chosen
	return chosen
}

// candidates builds {current.bw x f} plus the delay-based estimate and
// acked-rate-derived candidate (spec §4.J step 2-3).
func (l *LossBasedBweV2) candidates(delayBasedEstimateBps, ackedRateBps float64) []float64 {
	upper := l.candidateUpperBound()
	out := make([]float64, 0, len(l.cfg.CandidateFactors)+2)
	for _, f := range l.cfg.CandidateFactors {
		out = append(out, clampBps(l.currentEstimateBps*f, l.cfg.MinBitrateBps, upper))
	}
	if delayBasedEstimateBps > 0 {
		out = append(out, clampBps(delayBasedEstimateBps, l.cfg.MinBitrateBps, upper))
	}
	if ackedRateBps > 0 {
		out = append(out, clampBps(ackedRateBps*0.8, l.cfg.MinBitrateBps, upper))
	}
	return out
}

func (l *LossBasedBweV2) candidateUpperBound() float64 {
	upper := l.cfg.MaxBitrateBps
	if l.state == Decreasing && l.bandwidthLimitInWindow < upper {
		upper = l.bandwidthLimitInWindow
	}
	return upper
}

// newtonInherentLoss runs NewtonIterations of Newton's method on the
// per-packet Bernoulli loss log-likelihood (spec §4.J step 4), solving for
// the inherent-loss parameter that best explains the observed losses at
// candidate bandwidth bw.
func (l *LossBasedBweV2) newtonInherentLoss(bw float64) float64 {
	inherent := 0.01
	for iter := 0; iter < l.cfg.NewtonIterations; iter++ {
		var grad, hess float64
		for i, obs := range l.observations {
			tw := math.Pow(l.cfg.TemporalWeightFactor, float64(len(l.observations)-1-i))
			p := lossProbability(inherent, bw, obs.SendingRateBps)
			if p <= 0 || p >= 1 {
				continue
			}
			lost := float64(obs.NumLostPackets)
			recv := float64(obs.NumPackets - obs.NumLostPackets)
			grad += tw * (lost/p - recv/(1-p))
			hess += tw * (-lost/(p*p) - recv/((1-p)*(1-p)))
		}
		if hess == 0 {
			break
		}
		inherent -= grad / hess
		inherent = clampBps(inherent, 0, 1)
	}
	return inherent
}

func lossProbability(inherentLoss, bw, sendingRateBps float64) float64 {
	if sendingRateBps <= 0 {
		return inherentLoss
	}
	excess := math.Max(0, 1-bw/sendingRateBps)
	return inherentLoss + (1-inherentLoss)*excess
}

// objective evaluates the weighted log-likelihood plus the bandwidth bias
// term (spec §4.J step 5).
func (l *LossBasedBweV2) objective(bw, inherentLoss float64) float64 {
	var sum float64
	for i, obs := range l.observations {
		tw := math.Pow(l.cfg.TemporalWeightFactor, float64(len(l.observations)-1-i))
		p := lossProbability(inherentLoss, bw, obs.SendingRateBps)
		if p <= 0 || p >= 1 {
			continue
		}
		lost := float64(obs.NumLostPackets)
		recv := float64(obs.NumPackets - obs.NumLostPackets)
		sum += tw * (lost*math.Log(p) + recv*math.Log(1-p))
		sum += tw * bwBias(bw) * float64(obs.NumPackets)
	}
	return sum
}

func bwBias(bw float64) float64 {
	if bw <= 0 {
		return 0
	}
	return 0.0001*bw + 0.01*math.Log(bw)
}

// instantUpperBound implements spec §4.J step 8: when reported loss exceeds
// the configured offset, the current estimate is cut by
// InstantLossReduceFactor on every call (there is no debounce), then
// limited by the balance term, further capped at high loss rates.
func (l *LossBasedBweV2) instantUpperBound() float64 {
	lossRatio := l.averageReportedLossRatio()
	if lossRatio <= l.cfg.InstantUpperBoundLossOffset {
		return l.cfg.MaxBitrateBps
	}
	reduced := l.currentEstimateBps * l.cfg.InstantLossReduceFactor
	instantLimit := l.cfg.InstantUpperBoundBwBalance / (lossRatio - l.cfg.InstantUpperBoundLossOffset)
	limit := math.Min(reduced, instantLimit)

	if lossRatio > l.cfg.HighLossRateThreshold {
		cap := l.cfg.BandwidthCapAtHighLossRate - 1000*lossRatio
		if cap < limit {
			limit = cap
		}
	}
	if limit < l.cfg.MinBitrateBps {
		limit = l.cfg.MinBitrateBps
	}
	return limit
}

func (l *LossBasedBweV2) averageReportedLossRatio() float64 {
	if len(l.observations) == 0 {
		return 0
	}
	var sum float64
	for _, o := range l.observations {
		sum += o.lossRatio()
	}
	return sum / float64(len(l.observations))
}

// Estimate returns the current chosen bandwidth and state.
func (l *LossBasedBweV2) Estimate() (float64, State) { return l.currentEstimateBps, l.state }

func clampBps(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
