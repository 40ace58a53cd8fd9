// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package statsexport exposes values that sfu.Worker pushes to it (NACK,
// key-frame, RTX buffer, BWE and ICE state) as Prometheus gauges and
// counters. It is purely additive observability: no
// component's algorithmic decision ever reads from here (spec §5 Clocks —
// wall-clock/stats must not feed back into algorithmic decisions).
package statsexport

import "github.com/prometheus/client_golang/prometheus"

// Exporter owns the registered per-worker gauge/counter vectors. The
// NACK, key-frame and RTX vectors are labeled by ssrc so one worker can
// expose many media flows; the BWE and ICE vectors are labeled by worker.
type Exporter struct {
	nackRequested   prometheus.CounterVec
	nackRecovered   prometheus.CounterVec
	keyFrameRequest prometheus.CounterVec
	rtxBufferLen    prometheus.GaugeVec
	bweDelayBps     prometheus.GaugeVec
	bweLossBps      prometheus.GaugeVec
	iceState        prometheus.GaugeVec
}

// New constructs an Exporter and registers its collectors with reg.
func New(reg prometheus.Registerer) *Exporter {
	e := &Exporter{
		nackRequested: *prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "sfuworker", Subsystem: "nack", Name: "requested_total", Help: "NACK entries emitted"},
			[]string{"ssrc"},
		),
		nackRecovered: *prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "sfuworker", Subsystem: "nack", Name: "recovered_total", Help: "NACK entries recovered via retransmission"},
			[]string{"ssrc"},
		),
		keyFrameRequest: *prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "sfuworker", Subsystem: "keyframe", Name: "requested_total", Help: "Key-frame requests issued"},
			[]string{"ssrc"},
		),
		rtxBufferLen: *prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "sfuworker", Subsystem: "rtx", Name: "buffer_length", Help: "Current retransmission buffer occupancy"},
			[]string{"ssrc"},
		),
		bweDelayBps: *prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "sfuworker", Subsystem: "bwe", Name: "delay_based_bps", Help: "Delay-based bandwidth estimate"},
			[]string{"worker"},
		),
		bweLossBps: *prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "sfuworker", Subsystem: "bwe", Name: "loss_based_bps", Help: "Loss-based bandwidth estimate"},
			[]string{"worker"},
		),
		iceState: *prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "sfuworker", Subsystem: "ice", Name: "state", Help: "ICE connection state (0=new,1=connected,2=completed,3=disconnected)"},
			[]string{"worker"},
		),
	}

	reg.MustRegister(&e.nackRequested, &e.nackRecovered, &e.keyFrameRequest, &e.rtxBufferLen, &e.bweDelayBps, &e.bweLossBps, &e.iceState)
	return e
}

func (e *Exporter) NackRequested(ssrc string)  { e.nackRequested.WithLabelValues(ssrc).Inc() }
func (e *Exporter) NackRecovered(ssrc string)  { e.nackRecovered.WithLabelValues(ssrc).Inc() }
func (e *Exporter) KeyFrameRequested(ssrc string) { e.keyFrameRequest.WithLabelValues(ssrc).Inc() }

func (e *Exporter) RtxBufferLen(ssrc string, n int) {
	e.rtxBufferLen.WithLabelValues(ssrc).Set(float64(n))
}

func (e *Exporter) BweDelayBitrate(worker string, bps float64) {
	e.bweDelayBps.WithLabelValues(worker).Set(bps)
}

func (e *Exporter) BweLossBitrate(worker string, bps float64) {
	e.bweLossBps.WithLabelValues(worker).Set(bps)
}

func (e *Exporter) IceState(worker string, state int) {
	e.iceState.WithLabelValues(worker).Set(float64(state))
}
