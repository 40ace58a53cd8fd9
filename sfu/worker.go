// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package sfu wires the media transport core's components into one
// single-threaded worker (spec §4 component N, spec §5 concurrency
// model): transport -> ice -> {tcc, nack, remb} on the receive path, and
// rtxbuffer + pacer (with tccclient setting the pacing rate, and RTX
// replies served from rtxbuffer) on the send path.
package sfu

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emiago/sfuworker/ice"
	"github.com/emiago/sfuworker/keyframe"
	"github.com/emiago/sfuworker/nack"
	"github.com/emiago/sfuworker/pacer"
	"github.com/emiago/sfuworker/remb"
	"github.com/emiago/sfuworker/rtxbuffer"
	"github.com/emiago/sfuworker/statsexport"
	"github.com/emiago/sfuworker/tcc"
	"github.com/emiago/sfuworker/tccclient"
)

// flow is the per-SSRC state a Worker tracks on both the receive and the
// send path.
type flow struct {
	ssrc   uint32
	nack   *nack.Generator
	rtx    *rtxbuffer.Buffer
	lastTs uint32
}

// Worker owns one media session's worth of components: one ICE session,
// one TCC feedback producer, one REMB fallback estimator, one key-frame
// manager, one TCC client orchestrator, one pacer, and one flow per
// inbound/outbound SSRC.
type Worker struct {
	id  string
	log zerolog.Logger

	ice   *ice.Server
	tcc   *tcc.Server
	remb  *remb.Estimator
	kf    *keyframe.Manager
	tccc  *tccclient.Client
	pacer *pacer.Sender
	stats *statsexport.Exporter

	flows map[uint32]*flow

	lastTickMs int64

	sendRTCP func(pkt []byte)
	sendRTP  func(pkt *rtp.Packet)
}

// Option configures a Worker at construction time.
type Option func(w *Worker)

// WithStatsExporter attaches a statsexport.Exporter so the worker's
// components report occupancy/bitrate gauges as they run.
func WithStatsExporter(e *statsexport.Exporter) Option {
	return func(w *Worker) { w.stats = e }
}

// WithRTCPSender registers the callback used to hand serialized RTCP
// packets (TCC feedback, REMB, PLI) to the transport.
func WithRTCPSender(fn func(pkt []byte)) Option {
	return func(w *Worker) { w.sendRTCP = fn }
}

// WithRTPSender registers the callback the pacer uses to release RTP
// packets (media and padding) to the transport.
func WithRTPSender(fn func(pkt *rtp.Packet)) Option {
	return func(w *Worker) { w.sendRTP = fn }
}

// WithPacingBudget sets the pacer's initial media/padding rates.
func WithPacingBudget(mediaBps, paddingBps float64) Option {
	return func(w *Worker) {
		w.pacer.SetMediaRateBps(mediaBps)
		w.pacer.SetPaddingRateBps(paddingBps)
	}
}

// New constructs a Worker for one ICE session, wiring the TCC server,
// REMB fallback estimator, key-frame manager, pacer and TCC client
// orchestrator together (spec §2 dataflow M -> F -> {G, D, H} on ingress,
// C -> K -> L on egress).
func New(id string, iceCfg ice.Config, iceListener ice.Listener, opts ...Option) *Worker {
	w := &Worker{
		id:    id,
		log:   log.With().Str("component", "sfu").Str("worker", id).Logger(),
		ice:   ice.New(iceCfg, iceListener),
		tcc:   tcc.New(tcc.Config{}),
		remb:  remb.New(),
		flows: make(map[uint32]*flow),
	}
	w.kf = keyframe.New(keyframe.Config{}, w.onKeyFrameNeeded)
	w.pacer = pacer.New(pacer.Config{}, nil, w.onPacerEmit)
	// Seed the pacer's media budget from the TCC client's start bitrate so
	// outbound packets can flow before the first feedback report arrives.
	w.pacer.SetMediaRateBps(500_000)
	w.tccc = tccclient.New(tccclient.Constraints{MinBps: 50_000, MaxBps: 10_000_000, StartBps: 500_000}, w.pacer)
	w.tccc.OnBitrateChanged(w.onBitrateChanged)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetLogger overrides the default logger.
func (w *Worker) SetLogger(l zerolog.Logger) { w.log = l }

func (w *Worker) onPacerEmit(pkt *rtp.Packet) {
	if w.sendRTP != nil {
		w.sendRTP(pkt)
	}
}

func (w *Worker) onBitrateChanged(rate tccclient.TargetTransferRate) {
	w.log.Info().Float64("target_bps", rate.TargetBps).Float64("loss", rate.Loss).Msg("sfu: target bitrate changed")
	if w.stats != nil {
		w.stats.BweDelayBitrate(w.id, w.tccc.DelayEstimateBps())
		w.stats.BweLossBitrate(w.id, w.tccc.LossEstimateBps())
	}
}

// onKeyFrameNeeded is the keyframe.Manager listener: it builds and sends a
// PLI RTCP packet for ssrc (spec §6 PLI, PSFB fmt=1).
func (w *Worker) onKeyFrameNeeded(ssrc uint32) {
	if w.stats != nil {
		w.stats.KeyFrameRequested(flowLabel(ssrc))
	}
	if w.sendRTCP == nil {
		return
	}
	pli := &rtcp.PictureLossIndication{SenderSSRC: 0, MediaSSRC: ssrc}
	raw, err := pli.Marshal()
	if err != nil {
		w.log.Warn().Err(err).Uint32("ssrc", ssrc).Msg("sfu: failed to marshal PLI")
		return
	}
	w.log.Debug().Uint32("ssrc", ssrc).Msg("sfu: requesting key frame (PLI)")
	w.sendRTCP(raw)
}

func (w *Worker) flowFor(ssrc uint32) *flow {
	f, ok := w.flows[ssrc]
	if ok {
		return f
	}
	f = &flow{
		ssrc: ssrc,
		nack: nack.New(nack.Config{}),
		rtx:  rtxbuffer.New(rtxbuffer.Config{MaxItems: 1024, MaxRetransmissionDelayMs: 2000, ClockRate: 90000}),
	}
	f.nack.OnKeyFrameRequired(func() { w.kf.ForceKeyFrameNeeded(ssrc) })
	if w.stats != nil {
		label := flowLabel(ssrc)
		f.nack.OnRecovered(func(uint16) { w.stats.NackRecovered(label) })
	}
	w.flows[ssrc] = f
	return f
}

// OnRtpPacket processes one inbound RTP packet: feeds the NACK generator
// for its flow and the TCC server if it carries the transport-wide-cc
// extension. The REMB fallback estimator is fed separately through
// OnAbsSendTime, and the retransmission buffer only holds egress packets
// (EnqueueOutboundRTP).
func (w *Worker) OnRtpPacket(ssrc uint32, seq uint16, ts uint32, isKeyFrame bool, payload []byte, wideSeq uint16, hasWideSeq bool, nowMs int64) {
	f := w.flowFor(ssrc)
	f.nack.Insert(seq, isKeyFrame, false)
	f.lastTs = ts
	if isKeyFrame {
		w.kf.KeyFrameReceived(ssrc)
	}

	if w.stats != nil {
		w.stats.RtxBufferLen(flowLabel(ssrc), f.rtx.Len())
	}

	if hasWideSeq {
		if pkt := w.tcc.RecordPacket(wideSeq, nowMs, ssrc); pkt != nil && w.sendRTCP != nil {
			w.sendRTCP(pkt)
		}
	}
}

// OnAbsSendTime feeds one inbound packet's abs-send-time sample into the
// REMB fallback estimator (spec §4.H). When the estimate changes, a REMB
// RTCP packet naming ssrcs is emitted via WithRTCPSender.
func (w *Worker) OnAbsSendTime(ssrc uint32, sendMs, recvMs float64, size int, nowMs int64, ssrcs []uint32) {
	if !w.remb.OnPacket(ssrc, sendMs, recvMs, size, nowMs) {
		return
	}
	bitrate, ok := w.remb.Estimate()
	if !ok || w.sendRTCP == nil {
		return
	}
	pkt := remb.BuildREMB(bitrate, ssrcs)
	raw, err := pkt.Marshal()
	if err != nil {
		w.log.Warn().Err(err).Msg("sfu: failed to marshal REMB")
		return
	}
	w.sendRTCP(raw)
}

// OnTccFeedback feeds one parsed Transport-CC feedback report (decoded by
// the caller from the peer's RTCP) into the TCC client orchestrator, which
// derives a new target transfer rate and re-paces accordingly (spec §4.L).
func (w *Worker) OnTccFeedback(numPackets, numLost, byteSize int, spanMs float64, ackedRateBps float64, nowMs int64) tccclient.TargetTransferRate {
	return w.tccc.OnFeedbackReport(numPackets, numLost, byteSize, spanMs, ackedRateBps, timeFromMs(nowMs))
}

// EnqueueOutboundRTP hands one egress RTP packet to the retransmission
// buffer (so it can serve a later RTX request) and to the pacer (spec §2
// dataflow: consumer -> C -> K).
func (w *Worker) EnqueueOutboundRTP(pkt *rtp.Packet) {
	f := w.flowFor(pkt.SSRC)
	f.rtx.Insert(pkt)
	w.pacer.Enqueue(pkt)
	if w.stats != nil {
		w.stats.RtxBufferLen(flowLabel(pkt.SSRC), f.rtx.Len())
	}
}

// HandleNackRequest serves an RTX reply for each requested sequence number
// present in ssrc's retransmission buffer, re-pacing the matched packets.
// Sequence numbers not found (already evicted) are silently skipped per
// spec §7 OutOfWindow.
func (w *Worker) HandleNackRequest(ssrc uint32, seqs []uint16) {
	f, ok := w.flows[ssrc]
	if !ok {
		return
	}
	for _, seq := range seqs {
		item, found := f.rtx.Get(seq)
		if !found {
			continue
		}
		item.SentTimes++
		w.pacer.Enqueue(item.Packet)
	}
}

// ProcessPacing drives the pacer's timer-fired process() loop (spec §4.K),
// using the elapsed time since the previous Tick call.
func (w *Worker) ProcessPacing(nowMs int64) {
	deltaMs := float64(25)
	if w.lastTickMs != 0 {
		deltaMs = float64(nowMs - w.lastTickMs)
	}
	w.pacer.Process(deltaMs)
}

// Tick drives the worker's timer-based behavior: the TCC server's
// unconditional flush deadline, NACK's TIME-filter retry pass, and pacer
// processing (spec §5). It does not run ICE consent checks; the ICE
// server's own Tick is reachable through ICE().
func (w *Worker) Tick(nowMs int64) {
	if pkt := w.tcc.Tick(nowMs); pkt != nil && w.sendRTCP != nil {
		w.sendRTCP(pkt)
	}
	for ssrc, f := range w.flows {
		nackBatch := f.nack.RunTimeFilter(nowMs)
		if len(nackBatch.Seqs) > 0 {
			w.log.Debug().Uint32("ssrc", ssrc).Int("count", len(nackBatch.Seqs)).Msg("sfu: nack retry batch")
			if w.stats != nil {
				for range nackBatch.Seqs {
					w.stats.NackRequested(flowLabel(ssrc))
				}
			}
		}
	}
	w.ProcessPacing(nowMs)
	w.lastTickMs = nowMs
	if w.stats != nil {
		w.stats.IceState(w.id, int(w.ice.State()))
	}
}

// ICE exposes the ICE session for transport-level wiring.
func (w *Worker) ICE() *ice.Server { return w.ice }

func timeFromMs(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func flowLabel(ssrc uint32) string {
	buf := make([]byte, 0, 10)
	buf = append(buf, "0x"...)
	for shift := 28; shift >= 0; shift -= 4 {
		nibble := (ssrc >> uint(shift)) & 0xF
		buf = append(buf, hexDigits[nibble])
	}
	return string(buf)
}

const hexDigits = "0123456789abcdef"
