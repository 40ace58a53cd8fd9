// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package nack implements gap detection and timed re-request of lost RTP
// packets on ingress (spec §4.D).
package nack

import (
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	maxNackListSize  = 1000
	maxRetries       = 10
	maxAge           = 10_000 // extended-sequence units
	timeFilterMs     = 40
	recoveredListCap = 200
)

// nackInfo tracks one outstanding NACK target, keyed by 32-bit extended
// sequence number.
type nackInfo struct {
	seq32      uint32
	sendAtSeq  bool // immediate SEQ-filter pass is due
	sentAtMs   int64
	retries    int
}

// Config configures a Generator.
type Config struct {
	// RttMs is the current RTT estimate driving the TIME filter cadence.
	RttMs int64
}

// Generator implements the NACK generator described in spec §4.D. It is
// driven by delivering RTP packets (Insert) and by a 40ms periodic tick
// (RunTimeFilter), and it is not safe for concurrent use.
type Generator struct {
	cfg Config
	log zerolog.Logger

	started       bool
	lastSeq       uint32 // extended
	wrapCount     uint32
	lastSeq16     uint16

	nackList      map[uint32]*nackInfo
	keyFrameList  []uint32
	recoveredList []uint32
	recoveredSet  map[uint32]bool

	keyFrameRequired func()
	onRecovered      func(seq16 uint16)
}

// New constructs a Generator.
func New(cfg Config) *Generator {
	if cfg.RttMs <= 0 {
		cfg.RttMs = 100
	}
	return &Generator{
		cfg:          cfg,
		log:          log.With().Str("component", "nack").Logger(),
		nackList:     make(map[uint32]*nackInfo),
		recoveredSet: make(map[uint32]bool),
	}
}

// SetLogger overrides the default logger.
func (g *Generator) SetLogger(l zerolog.Logger) { g.log = l }

// OnKeyFrameRequired registers the callback invoked when the NACK list
// overflows even after pruning: the caller should request a new key frame.
func (g *Generator) OnKeyFrameRequired(fn func()) { g.keyFrameRequired = fn }

// OnRecovered registers the callback invoked every time a seq is recorded
// as delivered via retransmission, for stats reporting.
func (g *Generator) OnRecovered(fn func(seq16 uint16)) { g.onRecovered = fn }

// extend maps a 16-bit sequence number onto the extended (32-bit) sequence
// space by picking the wrap-count candidate closest to lastSeq (handles
// both forward advance and out-of-order delivery across a wrap boundary).
func (g *Generator) extend(seq16 uint16) uint32 {
	if !g.started {
		return uint32(seq16)
	}
	candidate := (g.wrapCount << 16) | uint32(seq16)
	if int32(candidate-g.lastSeq) > (1 << 15) {
		candidate -= 1 << 16
	} else if int32(g.lastSeq-candidate) > (1 << 15) {
		candidate += 1 << 16
	}
	return candidate
}

// markKeyFrame records that the packet with this extended sequence number
// was a key frame, so future NACK-list pruning can drop NACKs preceding it.
func (g *Generator) markKeyFrame(ext uint32) {
	g.keyFrameList = append(g.keyFrameList, ext)
}

// Insert processes one arriving RTP packet's sequence number. isRecovered
// signals that the caller knows this packet arrived via RTX (as opposed to
// plain out-of-order delivery), so it should be recorded in recoveredList
// even when it was never tracked in nackList (e.g. the RTX reply raced the
// first RunSeqFilter/RunTimeFilter pass).
func (g *Generator) Insert(seq16 uint16, isKeyFrame bool, isRecovered bool) {
	ext := g.extend(seq16)

	if !g.started {
		g.started = true
		g.lastSeq = ext
		g.lastSeq16 = seq16
		if isKeyFrame {
			g.markKeyFrame(ext)
		}
		return
	}

	if ext == g.lastSeq {
		return
	}

	if ext < g.lastSeq {
		// Out of order (behind current head).
		if _, found := g.nackList[ext]; found {
			delete(g.nackList, ext)
			g.addRecovered(ext)
			g.log.Debug().Uint32("seq", ext).Msg("nack: recovered via retransmission")
		} else if isRecovered {
			g.addRecovered(ext)
		}
		if isKeyFrame {
			g.markKeyFrame(ext)
		}
		return
	}

	// In-order, possibly with a gap. Seqs already delivered via RTX
	// (recoveredSet) must not be re-added to nackList and re-NACKed.
	if ext > g.lastSeq+1 {
		for s := g.lastSeq + 1; s < ext; s++ {
			if g.recoveredSet[s] {
				continue
			}
			g.nackList[s] = &nackInfo{seq32: s, sendAtSeq: true}
		}
		g.pruneIfNeeded()
	}

	g.wrapCount = ext >> 16
	g.lastSeq = ext
	g.lastSeq16 = seq16

	g.pruneOldEntries()

	if isKeyFrame {
		g.markKeyFrame(ext)
	}
}

// addRecovered records ext as delivered-via-RTX, capping the list (and its
// lookup set) at recoveredListCap entries.
func (g *Generator) addRecovered(ext uint32) {
	if g.recoveredSet[ext] {
		return
	}
	g.recoveredList = append(g.recoveredList, ext)
	g.recoveredSet[ext] = true
	if len(g.recoveredList) > recoveredListCap {
		dropped := g.recoveredList[0]
		g.recoveredList = g.recoveredList[1:]
		delete(g.recoveredSet, dropped)
	}
	if g.onRecovered != nil {
		g.onRecovered(uint16(ext))
	}
}

// pruneIfNeeded enforces the 1000-entry cap: first by dropping NACKs
// preceding the most recent keyframe, then by clearing entirely and
// signaling that a new key frame is required.
func (g *Generator) pruneIfNeeded() {
	if len(g.nackList) <= maxNackListSize {
		return
	}
	if len(g.keyFrameList) > 0 {
		lastKf := g.keyFrameList[len(g.keyFrameList)-1]
		for s := range g.nackList {
			if s < lastKf {
				delete(g.nackList, s)
			}
		}
	}
	if len(g.nackList) <= maxNackListSize {
		return
	}
	g.log.Warn().Int("size", len(g.nackList)).Msg("nack: list still over capacity after pruning, clearing and requesting key frame")
	g.nackList = make(map[uint32]*nackInfo)
	if g.keyFrameRequired != nil {
		g.keyFrameRequired()
	}
}

// pruneOldEntries drops NACK and recovered entries older than maxAge
// extended-sequence units relative to the current head.
func (g *Generator) pruneOldEntries() {
	for s := range g.nackList {
		if g.lastSeq-s > maxAge {
			delete(g.nackList, s)
		}
	}
	kept := g.recoveredList[:0]
	for _, s := range g.recoveredList {
		if g.lastSeq-s <= maxAge {
			kept = append(kept, s)
		} else {
			delete(g.recoveredSet, s)
		}
	}
	g.recoveredList = kept
	keptKf := g.keyFrameList[:0]
	for _, s := range g.keyFrameList {
		if g.lastSeq-s <= maxAge {
			keptKf = append(keptKf, s)
		}
	}
	g.keyFrameList = keptKf
}

// Batch is one outgoing group of 16-bit sequence numbers to NACK.
type Batch struct {
	Seqs []uint16
}

// RunSeqFilter emits every entry whose immediate SEQ-filter pass is due
// (i.e. every entry inserted since the last call), capping retries at 10.
func (g *Generator) RunSeqFilter(nowMs int64) Batch {
	var seqs []uint16
	var toDelete []uint32
	for s, info := range g.nackList {
		if !info.sendAtSeq {
			continue
		}
		info.sendAtSeq = false
		info.sentAtMs = nowMs
		info.retries++
		seqs = append(seqs, uint16(s))
		if info.retries >= maxRetries {
			toDelete = append(toDelete, s)
		}
	}
	for _, s := range toDelete {
		delete(g.nackList, s)
	}
	return Batch{Seqs: sortUint16(seqs)}
}

// RunTimeFilter re-emits every entry not (re-)emitted within rttMs,
// intended to be called every 40ms by the owner's timer loop.
func (g *Generator) RunTimeFilter(nowMs int64) Batch {
	var seqs []uint16
	var toDelete []uint32
	for s, info := range g.nackList {
		if nowMs-info.sentAtMs < g.cfg.RttMs {
			continue
		}
		info.sentAtMs = nowMs
		info.retries++
		seqs = append(seqs, uint16(s))
		if info.retries >= maxRetries {
			toDelete = append(toDelete, s)
		}
	}
	for _, s := range toDelete {
		delete(g.nackList, s)
	}
	return Batch{Seqs: sortUint16(seqs)}
}

// TimeFilterIntervalMs is the fixed periodic cadence for RunTimeFilter.
const TimeFilterIntervalMs = timeFilterMs

func sortUint16(s []uint16) []uint16 {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s
}

// PendingCount returns the number of outstanding NACK targets, for stats.
func (g *Generator) PendingCount() int { return len(g.nackList) }
