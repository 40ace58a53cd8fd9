// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package rtxbuffer implements the bounded, time-and-sequence-ordered RTP
// retransmission buffer (spec §4.C) that serves RTX replies for the NACK
// generator.
package rtxbuffer

import (
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Item is one retained RTP packet plus retransmission bookkeeping. Packet
// bodies are reference-counted immutable bytes shared with the consumer
// output path (spec §9 "Shared RTP packet ownership"); Go's GC-backed
// slices give us that for free, so Item just holds the parsed packet.
type Item struct {
	Packet      *rtp.Packet
	SSRC        uint32
	Seq         uint16
	Timestamp   uint32
	ResentAtMs  int64
	SentTimes   int
}

// Config configures a Buffer.
type Config struct {
	MaxItems                 int
	MaxRetransmissionDelayMs int64
	ClockRate                uint32
}

// Buffer is a deque of Items keyed by 16-bit sequence number, bounded both
// by item count and by a timestamp window. Not safe for concurrent use;
// callers serialize access the way the teacher's RTPSession does with its
// own mutex.
type Buffer struct {
	cfg   Config
	log   zerolog.Logger
	items []*Item // items[0] is oldest (front); nil slots are blanks
}

// New constructs a Buffer. A non-positive MaxItems defaults to 1000 and a
// zero ClockRate to 90000.
func New(cfg Config) *Buffer {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 1000
	}
	if cfg.ClockRate == 0 {
		cfg.ClockRate = 90000
	}
	return &Buffer{
		cfg: cfg,
		log: log.With().Str("component", "rtxbuffer").Logger(),
	}
}

// SetLogger overrides the default logger.
func (b *Buffer) SetLogger(l zerolog.Logger) {
	b.log = l
}

func seqDiff(a, b uint16) int32 {
	return int32(int16(a - b))
}

// isSeqLower reports whether a precedes b in modulo-2^16 sequence space.
func isSeqLower(a, b uint16) bool {
	return seqDiff(a, b) < 0
}

func isHigherThanTs(a, b uint32) bool {
	return int32(a-b) > 0
}

func (b *Buffer) front() *Item {
	for _, it := range b.items {
		if it != nil {
			return it
		}
	}
	return nil
}

func (b *Buffer) back() *Item {
	for i := len(b.items) - 1; i >= 0; i-- {
		if b.items[i] != nil {
			return b.items[i]
		}
	}
	return nil
}

func (b *Buffer) tooOld(ts uint32, newestTs uint32) bool {
	if b.cfg.MaxRetransmissionDelayMs <= 0 {
		return false
	}
	if !isHigherThanTs(newestTs, ts) && newestTs != ts {
		return false
	}
	deltaMs := int64(newestTs-ts) * 1000 / int64(b.cfg.ClockRate)
	return deltaMs > b.cfg.MaxRetransmissionDelayMs
}

// clear empties the buffer.
func (b *Buffer) clear() {
	b.items = b.items[:0]
}

// evictTooOld drops items from the front whose timestamp is too old
// relative to effectiveNewestTs.
func (b *Buffer) evictTooOld(effectiveNewestTs uint32) {
	for len(b.items) > 0 {
		f := b.items[0]
		if f == nil {
			b.items = b.items[1:]
			continue
		}
		if !b.tooOld(f.Timestamp, effectiveNewestTs) {
			break
		}
		b.items = b.items[1:]
	}
}

// Insert adds packet to the buffer, implementing the ordering/eviction
// algorithm of spec §4.C.
func (b *Buffer) Insert(pkt *rtp.Packet) {
	seq := pkt.SequenceNumber
	ts := pkt.Timestamp
	newItem := &Item{Packet: pkt, SSRC: pkt.SSRC, Seq: seq, Timestamp: ts}

	if len(b.items) == 0 {
		b.items = append(b.items, newItem)
		return
	}

	newest := b.back()
	oldest := b.front()

	if isSeqLower(seq, newest.Seq) && isHigherThanTs(ts, newest.Timestamp) {
		// Stream restart: a lower sequence carrying a newer timestamp.
		b.log.Debug().Uint16("seq", seq).Msg("rtxbuffer: stream restart detected, clearing")
		b.clear()
		b.items = append(b.items, newItem)
		return
	}

	effectiveNewestTs := newest.Timestamp
	if isHigherThanTs(ts, effectiveNewestTs) {
		effectiveNewestTs = ts
	}
	b.evictTooOld(effectiveNewestTs)
	if len(b.items) == 0 {
		b.items = append(b.items, newItem)
		return
	}
	newest = b.back()
	oldest = b.front()

	switch {
	case isSeqLower(newest.Seq, seq):
		b.insertNewer(newItem, newest)
	case isSeqLower(seq, oldest.Seq):
		b.insertOlder(newItem, oldest)
	default:
		b.insertBetween(newItem)
	}
}

func (b *Buffer) insertNewer(newItem *Item, newest *Item) {
	if !(newItem.Timestamp == newest.Timestamp || isHigherThanTs(newItem.Timestamp, newest.Timestamp)) {
		b.log.Debug().Uint16("seq", newItem.Seq).Msg("rtxbuffer: discarding newer-seq packet with regressed timestamp")
		return
	}

	blanks := int(seqDiff(newItem.Seq, newest.Seq)) - 1
	if blanks < 0 {
		blanks = 0
	}
	total := len(b.items) + blanks + 1
	if total > b.cfg.MaxItems {
		overflow := total - b.cfg.MaxItems
		if overflow >= len(b.items) {
			b.log.Warn().Uint16("seq", newItem.Seq).Msg("rtxbuffer: gap too large for capacity, clearing")
			b.clear()
			b.items = append(b.items, newItem)
			return
		}
		b.items = b.items[overflow:]
		for len(b.items) > 0 && b.items[0] == nil {
			b.items = b.items[1:]
		}
	}

	for i := 0; i < blanks; i++ {
		b.items = append(b.items, nil)
	}
	b.items = append(b.items, newItem)
}

func (b *Buffer) insertOlder(newItem *Item, oldest *Item) {
	if !(newItem.Timestamp == oldest.Timestamp || isHigherThanTs(oldest.Timestamp, newItem.Timestamp)) {
		b.log.Debug().Uint16("seq", newItem.Seq).Msg("rtxbuffer: discarding older-seq packet with advanced timestamp")
		return
	}
	newest := b.back()
	if b.tooOld(newItem.Timestamp, newest.Timestamp) {
		return
	}

	blanks := int(seqDiff(oldest.Seq, newItem.Seq)) - 1
	if blanks < 0 {
		blanks = 0
	}
	if len(b.items)+blanks+1 > b.cfg.MaxItems {
		b.log.Debug().Uint16("seq", newItem.Seq).Msg("rtxbuffer: discarding, would exceed capacity at front")
		return
	}

	front := make([]*Item, 0, blanks+1)
	front = append(front, newItem)
	for i := 0; i < blanks; i++ {
		front = append(front, nil)
	}
	b.items = append(front, b.items...)
}

func (b *Buffer) insertBetween(newItem *Item) {
	oldest := b.front()
	offset := int(seqDiff(newItem.Seq, oldest.Seq))
	if offset < 0 || offset >= len(b.items) {
		return
	}
	if b.items[offset] != nil {
		// Duplicate.
		return
	}

	var prevTs, nextTs *uint32
	for i := offset - 1; i >= 0; i-- {
		if b.items[i] != nil {
			prevTs = &b.items[i].Timestamp
			break
		}
	}
	for i := offset + 1; i < len(b.items); i++ {
		if b.items[i] != nil {
			nextTs = &b.items[i].Timestamp
			break
		}
	}
	if prevTs != nil && isHigherThanTs(*prevTs, newItem.Timestamp) {
		return
	}
	if nextTs != nil && isHigherThanTs(newItem.Timestamp, *nextTs) {
		return
	}
	b.items[offset] = newItem
}

// Get returns the item for seq, if present.
func (b *Buffer) Get(seq uint16) (*Item, bool) {
	oldest := b.front()
	if oldest == nil {
		return nil, false
	}
	offset := int(seqDiff(seq, oldest.Seq))
	if offset < 0 || offset >= len(b.items) {
		return nil, false
	}
	it := b.items[offset]
	return it, it != nil
}

// Len returns the current slot count (including blanks) between the front
// and back items, inclusive.
func (b *Buffer) Len() int {
	return len(b.items)
}

// Present returns the non-blank items in order, for inspection/testing.
func (b *Buffer) Present() []*Item {
	out := make([]*Item, 0, len(b.items))
	for _, it := range b.items {
		if it != nil {
			out = append(out, it)
		}
	}
	return out
}
