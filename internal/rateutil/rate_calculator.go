// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package rateutil implements a sliding-window rate calculator and a
// high-watermark trend calculator. No other package in this module
// imports it.
package rateutil

import (
	"github.com/rs/zerolog/log"
)

// bitsPerByteScale converts a byte-sized sample accumulated over a
// millisecond window into a bits-per-second rate.
const bitsPerByteScale = 8000

// RateCalculator is a fixed-window byte/packet rate counter with
// millisecond bucket granularity. It is not safe for concurrent use;
// callers that need that must wrap it (same convention as
// media.RTPReadStats in the teacher SIP stack).
type RateCalculator struct {
	windowSizeMs int64
	buckets      []int64 // one slot per ms in the window
	oldestTimeMs int64
	totalCount   int64
	initialized  bool
}

// NewRateCalculator creates a calculator covering windowSizeMs milliseconds.
func NewRateCalculator(windowSizeMs int64) *RateCalculator {
	if windowSizeMs <= 0 {
		windowSizeMs = 1000
	}
	return &RateCalculator{
		windowSizeMs: windowSizeMs,
		buckets:      make([]int64, windowSizeMs),
	}
}

func (r *RateCalculator) slot(nowMs int64) int {
	return int(((nowMs % r.windowSizeMs) + r.windowSizeMs) % r.windowSizeMs)
}

// Update advances the window to nowMs, expiring buckets at or before
// nowMs-windowSizeMs, then adds size into the current bucket.
func (r *RateCalculator) Update(size int64, nowMs int64) {
	if !r.initialized {
		r.oldestTimeMs = nowMs
		r.initialized = true
	}

	if nowMs < r.oldestTimeMs {
		// Monotonic clock assumption violated; should not happen.
		log.Warn().Int64("now", nowMs).Int64("oldest", r.oldestTimeMs).
			Msg("rateutil: non-monotonic update, discarding")
		return
	}

	gap := nowMs - r.oldestTimeMs
	if gap >= r.windowSizeMs {
		// Entire window has elapsed: reset instead of expiring bucket by bucket.
		for i := range r.buckets {
			r.buckets[i] = 0
		}
		r.totalCount = 0
		r.oldestTimeMs = nowMs
	} else {
		r.expireUntil(nowMs)
	}

	r.buckets[r.slot(nowMs)] += size
	r.totalCount += size
}

// expireUntil clears buckets for every ms at or before
// nowMs-windowSizeMs, advancing oldestTimeMs to match.
func (r *RateCalculator) expireUntil(nowMs int64) {
	newOldest := nowMs - r.windowSizeMs + 1
	if newOldest <= r.oldestTimeMs {
		return
	}
	for t := r.oldestTimeMs; t < newOldest; t++ {
		idx := r.slot(t)
		r.totalCount -= r.buckets[idx]
		r.buckets[idx] = 0
	}
	r.oldestTimeMs = newOldest
}

// Rate returns the bits-per-second rate as of nowMs, first expiring any
// buckets that have aged out since the last Update.
func (r *RateCalculator) Rate(nowMs int64) float64 {
	if !r.initialized {
		return 0
	}
	gap := nowMs - r.oldestTimeMs
	if gap >= r.windowSizeMs {
		return 0
	}
	if gap > 0 {
		r.expireUntil(nowMs)
	}
	return bitsPerByteScale * float64(r.totalCount) / float64(r.windowSizeMs)
}
