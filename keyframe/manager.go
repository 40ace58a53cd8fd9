// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package keyframe implements throttled PLI/FIR scheduling with
// re-ask-on-timeout semantics (spec §4.E).
package keyframe

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// pendingTimeout is the fixed re-ask timer duration per spec §4.E.
const pendingTimeout = 1 * time.Second

// Timer is the minimal timer abstraction the manager needs (spec §4.M). It
// is declared here rather than reusing transport.Timer, whose Start takes a
// millisecond count instead of a time.Duration.
type Timer interface {
	Start(d time.Duration, repeat bool)
	Stop()
}

// TimerFactory creates a Timer that invokes fn when it fires.
type TimerFactory func(fn func()) Timer

type pendingKeyFrameInfo struct {
	timer         Timer
	retryOnTimeout bool
}

type delayer struct {
	timer   Timer
	pending bool
}

// Config configures a Manager.
type Config struct {
	// Delay, if > 0, throttles repeated key_frame_needed calls per SSRC.
	Delay time.Duration
	// RetryOnTimeout re-invokes the listener once more if no key frame
	// arrived before the pending timer expires.
	RetryOnTimeout bool
	NewTimer       TimerFactory
}

// Manager implements the per-SSRC key-frame request throttling described
// in spec §4.E. Not safe for concurrent use.
type Manager struct {
	cfg      Config
	log      zerolog.Logger
	listener func(ssrc uint32)

	pending  map[uint32]*pendingKeyFrameInfo
	delayers map[uint32]*delayer
}

// New constructs a Manager. listener is invoked (synchronously, from
// within the event loop tick per §5) whenever a key frame should be
// requested from the upstream sender.
func New(cfg Config, listener func(ssrc uint32)) *Manager {
	return &Manager{
		cfg:      cfg,
		log:      log.With().Str("component", "keyframe").Logger(),
		listener: listener,
		pending:  make(map[uint32]*pendingKeyFrameInfo),
		delayers: make(map[uint32]*delayer),
	}
}

// SetLogger overrides the default logger.
func (m *Manager) SetLogger(l zerolog.Logger) { m.log = l }

// KeyFrameNeeded requests a key frame for ssrc, subject to delay
// throttling and pending-retry de-duplication.
func (m *Manager) KeyFrameNeeded(ssrc uint32) {
	if d, ok := m.delayers[ssrc]; ok {
		d.pending = true
		return
	}
	if m.cfg.Delay > 0 && m.cfg.NewTimer != nil {
		d := &delayer{}
		d.timer = m.cfg.NewTimer(func() { m.onDelayerTimeout(ssrc) })
		d.timer.Start(m.cfg.Delay, false)
		m.delayers[ssrc] = d
	}
	m.request(ssrc)
}

func (m *Manager) request(ssrc uint32) {
	if info, ok := m.pending[ssrc]; ok {
		// Already pending: don't restart the timer, just make sure it
		// retries once more if it times out before a key frame arrives.
		info.retryOnTimeout = true
		return
	}
	info := &pendingKeyFrameInfo{retryOnTimeout: m.cfg.RetryOnTimeout}
	m.pending[ssrc] = info
	m.armPending(ssrc, info)
	if m.listener != nil {
		m.listener(ssrc)
	}
}

func (m *Manager) armPending(ssrc uint32, info *pendingKeyFrameInfo) {
	if m.cfg.NewTimer == nil {
		return
	}
	info.timer = m.cfg.NewTimer(func() { m.onPendingTimeout(ssrc) })
	info.timer.Start(pendingTimeout, false)
}

// ForceKeyFrameNeeded resets any delayer and unconditionally restarts the
// pending-info timer, invoking the listener immediately.
func (m *Manager) ForceKeyFrameNeeded(ssrc uint32) {
	if d, ok := m.delayers[ssrc]; ok {
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(m.delayers, ssrc)
	}
	if info, ok := m.pending[ssrc]; ok {
		if info.timer != nil {
			info.timer.Stop()
		}
	}
	info := &pendingKeyFrameInfo{retryOnTimeout: m.cfg.RetryOnTimeout}
	m.pending[ssrc] = info
	m.armPending(ssrc, info)
	if m.listener != nil {
		m.listener(ssrc)
	}
}

// KeyFrameReceived drops the pending info for ssrc: the key frame arrived.
func (m *Manager) KeyFrameReceived(ssrc uint32) {
	if info, ok := m.pending[ssrc]; ok {
		if info.timer != nil {
			info.timer.Stop()
		}
		delete(m.pending, ssrc)
	}
}

func (m *Manager) onPendingTimeout(ssrc uint32) {
	info, ok := m.pending[ssrc]
	if !ok {
		return
	}
	if info.retryOnTimeout {
		m.log.Debug().Uint32("ssrc", ssrc).Msg("keyframe: pending timed out, re-asking once (best-effort, assuming PLI/FIR was lost)")
		info.retryOnTimeout = false
		m.armPending(ssrc, info)
		if m.listener != nil {
			m.listener(ssrc)
		}
		return
	}
	delete(m.pending, ssrc)
}

func (m *Manager) onDelayerTimeout(ssrc uint32) {
	d, ok := m.delayers[ssrc]
	if !ok {
		return
	}
	delete(m.delayers, ssrc)
	if d.pending {
		m.KeyFrameNeeded(ssrc)
	}
}
