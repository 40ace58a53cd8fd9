// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

// Package ice implements the ICE-Lite state machine described in spec
// §4.F: Binding Request authentication, tuple selection and consent
// checks over an arbitrary transport tuple.
package ice

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the ICE connection state (spec §3).
type State int

const (
	StateNew State = iota
	StateConnected
	StateCompleted
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnected:
		return "connected"
	case StateCompleted:
		return "completed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Listener receives non-owning callbacks from Server within the event
// loop tick (spec §9 "Cyclic / back-reference structures"). It must not
// retain the Server beyond its own lifetime.
type Listener interface {
	OnStateChange(s State)
	OnTupleAdded(t TransportTuple)
	OnSelectedTupleChanged(t TransportTuple)
	// OnLocalUfragReleased is called when an old (local-ufrag, password)
	// pair stops being accepted after an ICE restart.
	OnLocalUfragReleased(ufrag string)
}

// Credentials is one (ufrag, password) pair.
type Credentials struct {
	LocalUfrag    string
	LocalPassword string
	RemoteUfrag   string
}

const (
	consentInterval       = 5 * time.Second
	consentJitterFraction = 0.2
	consentResponseWindow = 30 * time.Second
)

// Config configures a Server.
type Config struct {
	Credentials Credentials
	// ConsentTimeout > 0 enables periodic consent freshness checks.
	ConsentTimeout time.Duration
}

// Server implements the spec §4.F ICE state machine for one ICE session.
// It is driven exclusively from the single-threaded event loop (spec §5):
// ProcessStunMessage on socket read completions, and Tick on a timer.
type Server struct {
	cfg      Config
	prevCred *Credentials // accepted until a request authenticates with cfg.Credentials
	log      zerolog.Logger
	listener Listener

	state  State
	tuples *tupleSet

	highestNomination uint32
	nominated         bool

	consentOutstanding map[[4]byte]consentEntry
	lastConsentSentAt  time.Time
}

type consentEntry struct {
	tuple   TransportTuple
	sentAt  time.Time
}

var (
	ErrRoleConflict = errors.New("ice: role conflict")
	ErrBadRequest   = errors.New("ice: bad request")
	ErrUnauthorized = errors.New("ice: unauthorized")
)

// New constructs a Server bound to a single ICE session.
func New(cfg Config, listener Listener) *Server {
	return &Server{
		cfg:                cfg,
		log:                log.With().Str("component", "ice").Logger(),
		listener:           listener,
		state:              StateNew,
		tuples:             newTupleSet(),
		consentOutstanding: make(map[[4]byte]consentEntry),
	}
}

// SetLogger overrides the default logger.
func (s *Server) SetLogger(l zerolog.Logger) { s.log = l }

// State returns the current ICE state.
func (s *Server) State() State { return s.state }

// Restart replaces the credentials, retaining the previous pair so
// in-flight requests using it still authenticate (spec §4.F).
func (s *Server) Restart(newCreds Credentials) {
	prev := s.cfg.Credentials
	s.prevCred = &prev
	s.cfg.Credentials = newCreds
	s.highestNomination = 0
	s.nominated = false
}

// authenticate validates a Binding Request against the current or
// previous credential pair, releasing the previous ufrag once the new
// pair is used (spec §4.F).
func (s *Server) authenticate(msg *Message) error {
	username, ok := msg.Username()
	if !ok {
		return ErrBadRequest
	}

	tryPair := func(c Credentials) bool {
		want := c.LocalUfrag + ":" + c.RemoteUfrag
		if username != want {
			return false
		}
		return msg.VerifyMessageIntegrity(c.LocalPassword)
	}

	if tryPair(s.cfg.Credentials) {
		if s.prevCred != nil {
			released := s.prevCred.LocalUfrag
			s.prevCred = nil
			if s.listener != nil {
				s.listener.OnLocalUfragReleased(released)
			}
		}
		return nil
	}
	if s.prevCred != nil && tryPair(*s.prevCred) {
		return nil
	}
	return ErrUnauthorized
}

// ProcessStunMessage handles one parsed incoming STUN message arriving on
// tuple. It returns the success or error response bytes to send, or nil
// for indications and when no reply is warranted; failures are reported
// only through those responses and never panic or unwind (spec §7).
func (s *Server) ProcessStunMessage(msg *Message, tuple TransportTuple) []byte {
	if msg.Class == ClassIndication {
		return nil
	}
	if msg.Method != MethodBinding || msg.Class != ClassRequest {
		return nil
	}

	if !msg.VerifyFingerprint() {
		s.log.Debug().Msg("ice: dropping request with bad/missing fingerprint")
		return nil
	}

	if err := s.authenticate(msg); err != nil {
		return s.errorResponse(msg, 401, "Unauthorized")
	}

	if msg.HasIceControlled() {
		return s.errorResponse(msg, 487, "Role Conflict")
	}

	if _, ok := msg.Priority(); !ok {
		return s.errorResponse(msg, 400, "Bad Request")
	}

	s.handleValidRequest(msg, tuple)
	return s.successResponse(msg, tuple)
}

func (s *Server) handleValidRequest(msg *Message, tuple TransportTuple) {
	isNew := s.tuples.add(tuple)
	if isNew && s.listener != nil {
		s.listener.OnTupleAdded(tuple)
	}

	nomination, hasNomination := s.nominationValue(msg)
	if hasNomination && nomination > s.highestNomination {
		s.highestNomination = nomination
		s.promote(tuple)
		return
	}

	if s.state == StateNew && !hasNomination {
		s.promote(tuple)
	}
}

// nominationValue returns the effective nomination priority carried by the
// draft-thatcher NOMINATION attribute or, without it, by USE-CANDIDATE,
// which counts as one above the highest nomination seen so far.
func (s *Server) nominationValue(msg *Message) (uint32, bool) {
	if n, ok := msg.Nomination(); ok {
		return n, true
	}
	if msg.HasUseCandidate() {
		v := s.highestNomination + 1
		return v, true
	}
	return 0, false
}

// promote selects tuple and transitions state per the table in spec §4.F.
func (s *Server) promote(tuple TransportTuple) {
	prevSelected, hadSelected := s.tuples.Selected()
	s.tuples.selectTuple(tuple)

	newSelected, _ := s.tuples.Selected()
	if !hadSelected || !prevSelected.Equal(newSelected) {
		if s.listener != nil {
			s.listener.OnSelectedTupleChanged(newSelected)
		}
		s.rearmConsent()
	}

	switch s.state {
	case StateNew, StateDisconnected:
		if s.highestNomination > 0 {
			s.setState(StateCompleted)
		} else {
			s.setState(StateConnected)
		}
	case StateConnected:
		if s.highestNomination > 0 {
			s.setState(StateCompleted)
		}
	case StateCompleted:
		// Stays completed; selected tuple may have changed above.
	}
}

func (s *Server) setState(ns State) {
	if s.state == ns {
		return
	}
	s.state = ns
	if s.listener != nil {
		s.listener.OnStateChange(ns)
	}
}

func (s *Server) successResponse(req *Message, tuple TransportTuple) []byte {
	b := NewBuilder(ClassSuccessResponse, MethodBinding, req.TransactionID)
	b.AddXORMappedAddress(tuple.RemoteAddr)
	return b.Finalize(s.cfg.Credentials.LocalPassword, true)
}

func (s *Server) errorResponse(req *Message, code int, reason string) []byte {
	b := NewBuilder(ClassErrorResponse, MethodBinding, req.TransactionID)
	b.AddErrorCode(code, reason)
	return b.Finalize("", true)
}

// RemoveTuple removes tuple from the tracked set, handling selected-tuple
// loss per spec §4.F (promote successor or go DISCONNECTED).
func (s *Server) RemoveTuple(tuple TransportTuple) {
	wasSelected := s.tuples.remove(tuple)
	if !wasSelected {
		return
	}
	if s.tuples.promoteSuccessor() {
		newSelected, _ := s.tuples.Selected()
		if s.listener != nil {
			s.listener.OnSelectedTupleChanged(newSelected)
		}
		return
	}
	s.consentOutstanding = make(map[[4]byte]consentEntry)
	s.setState(StateDisconnected)
}

// ConsentRequest is a STUN Binding Request the core should send to the
// selected tuple to refresh consent.
type ConsentRequest struct {
	Tuple   TransportTuple
	Payload []byte
}

// rearmConsent is invoked whenever the selected tuple changes, so consent
// freshness checks restart immediately (SPEC_FULL.md, supplemented features)
// instead of waiting out the jittered 5s tick.
func (s *Server) rearmConsent() {
	s.lastConsentSentAt = time.Time{}
}

// Tick drives timer-based behavior: consent freshness checks and
// outstanding-consent timeout. now is the current monotonic wall time.
// It returns a non-nil ConsentRequest when one should be sent.
func (s *Server) Tick(now time.Time) *ConsentRequest {
	if s.cfg.ConsentTimeout <= 0 {
		return nil
	}
	if s.state != StateConnected && s.state != StateCompleted {
		return nil
	}

	for tag, entry := range s.consentOutstanding {
		if now.Sub(entry.sentAt) > consentResponseWindow {
			s.log.Warn().Msg("ice: consent response timed out, dropping all tuples")
			s.tuples.clear()
			s.consentOutstanding = make(map[[4]byte]consentEntry)
			s.setState(StateDisconnected)
			return nil
		}
		_ = tag
	}

	if s.lastConsentSentAt.IsZero() {
		return s.sendConsentRequest(now)
	}
	interval := jitter(consentInterval, consentJitterFraction)
	if now.Sub(s.lastConsentSentAt) < interval {
		return nil
	}
	return s.sendConsentRequest(now)
}

func (s *Server) sendConsentRequest(now time.Time) *ConsentRequest {
	selected, ok := s.tuples.Selected()
	if !ok {
		return nil
	}
	var tag [4]byte
	_, _ = rand.Read(tag[:])

	var txID [transactionIDSize]byte
	_, _ = rand.Read(txID[:])
	copy(txID[8:12], tag[:])

	b := NewBuilder(ClassRequest, MethodBinding, txID)
	payload := b.Finalize(s.cfg.Credentials.LocalPassword, true)

	s.consentOutstanding[tag] = consentEntry{tuple: selected, sentAt: now}
	s.lastConsentSentAt = now
	return &ConsentRequest{Tuple: selected, Payload: payload}
}

// OnConsentResponse matches an incoming success response's transaction-id
// tag against outstanding consent requests.
func (s *Server) OnConsentResponse(msg *Message) {
	if msg.Class != ClassSuccessResponse {
		return
	}
	var tag [4]byte
	copy(tag[:], msg.TransactionID[8:12])
	delete(s.consentOutstanding, tag)
}

func jitter(base time.Duration, fraction float64) time.Duration {
	var b [8]byte
	_, _ = rand.Read(b[:])
	r := float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53) // [0,1)
	delta := (r*2 - 1) * fraction
	d := time.Duration(float64(base) * (1 + delta))
	if d < 0 {
		d = 0
	}
	return d
}
