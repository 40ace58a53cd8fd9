// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package ice

import "net"

// Protocol identifies the transport protocol of a TransportTuple.
type Protocol int

const (
	ProtoUDP Protocol = iota
	ProtoTCP
)

// TransportTuple is a (local-socket, remote-address) identity, spec §3.
// Equality is by 4-tuple.
type TransportTuple struct {
	LocalAddr  *net.UDPAddr
	RemoteAddr *net.UDPAddr
	Protocol   Protocol
}

// Equal compares two tuples by 4-tuple identity.
func (t TransportTuple) Equal(o TransportTuple) bool {
	return t.Protocol == o.Protocol &&
		udpAddrEqual(t.LocalAddr, o.LocalAddr) &&
		udpAddrEqual(t.RemoteAddr, o.RemoteAddr)
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// maxTuples is the bounded deque capacity from spec §3.
const maxTuples = 8

// tupleSet is a bounded deque of TransportTuple with one designated
// selected member (spec §3 IceTuples).
type tupleSet struct {
	tuples   []TransportTuple
	selected int // index into tuples, or -1
}

func newTupleSet() *tupleSet {
	return &tupleSet{selected: -1}
}

func (s *tupleSet) find(t TransportTuple) int {
	for i, x := range s.tuples {
		if x.Equal(t) {
			return i
		}
	}
	return -1
}

// add stores t if not already present, evicting the oldest non-selected
// tuple when at capacity. Returns true if a new tuple was added.
func (s *tupleSet) add(t TransportTuple) bool {
	if s.find(t) >= 0 {
		return false
	}
	if len(s.tuples) >= maxTuples {
		s.evictOldestNonSelected()
	}
	s.tuples = append(s.tuples, t)
	return true
}

func (s *tupleSet) evictOldestNonSelected() {
	for i := range s.tuples {
		if i != s.selected {
			s.removeAt(i)
			return
		}
	}
}

func (s *tupleSet) removeAt(i int) {
	s.tuples = append(s.tuples[:i], s.tuples[i+1:]...)
	switch {
	case s.selected == i:
		s.selected = -1
	case s.selected > i:
		s.selected--
	}
}

// remove deletes t, if present. Returns true if it was the selected tuple.
func (s *tupleSet) remove(t TransportTuple) bool {
	i := s.find(t)
	if i < 0 {
		return false
	}
	wasSelected := s.selected == i
	s.removeAt(i)
	return wasSelected
}

func (s *tupleSet) selectTuple(t TransportTuple) {
	i := s.find(t)
	if i < 0 {
		if !s.add(t) {
			return
		}
		i = s.find(t)
	}
	s.selected = i
}

func (s *tupleSet) Selected() (TransportTuple, bool) {
	if s.selected < 0 || s.selected >= len(s.tuples) {
		return TransportTuple{}, false
	}
	return s.tuples[s.selected], true
}

// promoteSuccessor picks any remaining tuple as selected after the
// previously selected tuple was removed. Returns false if none remain.
func (s *tupleSet) promoteSuccessor() bool {
	if len(s.tuples) == 0 {
		return false
	}
	s.selected = 0
	return true
}

func (s *tupleSet) clear() {
	s.tuples = nil
	s.selected = -1
}

func (s *tupleSet) Len() int { return len(s.tuples) }
