// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package ice

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeListener struct {
	states       []State
	tuplesAdded  []TransportTuple
	selected     []TransportTuple
	released     []string
}

func (f *fakeListener) OnStateChange(s State)                  { f.states = append(f.states, s) }
func (f *fakeListener) OnTupleAdded(t TransportTuple)           { f.tuplesAdded = append(f.tuplesAdded, t) }
func (f *fakeListener) OnSelectedTupleChanged(t TransportTuple) { f.selected = append(f.selected, t) }
func (f *fakeListener) OnLocalUfragReleased(u string)           { f.released = append(f.released, u) }

func newCreds() Credentials {
	return Credentials{LocalUfrag: "localu", LocalPassword: "localpass", RemoteUfrag: "remoteu"}
}

func bindingRequest(creds Credentials, useCandidate bool) *Message {
	var tx [transactionIDSize]byte
	copy(tx[:], []byte("txidtxidtxid"))
	b := NewBuilder(ClassRequest, MethodBinding, tx)
	b.add(attrUsername, []byte(creds.LocalUfrag+":"+creds.RemoteUfrag))
	b.add(attrPriority, u32(100))
	if useCandidate {
		b.add(attrUseCandidate, nil)
	}
	raw := b.Finalize(creds.LocalPassword, true)
	msg, err := ParseMessage(raw)
	if err != nil {
		panic(err)
	}
	return msg
}

func tupleFor(port int) TransportTuple {
	return TransportTuple{
		LocalAddr:  &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9000},
		RemoteAddr: &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: port},
		Protocol:   ProtoUDP,
	}
}

func TestIceServerNewToConnected(t *testing.T) {
	creds := newCreds()
	fl := &fakeListener{}
	s := New(Config{Credentials: creds}, fl)

	req := bindingRequest(creds, false)
	resp := s.ProcessStunMessage(req, tupleFor(1))

	require.NotNil(t, resp)
	assert.Equal(t, StateConnected, s.State())
	assert.Len(t, fl.tuplesAdded, 1)
	assert.Contains(t, fl.states, StateConnected)
}

func TestIceServerNewToCompletedWithUseCandidate(t *testing.T) {
	creds := newCreds()
	fl := &fakeListener{}
	s := New(Config{Credentials: creds}, fl)

	req := bindingRequest(creds, true)
	s.ProcessStunMessage(req, tupleFor(1))

	assert.Equal(t, StateCompleted, s.State())
}

func TestIceServerIdempotence(t *testing.T) {
	creds := newCreds()
	fl := &fakeListener{}
	s := New(Config{Credentials: creds}, fl)

	req := bindingRequest(creds, true)
	s.ProcessStunMessage(req, tupleFor(1))
	stateAfterFirst := s.State()
	tuplesAfterFirst := s.tuples.Len()

	s.ProcessStunMessage(req, tupleFor(1))
	assert.Equal(t, stateAfterFirst, s.State())
	assert.Equal(t, tuplesAfterFirst, s.tuples.Len())
}

func TestIceServerRoleConflict(t *testing.T) {
	creds := newCreds()
	s := New(Config{Credentials: creds}, &fakeListener{})

	var tx [transactionIDSize]byte
	copy(tx[:], []byte("txidtxidtxid"))
	b := NewBuilder(ClassRequest, MethodBinding, tx)
	b.add(attrUsername, []byte(creds.LocalUfrag+":"+creds.RemoteUfrag))
	b.add(attrPriority, u32(100))
	b.add(attrIceControlled, nil)
	raw := b.Finalize(creds.LocalPassword, true)
	msg, err := ParseMessage(raw)
	require.NoError(t, err)

	resp := s.ProcessStunMessage(msg, tupleFor(1))
	respMsg, err := ParseMessage(resp)
	require.NoError(t, err)
	assert.Equal(t, ClassErrorResponse, respMsg.Class)
}

func TestIceServerUnauthorizedDoesNotAddTuple(t *testing.T) {
	creds := newCreds()
	s := New(Config{Credentials: creds}, &fakeListener{})

	badCreds := creds
	badCreds.LocalPassword = "wrong"
	req := bindingRequest(badCreds, false)

	s.ProcessStunMessage(req, tupleFor(1))
	assert.Equal(t, 0, s.tuples.Len())
	assert.Equal(t, StateNew, s.State())
}

func TestIceServerRemoveSelectedTupleDisconnects(t *testing.T) {
	creds := newCreds()
	s := New(Config{Credentials: creds}, &fakeListener{})
	req := bindingRequest(creds, true)
	s.ProcessStunMessage(req, tupleFor(1))
	require.Equal(t, StateCompleted, s.State())

	s.RemoveTuple(tupleFor(1))
	assert.Equal(t, StateDisconnected, s.State())
}

func TestIceServerConsentTickSendsImmediatelyAfterSelection(t *testing.T) {
	creds := newCreds()
	s := New(Config{Credentials: creds, ConsentTimeout: 30 * time.Second}, &fakeListener{})
	req := bindingRequest(creds, true)
	s.ProcessStunMessage(req, tupleFor(1))

	now := time.Now()
	cr := s.Tick(now)
	require.NotNil(t, cr, "consent re-armed immediately after selected tuple change")
	assert.True(t, cr.Tuple.Equal(tupleFor(1)))
}
