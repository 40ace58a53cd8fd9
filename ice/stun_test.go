// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStunBuildParseRoundTrip(t *testing.T) {
	var tx [transactionIDSize]byte
	copy(tx[:], []byte("abcdefghijkl"))

	b := NewBuilder(ClassRequest, MethodBinding, tx)
	b.add(attrUsername, []byte("ufragA:ufragB"))
	b.add(attrPriority, u32(12345))
	raw := b.Finalize("password123", true)

	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, ClassRequest, msg.Class)
	assert.Equal(t, MethodBinding, msg.Method)
	assert.Equal(t, tx, msg.TransactionID)

	user, ok := msg.Username()
	require.True(t, ok)
	assert.Equal(t, "ufragA:ufragB", user)

	prio, ok := msg.Priority()
	require.True(t, ok)
	assert.Equal(t, uint32(12345), prio)

	assert.True(t, msg.VerifyFingerprint())
	assert.True(t, msg.VerifyMessageIntegrity("password123"))
	assert.False(t, msg.VerifyMessageIntegrity("wrongpassword"))
}

func TestStunXORMappedAddressRoundTrip(t *testing.T) {
	var tx [transactionIDSize]byte
	copy(tx[:], []byte("abcdefghijkl"))

	b := NewBuilder(ClassSuccessResponse, MethodBinding, tx)
	b.AddXORMappedAddress(&net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 54321})
	raw := b.Finalize("", false)

	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, ClassSuccessResponse, msg.Class)
	_, ok := msg.attr(attrXORMappedAddress)
	assert.True(t, ok)
}

func u32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
