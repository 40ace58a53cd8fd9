// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net"
)

// STUN wire constants (RFC 5389 §6, spec §6).
const (
	magicCookie       uint32 = 0x2112A442
	fingerprintXOR    uint32 = 0x5354554E
	headerSize               = 20
	transactionIDSize        = 12
)

// MessageClass is the STUN message class (RFC 5389 §6).
type MessageClass uint16

const (
	ClassRequest         MessageClass = 0x000
	ClassIndication      MessageClass = 0x010
	ClassSuccessResponse MessageClass = 0x100
	ClassErrorResponse   MessageClass = 0x110
)

// MethodBinding is the only STUN method the core requires (spec §4.F).
const MethodBinding uint16 = 0x001

// Attribute types used by ICE (RFC 5389, RFC 8445, draft-thatcher
// ice-nomination).
const (
	attrMappedAddress    uint16 = 0x0001
	attrUsername         uint16 = 0x0006
	attrMessageIntegrity uint16 = 0x0008
	attrErrorCode        uint16 = 0x0009
	attrUnknownAttrs     uint16 = 0x000A
	attrXORMappedAddress uint16 = 0x0020
	attrPriority         uint16 = 0x0024
	attrUseCandidate     uint16 = 0x0025
	attrFingerprint      uint16 = 0x8028
	attrIceControlled    uint16 = 0x8029
	attrIceControlling   uint16 = 0x802A
	attrNomination       uint16 = 0xC001 // draft-thatcher
)

var (
	errTooShort      = errors.New("ice: stun message too short")
	errBadCookie     = errors.New("ice: stun message missing magic cookie")
	errBadAttrLayout = errors.New("ice: stun attribute layout invalid")
)

// rawAttr is one parsed STUN attribute, value already de-padded.
type rawAttr struct {
	Type  uint16
	Value []byte
}

// Message is a parsed STUN message (spec §3 StunMessage). Attributes are
// kept in arrival order so FINGERPRINT-must-be-last can be validated.
type Message struct {
	Class         MessageClass
	Method        uint16
	TransactionID [transactionIDSize]byte
	Attrs         []rawAttr

	// Raw is the original wire bytes, retained so MESSAGE-INTEGRITY can be
	// recomputed over the exact header-length-patched byte range.
	Raw []byte
}

func (m *Message) attr(t uint16) (rawAttr, bool) {
	for _, a := range m.Attrs {
		if a.Type == t {
			return a, true
		}
	}
	return rawAttr{}, false
}

// Username returns the decoded USERNAME attribute, if present.
func (m *Message) Username() (string, bool) {
	a, ok := m.attr(attrUsername)
	if !ok {
		return "", false
	}
	return string(a.Value), true
}

// Priority returns the decoded PRIORITY attribute, if present.
func (m *Message) Priority() (uint32, bool) {
	a, ok := m.attr(attrPriority)
	if !ok || len(a.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Value), true
}

// HasUseCandidate reports whether the USE-CANDIDATE attribute is present.
func (m *Message) HasUseCandidate() bool {
	_, ok := m.attr(attrUseCandidate)
	return ok
}

// HasIceControlled reports whether ICE-CONTROLLED is present.
func (m *Message) HasIceControlled() bool {
	_, ok := m.attr(attrIceControlled)
	return ok
}

// Nomination returns the draft-thatcher NOMINATION value, if present.
func (m *Message) Nomination() (uint32, bool) {
	a, ok := m.attr(attrNomination)
	if !ok || len(a.Value) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(a.Value), true
}

// hasFingerprintLast reports whether FINGERPRINT is present and is the last
// attribute, as required by spec §3.
func (m *Message) hasFingerprintLast() bool {
	if len(m.Attrs) == 0 {
		return false
	}
	return m.Attrs[len(m.Attrs)-1].Type == attrFingerprint
}

// VerifyFingerprint recomputes CRC32 XOR 0x5354554E over everything up to
// (but not including) the FINGERPRINT attribute and compares.
func (m *Message) VerifyFingerprint() bool {
	if !m.hasFingerprintLast() {
		return false
	}
	fp, _ := m.attr(attrFingerprint)
	if len(fp.Value) != 4 {
		return false
	}
	// Raw up to the start of the FINGERPRINT attribute header (4-byte TLV
	// header + value, 4-byte aligned).
	fpLen := headerSize + attrsWireLenExcluding(m.Attrs, attrFingerprint)
	if fpLen > len(m.Raw) {
		return false
	}
	got := crc32.ChecksumIEEE(m.Raw[:fpLen]) ^ fingerprintXOR
	want := binary.BigEndian.Uint32(fp.Value)
	return got == want
}

// VerifyMessageIntegrity recomputes HMAC-SHA1 over the message with the
// STUN header length field patched to exclude FINGERPRINT (spec §6).
func (m *Message) VerifyMessageIntegrity(password string) bool {
	mi, ok := m.attr(attrMessageIntegrity)
	if !ok || len(mi.Value) != 20 {
		return false
	}
	miLen := headerSize + attrsWireLenExcluding(m.Attrs, attrMessageIntegrity, attrFingerprint)
	if miLen > len(m.Raw) {
		return false
	}
	patched := make([]byte, miLen)
	copy(patched, m.Raw[:miLen])
	// The length field must equal the total body length *as if*
	// MESSAGE-INTEGRITY were the last attribute (24 bytes: 4 header + 20
	// value) measured from just after the 20-byte STUN header.
	bodyLen := (miLen - headerSize) + 24
	binary.BigEndian.PutUint16(patched[2:4], uint16(bodyLen))

	h := hmac.New(sha1.New, []byte(password))
	h.Write(patched)
	sum := h.Sum(nil)
	return hmac.Equal(sum, mi.Value)
}

// attrsWireLenExcluding returns the total wire length (with padding) of
// every attribute preceding the first occurrence of any of excl, used to
// find the byte offset where MESSAGE-INTEGRITY/FINGERPRINT begin.
func attrsWireLenExcluding(attrs []rawAttr, excl ...uint16) int {
	total := 0
	for _, a := range attrs {
		stop := false
		for _, e := range excl {
			if a.Type == e {
				stop = true
				break
			}
		}
		if stop {
			break
		}
		total += 4 + padTo4(len(a.Value))
	}
	return total
}

func padTo4(n int) int {
	if n%4 == 0 {
		return n
	}
	return n + (4 - n%4)
}

// ParseMessage parses a STUN message from raw wire bytes.
func ParseMessage(raw []byte) (*Message, error) {
	if len(raw) < headerSize {
		return nil, errTooShort
	}
	typ := binary.BigEndian.Uint16(raw[0:2])
	length := binary.BigEndian.Uint16(raw[2:4])
	cookie := binary.BigEndian.Uint32(raw[4:8])
	if cookie != magicCookie {
		return nil, errBadCookie
	}
	if headerSize+int(length) > len(raw) {
		return nil, errTooShort
	}

	m := &Message{Raw: raw}
	copy(m.TransactionID[:], raw[8:20])
	m.Class = MessageClass(typ & 0x0110)
	m.Method = typ &^ 0x0110

	body := raw[headerSize : headerSize+int(length)]
	off := 0
	for off+4 <= len(body) {
		at := binary.BigEndian.Uint16(body[off : off+2])
		al := int(binary.BigEndian.Uint16(body[off+2 : off+4]))
		off += 4
		if off+al > len(body) {
			return nil, errBadAttrLayout
		}
		val := body[off : off+al]
		off += padTo4(al)
		m.Attrs = append(m.Attrs, rawAttr{Type: at, Value: val})
	}
	return m, nil
}

// MessageBuilder incrementally builds a STUN message for serialization.
type MessageBuilder struct {
	class  MessageClass
	method uint16
	txID   [transactionIDSize]byte
	attrs  []rawAttr
}

// NewBuilder starts a new message of the given class/method and
// transaction id.
func NewBuilder(class MessageClass, method uint16, txID [transactionIDSize]byte) *MessageBuilder {
	return &MessageBuilder{class: class, method: method, txID: txID}
}

func (b *MessageBuilder) add(t uint16, v []byte) *MessageBuilder {
	b.attrs = append(b.attrs, rawAttr{Type: t, Value: v})
	return b
}

// AddXORMappedAddress adds an XOR-MAPPED-ADDRESS attribute per RFC 5389 §15.2.
func (b *MessageBuilder) AddXORMappedAddress(addr *net.UDPAddr) *MessageBuilder {
	ip4 := addr.IP.To4()
	family := byte(0x01)
	var xip []byte
	if ip4 == nil {
		family = 0x02
		ip16 := addr.IP.To16()
		xip = make([]byte, 16)
		copy(xip, ip16)
		cookie := make([]byte, 16)
		binary.BigEndian.PutUint32(cookie[0:4], magicCookie)
		copy(cookie[4:16], b.txID[:])
		for i := range xip {
			xip[i] ^= cookie[i]
		}
	} else {
		xip = make([]byte, 4)
		binary.BigEndian.PutUint32(xip, binary.BigEndian.Uint32(ip4)^magicCookie)
	}
	v := make([]byte, 4+len(xip))
	v[1] = family
	binary.BigEndian.PutUint16(v[2:4], uint16(addr.Port)^uint16(magicCookie>>16))
	copy(v[4:], xip)
	return b.add(attrXORMappedAddress, v)
}

// AddErrorCode adds ERROR-CODE with class*100+number semantics (spec §4.F).
func (b *MessageBuilder) AddErrorCode(code int, reason string) *MessageBuilder {
	v := make([]byte, 4+len(reason))
	v[2] = byte(code / 100)
	v[3] = byte(code % 100)
	copy(v[4:], reason)
	return b.add(attrErrorCode, v)
}

// Finalize serializes the message, optionally appending MESSAGE-INTEGRITY
// (HMAC-SHA1 with the length field patched to exclude FINGERPRINT) and
// FINGERPRINT, matching spec §6 ordering rules.
func (b *MessageBuilder) Finalize(password string, withFingerprint bool) []byte {
	body := b.encodeAttrs(b.attrs)

	if password != "" {
		miBodyLen := len(body) + 24 // as-if MI were the final attribute
		header := b.encodeHeader(uint16(miBodyLen))
		h := hmac.New(sha1.New, []byte(password))
		h.Write(header)
		h.Write(body)
		mi := h.Sum(nil)
		body = append(body, b.encodeAttr(attrMessageIntegrity, mi)...)
	}

	if withFingerprint {
		fpBodyLen := len(body) + 8
		header := b.encodeHeader(uint16(fpBodyLen))
		crc := crc32.ChecksumIEEE(append(append([]byte{}, header...), body...)) ^ fingerprintXOR
		fpVal := make([]byte, 4)
		binary.BigEndian.PutUint32(fpVal, crc)
		body = append(body, b.encodeAttr(attrFingerprint, fpVal)...)
	}

	header := b.encodeHeader(uint16(len(body)))
	return append(header, body...)
}

func (b *MessageBuilder) encodeHeader(bodyLen uint16) []byte {
	h := make([]byte, headerSize)
	typ := b.method | uint16(b.class)
	binary.BigEndian.PutUint16(h[0:2], typ)
	binary.BigEndian.PutUint16(h[2:4], bodyLen)
	binary.BigEndian.PutUint32(h[4:8], magicCookie)
	copy(h[8:20], b.txID[:])
	return h
}

func (b *MessageBuilder) encodeAttrs(attrs []rawAttr) []byte {
	var out []byte
	for _, a := range attrs {
		out = append(out, b.encodeAttr(a.Type, a.Value)...)
	}
	return out
}

func (b *MessageBuilder) encodeAttr(t uint16, v []byte) []byte {
	padded := padTo4(len(v))
	out := make([]byte, 4+padded)
	binary.BigEndian.PutUint16(out[0:2], t)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(v)))
	copy(out[4:4+len(v)], v)
	return out
}
