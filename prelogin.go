package mssql

import (
	"encoding/binary"
	"fmt"
)

// TDS protocol versions this driver can negotiate (§2, §4.1).
const (
	verTDS74 uint32 = 0x74000004
	verTDS80 uint32 = 0x08000000 // TDS 8.0 strict encryption
)

// PreLogin option tokens, MS-TDS 2.2.6.4.
const (
	preloginVersion    byte = 0x00
	preloginEncryption byte = 0x01
	preloginInstOpt    byte = 0x02
	preloginThreadID   byte = 0x03
	preloginMARS       byte = 0x04
	preloginTraceID    byte = 0x05
	preloginFedAuth    byte = 0x06
	preloginNonceOpt   byte = 0x07
	preloginTerminator byte = 0xff
)

// Encryption negotiation values, MS-TDS 2.2.6.4.
const (
	encryptOff    byte = 0x00
	encryptOn     byte = 0x01
	encryptNotSup byte = 0x02
	encryptReq    byte = 0x03
	encryptStrict byte = 0x04 // TDS 8.0 only
)

// preloginFields is the decoded form of either side's PRELOGIN message: a
// set of TLV options addressed by token (§4.1 PreLogin/TLS interleave).
type preloginFields struct {
	Version    [6]byte
	Encryption byte
	Instance   string
	ThreadID   uint32
	MARS       byte
	FedAuthSup bool
	Nonce      []byte
}

// encodePrelogin serializes a client PRELOGIN payload (without the packet
// header, which buildPackets/tdsBuffer add): a 5-byte-per-option header
// table followed by a terminator, then the option values packed back to
// back at the offsets just written.
func encodePrelogin(f preloginFields, includeFedAuth bool) []byte {
	instance := append([]byte(f.Instance), 0)

	type opt struct {
		token byte
		data  []byte
	}
	opts := []opt{
		{preloginVersion, f.Version[:]},
		{preloginEncryption, []byte{f.Encryption}},
		{preloginInstOpt, instance},
		{preloginThreadID, u32be(f.ThreadID)},
		{preloginMARS, []byte{f.MARS}},
	}
	if includeFedAuth {
		opts = append(opts, opt{preloginFedAuth, []byte{0x01}})
	}

	headerSize := len(opts)*5 + 1
	offset := uint16(headerSize)
	header := make([]byte, 0, headerSize)
	var body []byte
	for _, o := range opts {
		header = append(header, o.token)
		header = append(header, u16be(offset)...)
		header = append(header, u16be(uint16(len(o.data)))...)
		offset += uint16(len(o.data))
		body = append(body, o.data...)
	}
	header = append(header, preloginTerminator)

	return append(header, body...)
}

func u16be(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32be(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// parsePrelogin decodes a PRELOGIN message (sent by either peer) into its
// TLV options, grounded on the pack's ParsePrelogin two-pass offset/length
// table approach.
func parsePrelogin(data []byte) (preloginFields, error) {
	var f preloginFields
	if len(data) == 0 {
		return f, protocolError("empty prelogin message")
	}

	type tlv struct{ offset, length uint16 }
	opts := make(map[byte]tlv)
	pos := 0
	for {
		if pos >= len(data) {
			return f, protocolError("prelogin options truncated")
		}
		tok := data[pos]
		if tok == preloginTerminator {
			break
		}
		if pos+5 > len(data) {
			return f, protocolError("prelogin option header truncated")
		}
		opts[tok] = tlv{
			offset: binary.BigEndian.Uint16(data[pos+1 : pos+3]),
			length: binary.BigEndian.Uint16(data[pos+3 : pos+5]),
		}
		pos += 5
	}

	slice := func(t tlv) ([]byte, error) {
		end := int(t.offset) + int(t.length)
		if end > len(data) || int(t.offset) > end {
			return nil, protocolError("prelogin option value out of bounds")
		}
		return data[t.offset:end], nil
	}

	if t, ok := opts[preloginVersion]; ok {
		v, err := slice(t)
		if err != nil {
			return f, err
		}
		copy(f.Version[:], v)
	}
	if t, ok := opts[preloginEncryption]; ok {
		v, err := slice(t)
		if err != nil {
			return f, err
		}
		if len(v) > 0 {
			f.Encryption = v[0]
		}
	}
	if t, ok := opts[preloginInstOpt]; ok {
		v, err := slice(t)
		if err != nil {
			return f, err
		}
		for i, b := range v {
			if b == 0 {
				f.Instance = string(v[:i])
				break
			}
		}
	}
	if t, ok := opts[preloginThreadID]; ok {
		v, err := slice(t)
		if err != nil {
			return f, err
		}
		if len(v) >= 4 {
			f.ThreadID = binary.BigEndian.Uint32(v)
		}
	}
	if t, ok := opts[preloginMARS]; ok {
		v, err := slice(t)
		if err != nil {
			return f, err
		}
		if len(v) > 0 {
			f.MARS = v[0]
		}
	}
	if t, ok := opts[preloginNonceOpt]; ok {
		v, err := slice(t)
		if err != nil {
			return f, err
		}
		f.Nonce = append([]byte(nil), v...)
	}
	_, f.FedAuthSup = opts[preloginFedAuth]

	return f, nil
}

// negotiateEncryption resolves the client's requested Encrypt mode against
// the server's advertised PRELOGIN Encryption byte, failing closed when the
// two are incompatible (§4.1 PreLogin/TLS interleave, §9 Open Question).
func negotiateEncryption(clientWants byte, serverOffers byte) (byte, error) {
	if serverOffers == encryptNotSup {
		if clientWants == encryptReq || clientWants == encryptStrict {
			return 0, protocolError("server does not support encryption but client requires it")
		}
		return encryptOff, nil
	}
	if clientWants == encryptStrict || serverOffers == encryptStrict {
		if clientWants != encryptStrict || serverOffers != encryptStrict {
			return 0, protocolError("TDS 8.0 strict encryption requires agreement from both peers")
		}
		return encryptStrict, nil
	}
	if clientWants == encryptOff && serverOffers == encryptReq {
		return encryptOn, nil
	}
	if clientWants == encryptReq || serverOffers == encryptReq {
		return encryptOn, nil
	}
	return clientWants, nil
}

func (f preloginFields) String() string {
	return fmt.Sprintf("prelogin{version=%x encryption=%d instance=%q mars=%d}", f.Version, f.Encryption, f.Instance, f.MARS)
}
