package mssql

import (
	"encoding/binary"
	"fmt"
)

// packetType is the first byte of a TDS packet header (MS-TDS 2.2.3.1.1).
type packetType uint8

const (
	packSQLBatch    packetType = 1
	packRPCRequest  packetType = 3
	packReply       packetType = 4
	packAttention   packetType = 6
	packBulkLoad    packetType = 7
	packTransMgrReq packetType = 14
	packLogin7      packetType = 16
	packSSPIMessage packetType = 17
	packPrelogin    packetType = 18
)

func (t packetType) String() string {
	switch t {
	case packSQLBatch:
		return "SQL_BATCH"
	case packRPCRequest:
		return "RPC_REQUEST"
	case packReply:
		return "REPLY"
	case packAttention:
		return "ATTENTION"
	case packBulkLoad:
		return "BULK_LOAD"
	case packTransMgrReq:
		return "TRANS_MGR"
	case packLogin7:
		return "LOGIN7"
	case packSSPIMessage:
		return "SSPI"
	case packPrelogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Packet status bits, MS-TDS 2.2.3.1.2.
const (
	statusNormal             byte = 0x00
	statusEndOfMessage       byte = 0x01
	statusIgnore             byte = 0x02
	statusResetConnection    byte = 0x08
	statusResetConnSkipTrans byte = 0x10
)

// headerSize is the fixed size, in bytes, of a TDS packet header.
const headerSize = 8

// defaultPacketSize is the negotiated packet size assumed before Login7
// completes; ENVCHANGE(PacketSize) may raise it for the connection's
// lifetime (applied to the next outbound message only, per §9).
const defaultPacketSize = 4096

// packetHeader is the 8-byte header prefixing every TDS packet. Length is
// big-endian per MS-TDS; every other multi-byte field in a TDS payload is
// little-endian, which is why this type lives apart from the rest of the
// codec's uniformly little-endian helpers.
type packetHeader struct {
	Type     packetType
	Status   byte
	Length   uint16
	SPID     uint16
	PacketID byte
	Window   byte
}

func (h packetHeader) isEndOfMessage() bool { return h.Status&statusEndOfMessage != 0 }
func (h packetHeader) isIgnore() bool       { return h.Status&statusIgnore != 0 }

func (h packetHeader) payloadLength() int {
	if int(h.Length) <= headerSize {
		return 0
	}
	return int(h.Length) - headerSize
}

// encode serializes the header into exactly headerSize bytes.
func (h packetHeader) encode() [headerSize]byte {
	var buf [headerSize]byte
	buf[0] = byte(h.Type)
	buf[1] = h.Status
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	return buf
}

// decodeHeader parses an 8-byte buffer into a packetHeader, rejecting any
// length that violates the invariant length >= headerSize (§3, invariant 1).
func decodeHeader(buf []byte) (packetHeader, error) {
	if len(buf) < headerSize {
		return packetHeader{}, protocolError("tds header too short: %d bytes", len(buf))
	}
	h := packetHeader{
		Type:     packetType(buf[0]),
		Status:   buf[1],
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}
	if h.Length < headerSize {
		return packetHeader{}, protocolError("tds packet length %d is less than header size", h.Length)
	}
	return h, nil
}

// buildPackets slices payload into one or more packets of at most
// packetSize bytes (including the header), stamping sequential packet IDs
// starting at 0 and setting END_OF_MESSAGE only on the final packet (§4.2,
// invariant 3). An empty payload still produces a single EOM packet — this
// is how a zero-length Attention message (§4.4) is framed.
func buildPackets(t packetType, payload []byte, packetSize int, firstPacketStatus byte) [][]byte {
	if packetSize <= headerSize {
		packetSize = defaultPacketSize
	}
	maxPayload := packetSize - headerSize

	var packets [][]byte
	var id byte
	for len(payload) > 0 || len(packets) == 0 {
		chunk := maxPayload
		if chunk > len(payload) {
			chunk = len(payload)
		}
		status := statusNormal
		if chunk >= len(payload) {
			status = statusEndOfMessage
		}
		if id == 0 {
			status |= firstPacketStatus
		}
		h := packetHeader{
			Type:     t,
			Status:   status,
			Length:   uint16(headerSize + chunk),
			PacketID: id,
		}
		hdr := h.encode()
		pkt := make([]byte, headerSize+chunk)
		copy(pkt, hdr[:])
		copy(pkt[headerSize:], payload[:chunk])
		packets = append(packets, pkt)
		payload = payload[chunk:]
		id++
		if len(payload) == 0 {
			break
		}
	}
	return packets
}
