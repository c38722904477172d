package mssql

import (
	"encoding/binary"
	"io"
	"sync"
)

// tdsBuffer turns a bidirectional byte stream into a sequence of complete
// TDS messages on read, and slices outbound payloads into packets of the
// negotiated size on write (§4.2). The read half is owned by a single
// caller (the executor goroutine); the write half is guarded by wlock so
// Cancel can interleave an Attention packet while the executor blocks in a
// read (§4.2 cancellation-safe split, §5).
type tdsBuffer struct {
	transport io.ReadWriteCloser

	packetSize int // negotiated outbound chunk size, including header

	// read side
	rbuf    []byte
	rpos    int
	rsize   int
	rPacket packetHeader

	// write side
	wlock         sync.Mutex
	wbuf          []byte
	wpos          int
	wPacketType   packetType
	resetOnNext   bool // RESET_CONNECTION due on the first packet of the next outbound message
	afterFirstPkt bool
}

func newTdsBuffer(transport io.ReadWriteCloser, packetSize int) *tdsBuffer {
	if packetSize < headerSize+1 {
		packetSize = defaultPacketSize
	}
	return &tdsBuffer{
		transport:  transport,
		packetSize: packetSize,
		rbuf:       make([]byte, packetSize),
		wbuf:       make([]byte, packetSize),
	}
}

// ResizeBuffer applies a renegotiated packet size (ENVCHANGE PacketSize) to
// the next outbound message only; per §9 the design does not affect a
// message already in flight.
func (b *tdsBuffer) ResizeBuffer(size int) {
	if size < headerSize+1 {
		return
	}
	b.packetSize = size
}

// markResetOnReturn arranges for RESET_CONNECTION to be set on the first
// packet of the next outbound request (§4.5, §4.6).
func (b *tdsBuffer) markResetOnReturn() {
	b.wlock.Lock()
	b.resetOnNext = true
	b.wlock.Unlock()
}

// --- read side -------------------------------------------------------

// BeginRead reads packets until it has buffered at least one full packet's
// payload of the message, returning the packet type of the message's first
// packet. An IGNORE packet discards whatever had been buffered and resumes
// (§4.2).
func (b *tdsBuffer) BeginRead() (packetType, error) {
	for {
		hdr, payload, err := b.readOnePacket()
		if err != nil {
			return 0, err
		}
		if hdr.isIgnore() {
			b.rbuf = b.rbuf[:0]
			b.rpos, b.rsize = 0, 0
			continue
		}
		b.rbuf = payload
		b.rpos = 0
		b.rsize = len(payload)
		b.rPacket = hdr
		return hdr.Type, nil
	}
}

// readOnePacket reads one packet header plus body, and if the body does not
// end the message, keeps reading and concatenating subsequent packets of
// the same type until END_OF_MESSAGE (§3 Message, invariant 3). Packets
// that mix types within one message are a protocol error.
func (b *tdsBuffer) readOnePacket() (packetHeader, []byte, error) {
	var first packetHeader
	var payload []byte
	for i := 0; ; i++ {
		var hb [headerSize]byte
		if _, err := io.ReadFull(b.transport, hb[:]); err != nil {
			return packetHeader{}, nil, ioError(err, "reading tds packet header")
		}
		hdr, err := decodeHeader(hb[:])
		if err != nil {
			return packetHeader{}, nil, err
		}
		if i == 0 {
			first = hdr
		} else if hdr.Type != first.Type {
			return packetHeader{}, nil, protocolError("tds message mixes packet types %v and %v", first.Type, hdr.Type)
		}
		body := make([]byte, hdr.payloadLength())
		if len(body) > 0 {
			if _, err := io.ReadFull(b.transport, body); err != nil {
				return packetHeader{}, nil, ioError(err, "reading tds packet payload")
			}
		}
		payload = append(payload, body...)
		if hdr.isIgnore() {
			return hdr, nil, nil
		}
		if hdr.isEndOfMessage() {
			return first, payload, nil
		}
	}
}

// fill reads the next message's packets into rbuf once the current one is
// exhausted, preserving the already-established packet type for a
// multi-message token stream that keeps calling the byte-level readers.
func (b *tdsBuffer) fill() error {
	_, payload, err := b.readOnePacket()
	if err != nil {
		return err
	}
	b.rbuf = payload
	b.rpos = 0
	b.rsize = len(payload)
	return nil
}

func (b *tdsBuffer) ensure(n int) {
	for b.rsize-b.rpos < n {
		if err := b.fill(); err != nil {
			badStreamPanic(err)
		}
	}
}

func (b *tdsBuffer) byte() byte {
	b.ensure(1)
	v := b.rbuf[b.rpos]
	b.rpos++
	return v
}

func (b *tdsBuffer) uint16() uint16 {
	b.ensure(2)
	v := binary.LittleEndian.Uint16(b.rbuf[b.rpos:])
	b.rpos += 2
	return v
}

func (b *tdsBuffer) uint32() uint32 {
	b.ensure(4)
	v := binary.LittleEndian.Uint32(b.rbuf[b.rpos:])
	b.rpos += 4
	return v
}

func (b *tdsBuffer) uint64() uint64 {
	b.ensure(8)
	v := binary.LittleEndian.Uint64(b.rbuf[b.rpos:])
	b.rpos += 8
	return v
}

func (b *tdsBuffer) int32() int32 { return int32(b.uint32()) }

// Read satisfies io.Reader so the buffer can be handed to binary.Read and
// to limited readers (used by ENVCHANGE parsing).
func (b *tdsBuffer) Read(p []byte) (int, error) {
	if b.rsize-b.rpos == 0 {
		if err := b.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, b.rbuf[b.rpos:b.rsize])
	b.rpos += n
	return n, nil
}

func (b *tdsBuffer) ReadFull(buf []byte) {
	for len(buf) > 0 {
		n, err := b.Read(buf)
		if err != nil {
			badStreamPanic(err)
		}
		buf = buf[n:]
	}
}

// BVarChar reads a byte-length-prefixed UCS-2 string (B_VARCHAR).
func (b *tdsBuffer) BVarChar() string {
	n := int(b.byte())
	buf := make([]byte, n*2)
	b.ReadFull(buf)
	s, err := ucs22str(buf)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

// UsVarChar reads a uint16-length-prefixed UCS-2 string (US_VARCHAR).
func (b *tdsBuffer) UsVarChar() string {
	n := int(b.uint16())
	buf := make([]byte, n*2)
	b.ReadFull(buf)
	s, err := ucs22str(buf)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

// sqlIdentifier reads a multi-part B_VARCHAR name table used for TEXT/NTEXT/
// IMAGE table names in ColMetaData; the parts are joined with '.'.
func (b *tdsBuffer) sqlIdentifier() string {
	numParts := int(b.byte())
	parts := make([]string, numParts)
	for i := range parts {
		parts[i] = b.BVarChar()
	}
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += "."
		}
		s += p
	}
	return s
}

// --- write side --------------------------------------------------------

// BeginWrite starts an outbound message of the given packet type. Caller
// must follow with one or more Write calls and a final FinishWrite.
func (b *tdsBuffer) BeginWrite(t packetType) {
	b.wlock.Lock()
	b.wPacketType = t
	b.wbuf = b.wbuf[:0]
}

func (b *tdsBuffer) Write(p []byte) (int, error) {
	b.wbuf = append(b.wbuf, p...)
	return len(p), nil
}

// FinishWrite slices the accumulated payload into packets and flushes them,
// setting RESET_CONNECTION on the first packet if a reset is pending (§4.2,
// §4.5, §4.6 — invariant 5). It releases the lock BeginWrite took.
func (b *tdsBuffer) FinishWrite() error {
	defer b.wlock.Unlock()
	first := byte(0)
	if b.resetOnNext {
		first = statusResetConnection
		b.resetOnNext = false
	}
	packets := buildPackets(b.wPacketType, b.wbuf, b.packetSize, first)
	for _, pkt := range packets {
		if _, err := b.transport.Write(pkt); err != nil {
			return ioError(err, "writing tds packet")
		}
	}
	return nil
}

// sendAttention transmits a single empty Attention packet (type 6, EOM) out
// of band, acquiring the same write lock a normal request uses so the two
// never interleave mid-packet (§4.2, §4.4, §5).
func sendAttention(b *tdsBuffer) error {
	b.wlock.Lock()
	defer b.wlock.Unlock()
	h := packetHeader{Type: packAttention, Status: statusEndOfMessage, Length: headerSize}
	hdr := h.encode()
	_, err := b.transport.Write(hdr[:])
	return ioError(err, "sending attention packet")
}

func (b *tdsBuffer) Close() error {
	return b.transport.Close()
}
