package mssql

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
)

var utf16Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

// ucs22str decodes a UCS-2 / UTF-16LE byte slice, the wire encoding for
// every string field in the protocol (§4.1).
func ucs22str(b []byte) (string, error) {
	s, err := utf16Decoder.String(string(b))
	if err != nil {
		return "", fmt.Errorf("decoding ucs2: %w", err)
	}
	return s, nil
}

// str2ucs2 is the encode-side counterpart, used by every codec that writes
// a B_VARCHAR/US_VARCHAR/login field onto the wire.
func str2ucs2(s string) []byte {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	out, _ := enc.String(s)
	return []byte(out)
}

// badStreamPanic is raised by the lowest-level byte readers (tdsBuffer,
// ENVCHANGE parsing) when the wire does not match what the token grammar
// requires. It is recovered at the boundary of a single response goroutine
// (processSingleResponse) and turned into a protocol error delivered on
// that response's token channel, never propagated as a native Go panic to
// caller code.
func badStreamPanic(err error) {
	panic(protocolError("malformed tds stream: %v", err))
}

func badStreamPanicf(format string, args ...interface{}) {
	panic(protocolError("malformed tds stream: "+format, args...))
}

// The following free functions read directly off an io.Reader (rather than
// a *tdsBuffer) because ENVCHANGE option parsing works over an
// io.LimitedReader bounding a single ENVCHANGE record (§4.3's
// processEnvChg / envchange.go).

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readUshort(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readBVarChar(r io.Reader) (string, error) {
	n, err := readByte(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, int(n)*2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return ucs22str(buf)
}

func readUsVarChar(r io.Reader) (string, error) {
	n, err := readUshort(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, int(n)*2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return ucs22str(buf)
}

// readBVarByte reads a byte-length-prefixed raw byte string (B_VARBYTE),
// used for transaction descriptors in BeginTran/CommitTran/RollbackTran
// ENVCHANGE records.
func readBVarByte(r io.Reader) ([]byte, error) {
	n, err := readByte(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// validIdentifier matches the savepoint-name grammar of §4.4: a letter or
// underscore followed by up to 127 letters, digits, or the SQL Server
// special identifier characters.
func validIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r == '_':
			// always valid, including as first character
		case r >= '0' && r <= '9', r == '@' || r == '#' || r == '$':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
