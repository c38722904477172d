package mssql

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// Well-known system stored procedure IDs, MS-TDS 2.2.6.8. Sent in an
// RPCRequest's ProcID field in place of a name when NameLenProcID is
// 0xFFFF.
const (
	procIDCursor         uint16 = 1
	procIDCursorOpen     uint16 = 2
	procIDCursorPrepare  uint16 = 3
	procIDCursorExecute  uint16 = 4
	procIDCursorPrepExec uint16 = 5
	procIDCursorUnprep   uint16 = 6
	procIDCursorFetch    uint16 = 7
	procIDCursorOption   uint16 = 8
	procIDCursorClose    uint16 = 9
	procIDExecuteSQL     uint16 = 10
	procIDPrepare        uint16 = 11
	procIDExecute        uint16 = 12
	procIDPrepExec       uint16 = 13
	procIDUnprepare      uint16 = 15
)

// RPC option-flags and parameter-status bits, MS-TDS 2.2.6.8.
const (
	rpcOptWithRecomp = 0x0001
	rpcOptNoMetadata = 0x0002

	paramStatusByRefValue = 0x01
	paramStatusDefault    = 0x02
)

// rpcParam is one RPCRequest parameter: a name (empty for positional),
// direction, and a Go value to be type-inferred and encoded.
type rpcParam struct {
	Name   string
	Output bool
	Value  interface{}
}

// encodeRPCRequest builds the payload of an RPCRequest message (§4.1):
// ALL_HEADERS, then either a well-known ProcID or a named procedure, option
// flags, and the parameter list.
func encodeRPCRequest(sess *Session, procID uint16, procName string, params []rpcParam) []byte {
	out := writeAllHeaders(sess.tranid, 1)

	if procName != "" {
		name := str2ucs2(procName)
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(procName)))
		out = append(out, lenBuf[:]...)
		out = append(out, name...)
	} else {
		out = append(out, 0xff, 0xff)
		var idBuf [2]byte
		binary.LittleEndian.PutUint16(idBuf[:], procID)
		out = append(out, idBuf[:]...)
	}

	out = append(out, 0x00, 0x00) // option flags

	for _, p := range params {
		out = append(out, encodeRPCParam(p)...)
	}
	return out
}

func encodeRPCParam(p rpcParam) []byte {
	var out []byte
	out = append(out, byte(len(p.Name)))
	out = append(out, str2ucs2(p.Name)...)

	status := byte(0)
	if p.Output {
		status |= paramStatusByRefValue
	}
	out = append(out, status)

	return append(out, encodeParamTypeAndValue(p.Value)...)
}

// encodeParamTypeAndValue infers a wire TYPE_INFO for a Go value and
// appends the TYPE_INFO followed by the value, mirroring readTypeInfo's
// decode-side switch in reverse (§4.1, §9's statement-cache type-name
// note).
func encodeParamTypeAndValue(v interface{}) []byte {
	switch val := v.(type) {
	case nil:
		return []byte{typeNVarChar, 0xff, 0xff, 0, 0, 0, 0, 0, 0xff, 0xff}
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return append([]byte{typeBitN, 1, 1}, b)
	case int8, int16, int32, int64, int:
		return encodeIntN(toInt64(val))
	case float32, float64:
		return encodeFloatN(toFloat64(val))
	case string:
		return encodeNVarChar(val)
	case []byte:
		return encodeVarBinary(val)
	case decimal.Decimal:
		return encodeDecimalParam(val)
	case civil.Date:
		return encodeDateParam(val)
	case civil.Time:
		return encodeTimeParam(val)
	case time.Time:
		return encodeDateTime2Param(val)
	default:
		return encodeNVarChar(fmt.Sprintf("%v", val))
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return 0
}

func encodeIntN(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return append([]byte{typeIntN, 8, 8}, buf...)
}

func encodeFloatN(v float64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	return append([]byte{typeFltN, 8, 8}, buf...)
}

func encodeNVarChar(s string) []byte {
	data := str2ucs2(s)
	out := []byte{typeNVarChar, 0xff, 0xff, 0, 0, 0, 0, 0}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(data)))
	out = append(out, lenBuf[:]...)
	return append(out, data...)
}

func encodeVarBinary(b []byte) []byte {
	out := []byte{typeBigVarBin, 0xff, 0xff}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	out = append(out, lenBuf[:]...)
	return append(out, b...)
}

func encodeDecimalParam(d decimal.Decimal) []byte {
	out := []byte{typeDecimalN, 17, 38, byte(-d.Exponent())}
	coeff := d.Coefficient()
	mag := coeff.Bytes()
	sign := byte(1)
	if coeff.Sign() < 0 {
		sign = 0
	}
	buf := make([]byte, 16)
	for i, b := range mag {
		if i >= len(buf) {
			break
		}
		buf[len(mag)-1-i] = b
	}
	out = append(out, byte(len(buf)+1), sign)
	return append(out, buf...)
}

func encodeDateParam(d civil.Date) []byte {
	days := d.DaysSince(civil.Date{Year: 1, Month: 1, Day: 1})
	buf := make([]byte, 3)
	putUint24(buf, uint32(days))
	return append([]byte{typeDateN}, buf...)
}

func encodeTimeParam(t civil.Time) []byte {
	ticks := uint64(t.Hour)*36000000000 + uint64(t.Minute)*600000000 + uint64(t.Second)*10000000 + uint64(t.Nanosecond)/100
	tbuf := make([]byte, 5)
	putUint40(tbuf, ticks)
	return append([]byte{typeTimeN, 7}, tbuf...)
}

func encodeDateTime2Param(t time.Time) []byte {
	days := civil.DateOf(t.UTC()).DaysSince(civil.Date{Year: 1, Month: 1, Day: 1})
	ticks := uint64(t.Hour())*36000000000 + uint64(t.Minute())*600000000 + uint64(t.Second())*10000000 + uint64(t.Nanosecond())/100
	out := []byte{typeDateTime2, 7}
	tbuf := make([]byte, 5)
	putUint40(tbuf, ticks)
	out = append(out, tbuf...)
	dbuf := make([]byte, 3)
	putUint24(dbuf, uint32(days))
	return append(out, dbuf...)
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

func putUint40(b []byte, v uint64) {
	for i := 0; i < 5; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
