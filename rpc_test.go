package mssql

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAllHeadersEncodesTransactionDescriptor(t *testing.T) {
	buf := writeAllHeaders(0x0102030405060708, 1)
	require.Len(t, buf, 22)
	assert.EqualValues(t, 22, binary.LittleEndian.Uint32(buf[0:4]))
	assert.EqualValues(t, 18, binary.LittleEndian.Uint32(buf[4:8]))
	assert.EqualValues(t, 2, binary.LittleEndian.Uint16(buf[8:10]))
	assert.EqualValues(t, 0x0102030405060708, binary.LittleEndian.Uint64(buf[10:18]))
	assert.EqualValues(t, 1, binary.LittleEndian.Uint32(buf[18:22]))
}

func TestEncodeRPCRequestUsesWellKnownProcID(t *testing.T) {
	sess := &Session{tranid: 42}
	out := encodeRPCRequest(sess, procIDExecuteSQL, "", nil)

	assert.EqualValues(t, 42, binary.LittleEndian.Uint64(out[10:18]))
	rest := out[22:]
	assert.Equal(t, []byte{0xff, 0xff}, rest[0:2])
	assert.EqualValues(t, procIDExecuteSQL, binary.LittleEndian.Uint16(rest[2:4]))
	assert.Equal(t, []byte{0, 0}, rest[4:6]) // option flags
}

func TestEncodeRPCRequestUsesNamedProcedure(t *testing.T) {
	sess := &Session{}
	out := encodeRPCRequest(sess, 0, "my_proc", nil)
	rest := out[22:]
	assert.EqualValues(t, len("my_proc"), binary.LittleEndian.Uint16(rest[0:2]))
	assert.Equal(t, str2ucs2("my_proc"), rest[2:2+len(str2ucs2("my_proc"))])
}

func TestEncodeRPCParamEncodesNameAndStatusBits(t *testing.T) {
	p := rpcParam{Name: "@p1", Output: true, Value: int64(7)}
	out := encodeRPCParam(p)

	nameLen := int(out[0])
	assert.Equal(t, len("@p1"), nameLen)
	status := out[1+2*nameLen]
	assert.EqualValues(t, paramStatusByRefValue, status)
}

func TestEncodeRPCParamPositionalHasEmptyName(t *testing.T) {
	out := encodeRPCParam(rpcParam{Value: int64(1)})
	assert.EqualValues(t, 0, out[0])
	assert.EqualValues(t, 0, out[1]) // status, no BYREF
}

func TestEncodeParamTypeAndValueNil(t *testing.T) {
	out := encodeParamTypeAndValue(nil)
	assert.Equal(t, byte(typeNVarChar), out[0])
	assert.Equal(t, []byte{0xff, 0xff}, out[1:3])
}

func TestEncodeParamTypeAndValueBool(t *testing.T) {
	out := encodeParamTypeAndValue(true)
	assert.Equal(t, []byte{typeBitN, 1, 1, 1}, out)

	out = encodeParamTypeAndValue(false)
	assert.Equal(t, []byte{typeBitN, 1, 1, 0}, out)
}

func TestEncodeParamTypeAndValueIntegers(t *testing.T) {
	for _, v := range []interface{}{int8(5), int16(5), int32(5), int64(5), int(5)} {
		out := encodeParamTypeAndValue(v)
		require.Equal(t, byte(typeIntN), out[0])
		assert.EqualValues(t, 8, out[1])
		assert.EqualValues(t, 8, out[2])
		assert.EqualValues(t, 5, binary.LittleEndian.Uint64(out[3:11]))
	}
}

func TestEncodeParamTypeAndValueFloats(t *testing.T) {
	out := encodeParamTypeAndValue(float64(3.5))
	require.Equal(t, byte(typeFltN), out[0])
	bits := binary.LittleEndian.Uint64(out[3:11])
	assert.Equal(t, 3.5, math.Float64frombits(bits))
}

func TestEncodeParamTypeAndValueString(t *testing.T) {
	out := encodeParamTypeAndValue("hello")
	assert.Equal(t, byte(typeNVarChar), out[0])
	data := str2ucs2("hello")
	assert.EqualValues(t, len(data), binary.LittleEndian.Uint16(out[8:10]))
	assert.Equal(t, data, out[10:])
}

func TestEncodeParamTypeAndValueBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	out := encodeParamTypeAndValue(b)
	assert.Equal(t, byte(typeBigVarBin), out[0])
	assert.EqualValues(t, 4, binary.LittleEndian.Uint16(out[3:5]))
	assert.Equal(t, b, out[5:])
}

func TestEncodeParamTypeAndValueDefaultFallsBackToString(t *testing.T) {
	type custom struct{ N int }
	out := encodeParamTypeAndValue(custom{N: 9})
	assert.Equal(t, byte(typeNVarChar), out[0])
}

func TestEncodeDecimalParamEncodesMagnitudeAndSign(t *testing.T) {
	d := decimal.New(-12345, -2) // -123.45
	out := encodeDecimalParam(d)
	assert.Equal(t, byte(typeDecimalN), out[0])
	assert.EqualValues(t, 17, out[1])
	assert.EqualValues(t, 38, out[2])
	assert.EqualValues(t, 2, out[3]) // scale
	assert.EqualValues(t, 0, out[5]) // sign byte: negative
}

func TestEncodeDateParamComputesDaysSinceYear1(t *testing.T) {
	d := civil.Date{Year: 2000, Month: 1, Day: 1}
	out := encodeDateParam(d)
	assert.Equal(t, byte(typeDateN), out[0])
	assert.Len(t, out, 4)
	assert.EqualValues(t, 730119, leUint(out[1:4]))
}

func TestEncodeTimeParamComputesTicks(t *testing.T) {
	tm := civil.Time{Hour: 1, Minute: 0, Second: 0, Nanosecond: 0}
	out := encodeTimeParam(tm)
	assert.Equal(t, byte(typeTimeN), out[0])
	assert.EqualValues(t, 7, out[1])
	assert.Len(t, out, 7)
	assert.EqualValues(t, 36000000000, leUint(out[2:7]))
}

func TestEncodeDateTime2ParamLayout(t *testing.T) {
	tm := time.Date(2020, 6, 15, 12, 30, 0, 0, time.UTC)
	out := encodeDateTime2Param(tm)
	assert.Equal(t, byte(typeDateTime2), out[0])
	assert.EqualValues(t, 7, out[1])
	assert.Len(t, out, 15)
}
