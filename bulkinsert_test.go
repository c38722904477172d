package mssql

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkTypeInfoAndEncoderBool(t *testing.T) {
	typeBuf, enc := bulkTypeInfoAndEncoder(true)
	assert.Equal(t, []byte{typeBitN, 1}, typeBuf)
	assert.Equal(t, []byte{1, 1}, enc(true))
	assert.Equal(t, []byte{1, 0}, enc(false))
}

func TestBulkTypeInfoAndEncoderInt(t *testing.T) {
	typeBuf, enc := bulkTypeInfoAndEncoder(int64(0))
	assert.Equal(t, []byte{typeIntN, 8}, typeBuf)
	out := enc(int64(9))
	require.Len(t, out, 9)
	assert.EqualValues(t, 8, out[0])
	assert.EqualValues(t, 9, binary.LittleEndian.Uint64(out[1:]))
}

func TestBulkTypeInfoAndEncoderBytes(t *testing.T) {
	typeBuf, enc := bulkTypeInfoAndEncoder([]byte(nil))
	assert.Equal(t, []byte{typeBigVarBin, 0xff, 0xff}, typeBuf)
	out := enc([]byte{9, 8, 7})
	assert.EqualValues(t, 3, binary.LittleEndian.Uint16(out[0:2]))
	assert.Equal(t, []byte{9, 8, 7}, out[2:])
}

func TestBulkTypeInfoAndEncoderDefaultString(t *testing.T) {
	typeBuf, enc := bulkTypeInfoAndEncoder("")
	assert.Equal(t, byte(typeNVarChar), typeBuf[0])
	out := enc("hi")
	data := str2ucs2("hi")
	assert.EqualValues(t, len(data), binary.LittleEndian.Uint16(out[0:2]))
	assert.Equal(t, data, out[2:])
}

func TestEncodeBulkColMetadataLayout(t *testing.T) {
	cols := []BulkColumn{
		{Name: "id", typeBuf: []byte{typeIntN, 8}},
		{Name: "ok", typeBuf: []byte{typeBitN, 1}},
	}
	out := encodeBulkColMetadata(cols)
	assert.Equal(t, byte(tokenColMetadata), out[0])
	assert.EqualValues(t, 2, binary.LittleEndian.Uint16(out[1:3]))
}

func TestEncodeBulkRowConcatenatesColumnEncoders(t *testing.T) {
	cols := []BulkColumn{
		{valBuf: func(v interface{}) []byte { return []byte{1} }},
		{valBuf: func(v interface{}) []byte { return []byte{2, 3} }},
	}
	out := encodeBulkRow(cols, []interface{}{nil, nil})
	assert.Equal(t, []byte{byte(tokenRow), 1, 2, 3}, out)
}

func TestEncodeBulkDoneSetsFinalAndCountFlags(t *testing.T) {
	out := encodeBulkDone(5)
	assert.Equal(t, byte(tokenDone), out[0])
	status := binary.LittleEndian.Uint16(out[1:3])
	assert.EqualValues(t, doneFinal|doneCount, status)
	assert.EqualValues(t, 5, binary.LittleEndian.Uint64(out[5:13]))
}

func TestBuildInsertBulkStatementNamesTableAndColumnTypes(t *testing.T) {
	cols := []BulkColumn{
		{Name: "id", Sample: int64(0)},
		{Name: "active", Sample: true},
	}
	stmt := buildInsertBulkStatement("dbo.Widgets", cols)
	assert.Equal(t, "insert bulk dbo.Widgets ([id] bigint, [active] bit)", stmt)
}
