package mssql

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObfuscatePasswordRoundTripsThroughInverse(t *testing.T) {
	original := "Sup3rSecret!"
	once := obfuscatePassword(original)

	// The inverse applies the two steps in reverse order: XOR 0xA5 first,
	// then the nibble swap. Each step is its own inverse; their composition
	// is not.
	twice := make([]byte, len(once))
	for i, b := range once {
		b ^= 0xa5
		twice[i] = (b << 4) | (b >> 4)
	}

	roundTripped, err := ucs22str(twice)
	require.NoError(t, err)
	assert.Equal(t, original, roundTripped)
}

func TestEncodeLogin7TotalLengthMatchesBuffer(t *testing.T) {
	f := loginFields{
		TDSVersion: verTDS74,
		PacketSize: defaultPacketSize,
		HostName:   "client-host",
		UserName:   "sa",
		Password:   "hunter2",
		AppName:    "go-tds-test",
		ServerName: "db.internal",
		Database:   "master",
	}
	buf := encodeLogin7(f)
	declared := binary.LittleEndian.Uint32(buf[0:4])
	assert.EqualValues(t, len(buf), declared)
	assert.True(t, len(buf) > login7HeaderSize)
}

// TestEncodeLogin7FeatureExtOffsetsAccountForPointerPrefix guards against a
// regression where fields after FeatureExt (CtlIntName/Language/Database)
// would be declared 4 bytes short of where they're actually written, since
// the FeatureExt slot is preceded on the wire by a 4-byte DWORD pointer that
// isn't part of FeatureExt's own byte length.
func TestEncodeLogin7FeatureExtOffsetsAccountForPointerPrefix(t *testing.T) {
	featureExt := buildFeatureExt(true, false)
	require.NotEmpty(t, featureExt)

	f := loginFields{
		TDSVersion: verTDS74,
		HostName:   "h",
		UserName:   "u",
		Password:   "p",
		AppName:    "a",
		ServerName: "s",
		Database:   "db",
		FeatureExt: featureExt,
	}
	buf := encodeLogin7(f)

	extOffsetFieldOffset := binary.LittleEndian.Uint16(buf[56:58])
	extLen := binary.LittleEndian.Uint16(buf[58:60])
	assert.Equal(t, uint16(4), extLen)

	ptr := binary.LittleEndian.Uint32(buf[extOffsetFieldOffset : extOffsetFieldOffset+4])
	actualFeatureExtStart := int(ptr)
	gotFeatureExt := buf[actualFeatureExtStart : actualFeatureExtStart+len(featureExt)]
	assert.Equal(t, featureExt, gotFeatureExt)

	dbOffset := binary.LittleEndian.Uint16(buf[68:70])
	dbCharLen := binary.LittleEndian.Uint16(buf[70:72])
	dbBytes := buf[dbOffset : int(dbOffset)+int(dbCharLen)*2]
	got, err := ucs22str(dbBytes)
	require.NoError(t, err)
	assert.Equal(t, "db", got)
}

func TestEncodeLogin7SetsUseDBFlagsWhenDatabaseSet(t *testing.T) {
	f := loginFields{Database: "master"}
	buf := encodeLogin7(f)
	assert.NotZero(t, buf[24]&lFlag1UseDB)
	assert.NotZero(t, buf[24]&lFlag1InitDBFatal)
}

func TestEncodeLogin7OmitsUseDBFlagsWhenDatabaseEmpty(t *testing.T) {
	f := loginFields{}
	buf := encodeLogin7(f)
	assert.Zero(t, buf[24]&lFlag1UseDB)
}

func TestEncodeLogin7SetsExtensionFlagOnlyWithFeatureExt(t *testing.T) {
	without := encodeLogin7(loginFields{})
	assert.Zero(t, without[27]&lFlag3Extension)

	with := encodeLogin7(loginFields{FeatureExt: buildFeatureExt(true, false)})
	assert.NotZero(t, with[27]&lFlag3Extension)
}
