package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParsePreloginRoundTrip(t *testing.T) {
	f := preloginFields{
		Version:    [6]byte{16, 0, 0, 0, 0, 0},
		Encryption: encryptOn,
		Instance:   "MSSQLSERVER",
		ThreadID:   4242,
		MARS:       0,
	}
	data := encodePrelogin(f, false)

	got, err := parsePrelogin(data)
	require.NoError(t, err)
	assert.Equal(t, f.Version, got.Version)
	assert.Equal(t, f.Encryption, got.Encryption)
	assert.Equal(t, f.Instance, got.Instance)
	assert.Equal(t, f.ThreadID, got.ThreadID)
	assert.False(t, got.FedAuthSup)
}

func TestEncodePreloginIncludesFedAuthWhenRequested(t *testing.T) {
	f := preloginFields{Encryption: encryptOn}
	data := encodePrelogin(f, true)

	got, err := parsePrelogin(data)
	require.NoError(t, err)
	assert.True(t, got.FedAuthSup)
}

func TestParsePreloginRejectsEmptyMessage(t *testing.T) {
	_, err := parsePrelogin(nil)
	assert.Error(t, err)
}

func TestParsePreloginRejectsTruncatedOptionHeader(t *testing.T) {
	_, err := parsePrelogin([]byte{preloginVersion, 0, 1})
	assert.Error(t, err)
}

func TestParsePreloginRejectsOutOfBoundsOffset(t *testing.T) {
	// One option claiming a value far past the end of the buffer.
	data := []byte{
		preloginVersion, 0, 100, 0, 6,
		preloginTerminator,
	}
	_, err := parsePrelogin(data)
	assert.Error(t, err)
}

func TestNegotiateEncryptionServerNotSupported(t *testing.T) {
	got, err := negotiateEncryption(encryptOff, encryptNotSup)
	require.NoError(t, err)
	assert.Equal(t, encryptOff, got)

	_, err = negotiateEncryption(encryptReq, encryptNotSup)
	assert.Error(t, err)
}

func TestNegotiateEncryptionStrictRequiresMutualAgreement(t *testing.T) {
	got, err := negotiateEncryption(encryptStrict, encryptStrict)
	require.NoError(t, err)
	assert.Equal(t, encryptStrict, got)

	_, err = negotiateEncryption(encryptStrict, encryptOn)
	assert.Error(t, err)

	_, err = negotiateEncryption(encryptOn, encryptStrict)
	assert.Error(t, err)
}

func TestNegotiateEncryptionClientOffServerRequires(t *testing.T) {
	got, err := negotiateEncryption(encryptOff, encryptReq)
	require.NoError(t, err)
	assert.Equal(t, encryptOn, got)
}

func TestNegotiateEncryptionBothOff(t *testing.T) {
	got, err := negotiateEncryption(encryptOff, encryptOff)
	require.NoError(t, err)
	assert.Equal(t, encryptOff, got)
}
