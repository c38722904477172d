package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bVarChar(s string) []byte {
	data := str2ucs2(s)
	return append([]byte{byte(len(data) / 2)}, data...)
}

func usVarChar(s string) []byte {
	data := str2ucs2(s)
	out := []byte{byte(len(data) / 2), 0}
	return append(out, data...)
}

func newTestSession(data []byte) *Session {
	buf := bufferOf(data)
	return newSession(buf, defaultLogger, 0, 0)
}

func envChangeRecord(envtype byte, body []byte) []byte {
	record := append([]byte{envtype}, body...)
	size := uint16(len(record))
	return append([]byte{byte(size), byte(size >> 8)}, record...)
}

func TestProcessEnvChgDatabase(t *testing.T) {
	body := append(bVarChar("newdb"), bVarChar("olddb")...)
	data := envChangeRecord(envTypDatabase, body)
	sess := newTestSession(data)

	processEnvChg(sess)
	assert.Equal(t, "newdb", sess.database)
}

func TestProcessEnvChgPacketSize(t *testing.T) {
	body := append(bVarChar("8192"), bVarChar("4096")...)
	data := envChangeRecord(envTypPacketSize, body)
	sess := newTestSession(data)

	processEnvChg(sess)
	assert.Equal(t, 8192, sess.packetSize)
	assert.Equal(t, 8192, sess.buf.packetSize)
}

func TestProcessEnvChgBeginTran(t *testing.T) {
	tranID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	body := append([]byte{byte(len(tranID))}, tranID...)
	body = append(body, 0) // old value, empty B_VARBYTE
	data := envChangeRecord(envTypBeginTran, body)
	sess := newTestSession(data)

	processEnvChg(sess)
	assert.EqualValues(t, 0x0807060504030201, sess.tranid)
}

func TestProcessEnvChgCommitTranClearsTranID(t *testing.T) {
	sess := newTestSession(envChangeRecord(envTypCommitTran, []byte{0, 0}))
	sess.tranid = 99
	processEnvChg(sess)
	assert.EqualValues(t, 0, sess.tranid)
}

func TestProcessEnvChgRouting(t *testing.T) {
	var body []byte
	body = append(body, 0, 0) // option length, unused
	body = append(body, 0)    // protocol = 0 (TCP)
	body = append(body, 210, 4) // newPort = 1234 little-endian
	body = append(body, usVarChar("redirect.example.com")...)
	body = append(body, 0, 0) // OLDVALUE length, empty
	data := envChangeRecord(envRouting, body)
	sess := newTestSession(data)

	processEnvChg(sess)
	assert.Equal(t, "redirect.example.com", sess.routedServer)
	assert.EqualValues(t, 1234, sess.routedPort)
}

func TestProcessEnvChgDatabaseMirrorPartner(t *testing.T) {
	body := append(bVarChar("partner.example.com"), bVarChar("")...)
	data := envChangeRecord(envDatabaseMirrorPartner, body)
	sess := newTestSession(data)

	processEnvChg(sess)
	assert.Equal(t, "partner.example.com", sess.partner)
}

func TestProcessEnvChgUnknownTypeAbandonsToken(t *testing.T) {
	data := envChangeRecord(0x7f, []byte{1, 2, 3})
	sess := newTestSession(data)
	require.NotPanics(t, func() { processEnvChg(sess) })
}
