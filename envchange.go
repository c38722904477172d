package mssql

import (
	"encoding/binary"
	"io"
)

// ENVCHANGE record types, MS-TDS 2.2.7.8.
const (
	envTypDatabase           = 1
	envTypLanguage           = 2
	envTypCharset            = 3
	envTypPacketSize         = 4
	envSortId                = 5
	envSortFlags             = 6
	envSqlCollation          = 7
	envTypBeginTran          = 8
	envTypCommitTran         = 9
	envTypRollbackTran       = 10
	envEnlistDTC             = 11
	envDefectTran            = 12
	envDatabaseMirrorPartner = 13
	envPromoteTran           = 15
	envTranMgrAddr           = 16
	envTranEnded             = 17
	envResetConnAck          = 18
	envStartedInstanceName   = 19
	envRouting               = 20
)

// processEnvChg decodes one ENVCHANGE token's records, applying each to the
// session it describes: database/language switches, packet-size
// renegotiation, transaction id tracking, mirror partner discovery, and the
// routing redirect §4.3 depends on. Records this driver has no use for are
// still walked byte-for-byte so the stream stays in sync; an entirely
// unrecognized record type is the one case where the whole token is
// abandoned, since there is no length to skip it by (§4.3, §9).
func processEnvChg(sess *Session) {
	size := sess.buf.uint16()
	r := &io.LimitedReader{R: sess.buf, N: int64(size)}
	for {
		envtype, err := readByte(r)
		if err == io.EOF {
			return
		}
		if err != nil {
			badStreamPanic(err)
		}
		switch envtype {
		case envTypDatabase:
			if sess.database, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envTypLanguage:
			if sess.language, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envTypCharset:
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envTypPacketSize:
			packetsize, err := readBVarChar(r)
			if err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			n, err := strconvAtoi(packetsize)
			if err != nil {
				badStreamPanicf("invalid packet size value returned from server (%s): %s", packetsize, err.Error())
			}
			sess.buf.ResizeBuffer(n)
			sess.packetSize = n
		case envSortId:
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envSortFlags:
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envSqlCollation:
			collationSize, err := readByte(r)
			if err != nil {
				badStreamPanic(err)
			}
			if collationSize != 5 {
				badStreamPanicf("invalid sql collation size returned from server: %d", collationSize)
			}
			if _, err := io.ReadFull(r, sess.collation[:]); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envTypBeginTran:
			tranid, err := readBVarByte(r)
			if err != nil {
				badStreamPanic(err)
			}
			if len(tranid) != 8 {
				badStreamPanicf("invalid size of transaction identifier: %d", len(tranid))
			}
			sess.tranid = binary.LittleEndian.Uint64(tranid)
			if sess.logFlags&logTransaction != 0 {
				sess.log.Printf("BEGIN TRANSACTION %x", sess.tranid)
			}
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
		case envTypCommitTran, envTypRollbackTran:
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarByte(r); err != nil {
				badStreamPanic(err)
			}
			if sess.logFlags&logTransaction != 0 {
				if envtype == envTypCommitTran {
					sess.log.Printf("COMMIT TRANSACTION %x", sess.tranid)
				} else {
					sess.log.Printf("ROLLBACK TRANSACTION %x", sess.tranid)
				}
			}
			sess.tranid = 0
		case envEnlistDTC, envDefectTran, envPromoteTran, envTranMgrAddr, envTranEnded, envResetConnAck, envStartedInstanceName:
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envDatabaseMirrorPartner:
			if sess.partner, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
			if _, err = readBVarChar(r); err != nil {
				badStreamPanic(err)
			}
		case envRouting:
			if _, err = readUshort(r); err != nil {
				badStreamPanic(err)
			}
			protocol, err := readByte(r)
			if err != nil || protocol != 0 {
				badStreamPanicf("unsupported routing protocol")
			}
			newPort, err := readUshort(r)
			if err != nil {
				badStreamPanic(err)
			}
			newServer, err := readUsVarChar(r)
			if err != nil {
				badStreamPanic(err)
			}
			if _, err = readUshort(r); err != nil { // OLDVALUE, always empty
				badStreamPanic(err)
			}
			sess.routedServer = newServer
			sess.routedPort = newPort
			if sess.logFlags&logDebug != 0 {
				sess.log.Printf("routed to %s:%d", newServer, newPort)
			}
		default:
			sess.log.Printf("WARN: unknown ENVCHANGE record type %d, abandoning token", envtype)
			return
		}
	}
}
