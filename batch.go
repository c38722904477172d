package mssql

import "encoding/binary"

// writeAllHeaders emits the ALL_HEADERS block every SQLBatch/RPCRequest
// message is prefixed with: a total-length DWORD followed by zero or more
// headers. This driver only ever sends the transaction-descriptor header
// (so the server can associate the request with an open transaction), per
// MS-TDS 2.2.6.7, grounded on the ALL_HEADERS framing referenced by the
// pack's rpc_test.go.
func writeAllHeaders(tranDescriptor uint64, outstandingRequests uint32) []byte {
	const headerType = 2 // transaction descriptor
	headerLen := uint32(4 + 2 + 8 + 4)
	totalLen := uint32(4) + headerLen

	buf := make([]byte, totalLen)
	binary.LittleEndian.PutUint32(buf[0:4], totalLen)
	binary.LittleEndian.PutUint32(buf[4:8], headerLen)
	binary.LittleEndian.PutUint16(buf[8:10], headerType)
	binary.LittleEndian.PutUint64(buf[10:18], tranDescriptor)
	binary.LittleEndian.PutUint32(buf[18:22], outstandingRequests)
	return buf
}

// encodeSQLBatch builds the payload of a SQLBatch request (§4.1): an
// ALL_HEADERS block followed by the UCS-2 SQL text, no further framing.
func encodeSQLBatch(sess *Session, sql string) []byte {
	out := writeAllHeaders(sess.tranid, 1)
	return append(out, str2ucs2(sql)...)
}
