package mssql

import "encoding/binary"

// buildFeatureExtFedAuth and buildFeatureExtColumnEncryption append one
// FEATUREEXTACK-style feature block (id, 4-byte length, data) into the
// LOGIN7 feature extension blob; the caller appends featExtTERMINATOR once
// all requested features have been added (§4.1, §3 FeatureExtAck mirrors
// this same per-feature framing on the response side).
func appendFeatureBlock(buf []byte, id byte, data []byte) []byte {
	buf = append(buf, id)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, data...)
}

// buildFeatureExt assembles the optional LOGIN7 feature extension blob
// requesting column encryption and/or federated authentication support.
func buildFeatureExt(wantColumnEncryption, wantFedAuth bool) []byte {
	if !wantColumnEncryption && !wantFedAuth {
		return nil
	}
	var buf []byte
	if wantColumnEncryption {
		buf = appendFeatureBlock(buf, featExtCOLUMNENCRYPTION, []byte{0x01}) // version 1
	}
	if wantFedAuth {
		buf = appendFeatureBlock(buf, featExtFEDAUTH, []byte{0x02}) // library type: token-based
	}
	buf = append(buf, featExtTERMINATOR)
	return buf
}
