package mssql

// plpUnknownLen is the sentinel total-length value meaning the server did
// not (or could not) advertise the object's total size up front (§4.1 PLP).
const plpUnknownLen = 0xfffffffffffffffe

// plpNullLen is the sentinel meaning the PLP value itself is NULL.
const plpNullLen = 0xffffffffffffffff

// readPLP reads a partially-length-prefixed value: a uint64 total length
// (or plpUnknownLen), followed by uint32-length chunks terminated by a
// zero-length chunk. Returns nil for a NULL value. The driver buffers the
// whole object up to lobCap bytes (the readers in types.go pass
// sessionLOBCap, which is always defaultLOBCap), which
// is the spec's explicit non-goal boundary around true network streaming
// of large objects.
func readPLP(r *tdsBuffer, lobCap int64) []byte {
	total := r.uint64()
	if total == plpNullLen {
		return nil
	}

	var buf []byte
	if total != plpUnknownLen && total < uint64(lobCap) {
		buf = make([]byte, 0, total)
	}
	for {
		chunkLen := r.uint32()
		if chunkLen == 0 {
			break
		}
		if int64(len(buf))+int64(chunkLen) > lobCap {
			badStreamPanicf("PLP value exceeds configured cap of %d bytes", lobCap)
		}
		chunk := make([]byte, chunkLen)
		r.ReadFull(chunk)
		buf = append(buf, chunk...)
	}
	if buf == nil {
		buf = []byte{}
	}
	return buf
}

// writePLP encodes data as a single-chunk PLP value followed by the
// terminating zero-length chunk. No encoder in this package calls it.
func writePLP(w interface{ Write([]byte) (int, error) }, data []byte) {
	var totalBuf [8]byte
	putUint64(totalBuf[:], uint64(len(data)))
	w.Write(totalBuf[:])
	if len(data) > 0 {
		var lenBuf [4]byte
		putUint32(lenBuf[:], uint32(len(data)))
		w.Write(lenBuf[:])
		w.Write(data)
	}
	var term [4]byte
	w.Write(term[:])
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

func putUint32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}
