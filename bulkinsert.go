package mssql

import (
	"context"
	"encoding/binary"
	"fmt"
)

// BulkColumn names one destination column for a BulkInsert and carries a
// sample value used to infer its wire TYPE_INFO (§4.4 "BulkInsert"); every
// row supplied to BulkInsert must match this column order.
type BulkColumn struct {
	Name    string
	Sample  interface{}
	typeBuf []byte
	valBuf  func(interface{}) []byte
}

// BulkInsert streams rows to the server as a PacketBulkLoad message: a
// COLMETADATA token, one ROW token per row, and a terminating DONE token,
// entirely client-buffered per the LOB-cap non-goal (§2 Non-goals, §4.4).
// It is the mirror image of token.go's decode-side ColMetaData/Row parsing,
// run in reverse. MS-TDS requires the bulk-load stream to be preceded by an
// ordinary SQLBatch "insert bulk" statement naming the target table and its
// column types, acknowledged before any PacketBulkLoad bytes are valid; that
// round-trip runs first and its response is fully drained before the actual
// COLMETADATA/ROW/DONE stream goes out.
func (e *Executor) BulkInsert(ctx context.Context, table string, cols []BulkColumn, rows [][]interface{}) (int64, error) {
	for _, row := range rows {
		if len(row) != len(cols) {
			return 0, configError("bulk insert row has %d values, expected %d", len(row), len(cols))
		}
	}
	if err := e.begin("BulkInsert"); err != nil {
		return 0, err
	}
	for i := range cols {
		typeBuf, valFn := bulkTypeInfoAndEncoder(cols[i].Sample)
		cols[i].typeBuf = typeBuf
		cols[i].valBuf = valFn
	}

	initStmt := buildInsertBulkStatement(table, cols)
	if err := e.send(ctx, packSQLBatch, encodeSQLBatch(e.sess, initStmt)); err != nil {
		return 0, err
	}
	e.setState(stateDraining)
	if err := e.proc.iterateResponse(); err != nil {
		e.setState(stateDone)
		return 0, err
	}

	payload := encodeBulkColMetadata(cols)
	for _, row := range rows {
		payload = append(payload, encodeBulkRow(cols, row)...)
	}
	payload = append(payload, encodeBulkDone(int64(len(rows)))...)

	if err := e.send(ctx, packBulkLoad, payload); err != nil {
		return 0, err
	}
	return e.drain(ctx)
}

// buildInsertBulkStatement renders the "insert bulk" statement that must
// precede a PacketBulkLoad stream, naming the target table and each
// column's SQL type so the server can validate the COLMETADATA that follows.
func buildInsertBulkStatement(table string, cols []BulkColumn) string {
	stmt := "insert bulk " + table + " ("
	for i, c := range cols {
		if i > 0 {
			stmt += ", "
		}
		stmt += quoteIdentifier(c.Name) + " " + sqlTypeNameFor(c.Sample)
	}
	return stmt + ")"
}

func quoteIdentifier(name string) string {
	return "[" + name + "]"
}

func encodeBulkColMetadata(cols []BulkColumn) []byte {
	out := []byte{byte(tokenColMetadata)}
	var countBuf [2]byte
	binary.LittleEndian.PutUint16(countBuf[:], uint16(len(cols)))
	out = append(out, countBuf[:]...)

	for _, c := range cols {
		out = append(out, 0, 0, 0, 0) // UserType
		out = append(out, 0, 0)       // Flags
		out = append(out, c.typeBuf...)
		name := str2ucs2(c.Name)
		out = append(out, byte(len(name)/2)) // length in UCS-2 code units, matching the bytes just written
		out = append(out, name...)
	}
	return out
}

func encodeBulkRow(cols []BulkColumn, row []interface{}) []byte {
	out := []byte{byte(tokenRow)}
	for i, v := range row {
		out = append(out, cols[i].valBuf(v)...)
	}
	return out
}

func encodeBulkDone(rowCount int64) []byte {
	out := []byte{byte(tokenDone)}
	var statusBuf, curCmdBuf [2]byte
	binary.LittleEndian.PutUint16(statusBuf[:], doneFinal|doneCount)
	out = append(out, statusBuf[:]...)
	out = append(out, curCmdBuf[:]...)
	var countBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(rowCount))
	return append(out, countBuf[:]...)
}

// bulkTypeInfoAndEncoder infers a column TYPE_INFO and a matching
// per-row value encoder from a Go sample value, sharing rpc.go's type
// mapping but split into the two halves BulkInsert's wire shape needs
// (one TYPE_INFO in COLMETADATA, one value per ROW).
func bulkTypeInfoAndEncoder(sample interface{}) ([]byte, func(interface{}) []byte) {
	switch sample.(type) {
	case bool:
		return []byte{typeBitN, 1}, func(v interface{}) []byte {
			b := byte(0)
			if bv, ok := v.(bool); ok && bv {
				b = 1
			}
			return []byte{1, b}
		}
	case int8, int16, int32, int64, int:
		return []byte{typeIntN, 8}, func(v interface{}) []byte {
			buf := make([]byte, 9)
			buf[0] = 8
			binary.LittleEndian.PutUint64(buf[1:], uint64(toInt64(v)))
			return buf
		}
	case float32, float64:
		return []byte{typeFltN, 8}, func(v interface{}) []byte {
			buf := encodeFloatN(toFloat64(v))
			return buf[2:] // strip the 2-byte TYPE_INFO already emitted in COLMETADATA
		}
	case []byte:
		return []byte{typeBigVarBin, 0xff, 0xff}, func(v interface{}) []byte {
			b, _ := v.([]byte)
			var lenBuf [2]byte
			binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
			return append(lenBuf[:], b...)
		}
	default:
		return []byte{typeNVarChar, 0xff, 0xff, 0, 0, 0, 0, 0}, func(v interface{}) []byte {
			s := fmt.Sprintf("%v", v)
			data := str2ucs2(s)
			var lenBuf [2]byte
			binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(data)))
			return append(lenBuf[:], data...)
		}
	}
}
