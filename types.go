package mssql

import (
	"math"
	"math/big"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// Wire type IDs, MS-TDS 2.2.5.4.
const (
	typeNull     byte = 0x1f
	typeInt1     byte = 0x30
	typeBit      byte = 0x32
	typeInt2     byte = 0x34
	typeInt4     byte = 0x38
	typeDateTim4 byte = 0x3a
	typeFlt4     byte = 0x3b
	typeMoney    byte = 0x3c
	typeDateTime byte = 0x3d
	typeFlt8     byte = 0x3e
	typeMoney4   byte = 0x7a
	typeInt8     byte = 0x7f

	typeGuid      byte = 0x24
	typeIntN      byte = 0x26
	typeDecimal   byte = 0x37
	typeNumeric   byte = 0x3f
	typeBitN      byte = 0x68
	typeDecimalN  byte = 0x6a
	typeNumericN  byte = 0x6c
	typeFltN      byte = 0x6d
	typeMoneyN    byte = 0x6e
	typeDateTimeN byte = 0x6f
	typeDateN     byte = 0x28
	typeTimeN     byte = 0x29
	typeDateTime2 byte = 0x2a
	typeDateTimeOffset byte = 0x2b

	typeChar     byte = 0x2f
	typeVarChar  byte = 0x27
	typeBinary   byte = 0x2d
	typeVarBinary byte = 0x25

	typeBigVarBin  byte = 0xa5
	typeBigVarChar byte = 0xa7
	typeBigBinary  byte = 0xad
	typeBigChar    byte = 0xaf
	typeNVarChar   byte = 0xe7
	typeNChar      byte = 0xef
	typeXML        byte = 0xf1
	typeUDT        byte = 0xf0

	typeText  byte = 0x23
	typeImage byte = 0x22
	typeNText byte = 0x63
	typeSSVariant byte = 0x62
)

// typeInfo is the tagged union over TDS wire types described in §3's
// ColMetaData. Reader is bound once typeInfo is parsed off the wire so row
// decoding (parseRow/parseNbcRow in token.go) never has to switch on TypeId
// again per value.
type typeInfo struct {
	TypeId   byte
	Size     int
	Scale    uint8
	Prec     uint8
	Collation [5]byte
	UserType uint32
	Flags    uint16
	Buffer   []byte
	Reader   func(ti *typeInfo, r *tdsBuffer, cryptoMeta *cryptoMetadata) interface{}
}

// defaultLOBCap bounds how much of a PLP/LOB value readTypeInfo's readers
// will buffer. The readers pass sessionLOBCap, which is always
// defaultLOBCap; Session.lobCap (from Config.LOBCap) is stored but the
// readers do not consult it.
const defaultLOBCap = 64 * 1024 * 1024

var sessionLOBCap int64 = defaultLOBCap

// readTypeInfo parses the TYPE_INFO portion of a column or parameter
// definition and binds the appropriate Reader (§4.1).
func readTypeInfo(r *tdsBuffer, typeId byte, cryptoMeta *cryptoMetadata) (ti typeInfo) {
	ti.TypeId = typeId
	switch typeId {
	case typeNull:
		ti.Size = 0
		ti.Reader = readerNull
	case typeInt1, typeBit:
		ti.Size = 1
		ti.Reader = readerFixed
	case typeInt2:
		ti.Size = 2
		ti.Reader = readerFixed
	case typeInt4, typeFlt4, typeDateTim4, typeMoney4:
		ti.Size = 4
		ti.Reader = fixedReaderFor(typeId)
	case typeInt8, typeFlt8, typeDateTime, typeMoney:
		ti.Size = 8
		ti.Reader = fixedReaderFor(typeId)

	case typeIntN, typeFltN, typeMoneyN, typeDateTimeN, typeBitN:
		ti.Size = int(r.byte())
		ti.Reader = readerNVariant(typeId)
	case typeGuid:
		ti.Size = int(r.byte())
		ti.Reader = readerGUID

	case typeDecimal, typeNumeric, typeDecimalN, typeNumericN:
		ti.Size = int(r.byte())
		ti.Prec = r.byte()
		ti.Scale = r.byte()
		ti.Reader = readerDecimal

	case typeDateN:
		ti.Size = 3
		ti.Reader = readerDate
	case typeTimeN:
		ti.Scale = r.byte()
		ti.Size = timeSizeForScale(ti.Scale)
		ti.Reader = readerTime
	case typeDateTime2:
		ti.Scale = r.byte()
		ti.Size = timeSizeForScale(ti.Scale) + 3
		ti.Reader = readerDateTime2
	case typeDateTimeOffset:
		ti.Scale = r.byte()
		ti.Size = timeSizeForScale(ti.Scale) + 5
		ti.Reader = readerDateTimeOffset

	case typeChar, typeVarChar, typeBinary, typeVarBinary:
		ti.Size = int(r.byte())
		if typeId == typeChar || typeId == typeVarChar {
			r.ReadFull(ti.Collation[:])
		}
		ti.Reader = readerVarLenLegacy(typeId)

	case typeBigVarChar, typeBigChar, typeBigVarBin, typeBigBinary:
		ti.Size = int(r.uint16())
		if typeId == typeBigVarChar || typeId == typeBigChar {
			r.ReadFull(ti.Collation[:])
		}
		ti.Reader = readerVarLenBig(typeId)

	case typeNVarChar, typeNChar:
		ti.Size = int(r.uint16())
		r.ReadFull(ti.Collation[:])
		if ti.Size == 0xffff {
			ti.Reader = readerPLPString
		} else {
			ti.Reader = readerUnicode
		}

	case typeXML:
		ti.Reader = readerPLPString

	case typeText, typeNText, typeImage:
		ti.Size = int(r.uint32())
		if typeId != typeImage {
			r.ReadFull(ti.Collation[:])
		}
		ti.Reader = readerLegacyLOB(typeId)

	case typeUDT:
		ti.Reader = readerPLPBytes

	default:
		badStreamPanicf("unsupported TDS type id 0x%02x", typeId)
	}
	return ti
}

func timeSizeForScale(scale uint8) int {
	switch {
	case scale <= 2:
		return 3
	case scale <= 4:
		return 4
	default:
		return 5
	}
}

func readerNull(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} { return nil }

func readerFixed(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	buf := make([]byte, ti.Size)
	r.ReadFull(buf)
	return decodeFixed(ti.TypeId, buf)
}

func fixedReaderFor(typeId byte) func(*typeInfo, *tdsBuffer, *cryptoMetadata) interface{} {
	return func(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
		buf := make([]byte, ti.Size)
		r.ReadFull(buf)
		return decodeFixed(typeId, buf)
	}
}

func decodeFixed(typeId byte, buf []byte) interface{} {
	le := func(n int) uint64 {
		var v uint64
		for i := 0; i < n; i++ {
			v |= uint64(buf[i]) << (8 * uint(i))
		}
		return v
	}
	switch typeId {
	case typeInt1:
		return buf[0]
	case typeBit:
		return buf[0] != 0
	case typeInt2:
		return int16(le(2))
	case typeInt4:
		return int32(le(4))
	case typeInt8:
		return int64(le(8))
	case typeFlt4:
		return math.Float32frombits(uint32(le(4)))
	case typeFlt8:
		return math.Float64frombits(le(8))
	case typeDateTim4:
		return decodeSmallDateTime(buf)
	case typeDateTime:
		return decodeDateTime(buf)
	case typeMoney4:
		return decodeMoneyN(buf)
	case typeMoney:
		return decodeMoneyN(buf)
	default:
		return buf
	}
}

func readerNVariant(typeId byte) func(*typeInfo, *tdsBuffer, *cryptoMetadata) interface{} {
	return func(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
		n := int(r.byte())
		if n == 0 {
			return nil
		}
		buf := make([]byte, n)
		r.ReadFull(buf)
		switch typeId {
		case typeBitN:
			return buf[0] != 0
		case typeIntN:
			switch n {
			case 1:
				return buf[0]
			case 2:
				return int16(leUint(buf))
			case 4:
				return int32(leUint(buf))
			case 8:
				return int64(leUint(buf))
			}
		case typeFltN:
			if n == 4 {
				return math.Float32frombits(uint32(leUint(buf)))
			}
			return math.Float64frombits(leUint(buf))
		case typeMoneyN:
			return decodeMoneyN(buf)
		case typeDateTimeN:
			if n == 4 {
				return decodeSmallDateTime(buf)
			}
			return decodeDateTime(buf)
		}
		return buf
	}
}

func leUint(buf []byte) uint64 {
	var v uint64
	for i, b := range buf {
		v |= uint64(b) << (8 * uint(i))
	}
	return v
}

func decodeSmallDateTime(buf []byte) time.Time {
	days := int(leUint(buf[0:2]))
	mins := int(leUint(buf[2:4]))
	return tdsEpoch.AddDate(0, 0, days).Add(time.Duration(mins) * time.Minute)
}

func decodeDateTime(buf []byte) time.Time {
	days := int32(leUint(buf[0:4]))
	ticks := int32(leUint(buf[4:8])) // 1/300th second
	return tdsEpoch.AddDate(0, 0, int(days)).Add(time.Duration(ticks) * time.Second / 300)
}

var tdsEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// decodeMoneyN returns the fixed-point money value scaled by 10000, as a
// decimal.Decimal so callers never lose precision to a float round-trip.
func decodeMoneyN(buf []byte) decimal.Decimal {
	var v int64
	if len(buf) == 4 {
		v = int64(int32(leUint(buf)))
	} else {
		high := int64(int32(leUint(buf[0:4])))
		low := int64(leUint(buf[4:8]))
		v = high<<32 | low
	}
	return decimal.New(v, -4)
}

func readerGUID(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	if ti.Size == 0 {
		return nil
	}
	buf := make([]byte, ti.Size)
	r.ReadFull(buf)
	return decodeGUID(buf)
}

// decodeGUID reorders the mixed-endian GUID wire layout into the
// conventional big-endian byte order used by string formatting.
func decodeGUID(buf []byte) [16]byte {
	var g [16]byte
	if len(buf) != 16 {
		copy(g[:], buf)
		return g
	}
	g[0], g[1], g[2], g[3] = buf[3], buf[2], buf[1], buf[0]
	g[4], g[5] = buf[5], buf[4]
	g[6], g[7] = buf[7], buf[6]
	copy(g[8:], buf[8:16])
	return g
}

func readerDecimal(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.byte())
	if n == 0 {
		return nil
	}
	sign := r.byte()
	buf := make([]byte, n-1)
	r.ReadFull(buf)
	// the mantissa is little-endian on the wire and up to 16 bytes wide
	// (precision 38); big.Int takes big-endian bytes.
	be := make([]byte, len(buf))
	for i, b := range buf {
		be[len(buf)-1-i] = b
	}
	d := decimal.NewFromBigInt(new(big.Int).SetBytes(be), -int32(ti.Scale))
	if sign == 0 {
		d = d.Neg()
	}
	return d
}

func readerDate(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	buf := make([]byte, 3)
	r.ReadFull(buf)
	days := int(leUint(buf))
	t := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	return civil.DateOf(t)
}

func readerTime(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	buf := make([]byte, ti.Size)
	r.ReadFull(buf)
	return civil.TimeOf(timeFromTicks(leUint(buf), ti.Scale))
}

func readerDateTime2(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	timeSize := ti.Size - 3
	timeBuf := make([]byte, timeSize)
	r.ReadFull(timeBuf)
	dateBuf := make([]byte, 3)
	r.ReadFull(dateBuf)
	days := int(leUint(dateBuf))
	d := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	tm := timeFromTicks(leUint(timeBuf), ti.Scale)
	return time.Date(d.Year(), d.Month(), d.Day(), tm.Hour(), tm.Minute(), tm.Second(), tm.Nanosecond(), time.UTC)
}

func readerDateTimeOffset(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	timeSize := ti.Size - 5
	timeBuf := make([]byte, timeSize)
	r.ReadFull(timeBuf)
	dateBuf := make([]byte, 3)
	r.ReadFull(dateBuf)
	offsetBuf := make([]byte, 2)
	r.ReadFull(offsetBuf)
	days := int(leUint(dateBuf))
	offsetMin := int16(leUint(offsetBuf))
	d := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	tm := timeFromTicks(leUint(timeBuf), ti.Scale)
	loc := time.FixedZone("", int(offsetMin)*60)
	return time.Date(d.Year(), d.Month(), d.Day(), tm.Hour(), tm.Minute(), tm.Second(), tm.Nanosecond(), loc)
}

func timeFromTicks(ticks uint64, scale uint8) time.Time {
	scaleDivisor := [8]uint64{10000000, 1000000, 100000, 10000, 1000, 100, 10, 1}
	ns := ticks * scaleDivisor[scale] * 100
	return time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(ns))
}

func readerVarLenLegacy(typeId byte) func(*typeInfo, *tdsBuffer, *cryptoMetadata) interface{} {
	return func(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
		n := int(r.byte())
		return readVarLenBody(typeId, n, r)
	}
}

func readerVarLenBig(typeId byte) func(*typeInfo, *tdsBuffer, *cryptoMetadata) interface{} {
	return func(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
		n := int(r.uint16())
		if n == 0xffff {
			return readPLP(r, sessionLOBCap)
		}
		return readVarLenBody(typeId, n, r)
	}
}

func readVarLenBody(typeId byte, n int, r *tdsBuffer) interface{} {
	if n == 0xff || n < 0 {
		return nil
	}
	if typeId == typeChar || typeId == typeVarChar || typeId == typeBigVarChar || typeId == typeBigChar {
		if n == 0 {
			return ""
		}
	}
	buf := make([]byte, n)
	r.ReadFull(buf)
	switch typeId {
	case typeChar, typeVarChar, typeBigVarChar, typeBigChar:
		return string(buf)
	default:
		return buf
	}
}

func readerUnicode(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	n := int(r.uint16())
	if n == 0xffff {
		return nil
	}
	buf := make([]byte, n)
	r.ReadFull(buf)
	s, err := ucs22str(buf)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

func readerPLPString(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	b := readPLP(r, sessionLOBCap)
	if b == nil {
		return nil
	}
	s, err := ucs22str(b)
	if err != nil {
		badStreamPanic(err)
	}
	return s
}

func readerPLPBytes(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
	return readPLP(r, sessionLOBCap)
}

func readerLegacyLOB(typeId byte) func(*typeInfo, *tdsBuffer, *cryptoMetadata) interface{} {
	return func(ti *typeInfo, r *tdsBuffer, cm *cryptoMetadata) interface{} {
		textPtrLen := int(r.byte())
		if textPtrLen == 0 {
			return nil
		}
		ptr := make([]byte, textPtrLen)
		r.ReadFull(ptr)
		var ts [8]byte
		r.ReadFull(ts[:])
		n := int(r.uint32())
		buf := make([]byte, n)
		r.ReadFull(buf)
		if typeId == typeNText {
			s, err := ucs22str(buf)
			if err != nil {
				badStreamPanic(err)
			}
			return s
		}
		if typeId == typeText {
			return string(buf)
		}
		return buf
	}
}
