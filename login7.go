package mssql

import (
	"encoding/binary"
)

// login7HeaderSize is the fixed portion of a LOGIN7 packet preceding its
// variable-length string table, MS-TDS 2.2.6.4.
const login7HeaderSize = 94

// Login7 OptionFlags1/2/3 and TypeFlags bits actually set by this driver;
// the rest of the bit space is left zero (§4.1).
const (
	lFlag1ByteOrderLittle byte = 0x00
	lFlag1CharASCII       byte = 0x00
	lFlag1DumpLoadOff     byte = 0x10
	lFlag1UseDB           byte = 0x20
	lFlag1InitDBFatal     byte = 0x40

	lFlag2ODBC        byte = 0x02
	lFlag2IntSecurity byte = 0x80

	lFlag3Extension byte = 0x10
)

// loginFields is everything the driver sends in a LOGIN7 request (§4.1). It
// intentionally omits AtchDBFile and SSPI/integrated-auth fields: those are
// left to the AuthProvider boundary (§6) rather than handled inline here.
type loginFields struct {
	TDSVersion    uint32
	PacketSize    uint32
	ClientProgVer uint32
	ClientPID     uint32
	ClientTimeZone int32
	ClientLCID    uint32

	HostName   string
	UserName   string
	Password   string
	AppName    string
	ServerName string
	CtlIntName string
	Language   string
	Database   string

	ReadOnlyIntent bool
	FeatureExt     []byte
}

// obfuscatePassword implements the LOGIN7 password mangling: each byte is
// nibble-swapped then XORed with 0xA5 (§4.1). The transform is not its own
// inverse: demangling XORs with 0xA5 first and then swaps the nibbles.
func obfuscatePassword(s string) []byte {
	raw := str2ucs2(s)
	out := make([]byte, len(raw))
	for i, b := range raw {
		out[i] = ((b << 4) | (b >> 4)) ^ 0xa5
	}
	return out
}

// encodeLogin7 builds the full LOGIN7 payload: fixed header, then the
// string/blob table at the offsets the header declares, byte for byte
// per MS-TDS 2.2.6.4 (§4.1).
func encodeLogin7(f loginFields) []byte {
	type field struct {
		data []byte
	}
	hostName := str2ucs2(f.HostName)
	userName := str2ucs2(f.UserName)
	password := obfuscatePassword(f.Password)
	appName := str2ucs2(f.AppName)
	serverName := str2ucs2(f.ServerName)
	ctlIntName := str2ucs2(f.CtlIntName)
	language := str2ucs2(f.Language)
	database := str2ucs2(f.Database)

	fields := []field{
		{hostName}, {userName}, {password}, {appName}, {serverName},
		{f.FeatureExt}, {ctlIntName}, {language}, {database},
	}

	offset := uint16(login7HeaderSize)
	offsets := make([]uint16, len(fields))
	for i, fl := range fields {
		offsets[i] = offset
		offset += uint16(len(fl.data))
		if i == 5 && len(f.FeatureExt) > 0 {
			offset += 4 // the DWORD pointer written ahead of the FeatureExt bytes themselves
		}
	}

	buf := make([]byte, login7HeaderSize)
	binary.LittleEndian.PutUint32(buf[4:8], f.TDSVersion)
	binary.LittleEndian.PutUint32(buf[8:12], f.PacketSize)
	binary.LittleEndian.PutUint32(buf[12:16], f.ClientProgVer)
	binary.LittleEndian.PutUint32(buf[16:20], f.ClientPID)
	binary.LittleEndian.PutUint32(buf[20:24], 0) // ConnectionID

	optFlags1 := lFlag1DumpLoadOff
	if f.Database != "" {
		optFlags1 |= lFlag1UseDB | lFlag1InitDBFatal
	}
	buf[24] = optFlags1
	optFlags2 := lFlag2ODBC
	buf[25] = optFlags2
	typeFlags := byte(0)
	if f.ReadOnlyIntent {
		typeFlags |= 0x20
	}
	buf[26] = typeFlags
	optFlags3 := byte(0)
	if len(f.FeatureExt) > 0 {
		optFlags3 |= lFlag3Extension
	}
	buf[27] = optFlags3

	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.ClientTimeZone))
	binary.LittleEndian.PutUint32(buf[32:36], f.ClientLCID)

	putField := func(off int, fieldIdx int) {
		binary.LittleEndian.PutUint16(buf[off:off+2], offsets[fieldIdx])
		charLen := len(fields[fieldIdx].data)
		if fieldIdx != 5 { // FeatureExt's length slot carries byte length of the offset DWORD, not a char count
			charLen /= 2
		}
		binary.LittleEndian.PutUint16(buf[off+2:off+4], uint16(charLen))
	}
	putField(36, 0) // HostName
	putField(40, 1) // UserName
	putField(44, 2) // Password
	putField(48, 3) // AppName
	putField(52, 4) // ServerName

	// Extension: offset field (56:60) is itself a DWORD pointing at the
	// feature-extension block; the four-byte pointer is prefixed to the
	// FeatureExt blob itself per MS-TDS 2.2.6.4.
	if len(f.FeatureExt) > 0 {
		binary.LittleEndian.PutUint16(buf[56:58], offsets[5])
		binary.LittleEndian.PutUint16(buf[58:60], 4)
	}
	putField(60, 6) // CtlIntName
	putField(64, 7) // Language
	putField(68, 8) // Database

	// ClientID (72:78) left zero; SSPI (78:82), AtchDBFile (82:86),
	// ChangePassword (86:90) left zero — not used by this driver.
	binary.LittleEndian.PutUint32(buf[90:94], 0) // SSPILongLength

	out := make([]byte, 0, login7HeaderSize+len(hostName)+len(userName)+len(password)+len(appName)+len(serverName)+len(f.FeatureExt)+4+len(ctlIntName)+len(language)+len(database))
	out = append(out, buf...)
	out = append(out, hostName...)
	out = append(out, userName...)
	out = append(out, password...)
	out = append(out, appName...)
	out = append(out, serverName...)
	if len(f.FeatureExt) > 0 {
		ptr := u32le(uint32(offsets[5]) + 4)
		out = append(out, ptr...)
		out = append(out, f.FeatureExt...)
	}
	out = append(out, ctlIntName...)
	out = append(out, language...)
	out = append(out, database...)

	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
