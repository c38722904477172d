package mssql

// ColumnMetadata describes one column of a result set, decoded from a
// ColMetaData token entry (§3). TableName is only populated for the
// legacy TEXT/NTEXT/IMAGE types, which carry it inline.
type ColumnMetadata struct {
	ColName   string
	TableName string
	UserType  uint32
	Flags     uint16
	ti        typeInfo

	cryptoMeta *cryptoMetadata
}

// Nullable reports whether COL_FLAG_NULLABLE is set for this column.
func (c ColumnMetadata) Nullable() bool { return c.Flags&colFlagNullable != 0 }

// isEncrypted reports COL_FLAG_ENCRYPTED, signalling the column's wire
// value needs Always Encrypted decryption before its declared type applies.
func (c ColumnMetadata) isEncrypted() bool { return c.Flags&colFlagEncrypted != 0 }

const (
	colFlagNullable  uint16 = 0x0001
	colFlagEncrypted uint16 = 0x0800
)

// cekTableEntry is one column-encryption-key table row from a ColMetaData
// stream that carries Always Encrypted metadata.
type cekTableEntry struct {
	databaseID int
	keyId      int
	keyVersion int
	mdVersion  []byte
	cekValues  []encryptionKeyInfo
}

type encryptionKeyInfo struct {
	encryptedKey  []byte
	databaseID    int
	cekID         int
	cekVersion    int
	cekMdVersion  []byte
	keyPath       string
	keyStoreName  string
	algorithmName string
}

type cekTable struct {
	entries []cekTableEntry
}

func newCekTable(size uint16) cekTable {
	return cekTable{entries: make([]cekTableEntry, size)}
}

// readCEKTable parses the CEK table that precedes per-column crypto
// metadata when the session negotiated column encryption (§3, FeatureExtAck
// COLUMNENCRYPTION).
func readCEKTable(r *tdsBuffer) *cekTable {
	count := r.uint16()
	if count == 0 {
		return nil
	}
	t := newCekTable(count)
	for i := range t.entries {
		t.entries[i] = readCekTableEntry(r)
	}
	return &t
}

func readCekTableEntry(r *tdsBuffer) cekTableEntry {
	databaseID := int(r.int32())
	cekID := int(r.int32())
	cekVersion := int(r.int32())
	mdVersion := make([]byte, 8)
	r.ReadFull(mdVersion)

	valueCount := int(r.byte())
	values := make([]encryptionKeyInfo, valueCount)
	for i := range values {
		encLen := r.uint16()
		encKey := make([]byte, encLen)
		r.ReadFull(encKey)

		storeLen := int(r.byte())
		storeBuf := make([]byte, storeLen*2)
		r.ReadFull(storeBuf)
		storeName, _ := ucs22str(storeBuf)

		pathLen := int(r.uint16())
		pathBuf := make([]byte, pathLen*2)
		r.ReadFull(pathBuf)
		keyPath, _ := ucs22str(pathBuf)

		algLen := int(r.byte())
		algBuf := make([]byte, algLen*2)
		r.ReadFull(algBuf)
		algName, _ := ucs22str(algBuf)

		values[i] = encryptionKeyInfo{
			encryptedKey:  encKey,
			databaseID:    databaseID,
			cekID:         cekID,
			cekVersion:    cekVersion,
			cekMdVersion:  mdVersion,
			keyPath:       keyPath,
			keyStoreName:  storeName,
			algorithmName: algName,
		}
	}
	return cekTableEntry{
		databaseID: databaseID,
		keyId:      cekID,
		keyVersion: cekVersion,
		mdVersion:  mdVersion,
		cekValues:  values,
	}
}

// cryptoMetadata is the per-column/per-parameter CryptoMetadata structure
// (§3, §4.1) identifying which CEK table entry, algorithm, and declared
// type applies once a value is decrypted.
type cryptoMetadata struct {
	entry         *cekTableEntry
	ordinal       uint16
	algorithmId   byte
	algorithmName *string
	encType       byte
	normRuleVer   byte
	typeInfo      typeInfo
}

const cipherAlgCustom = 0x00

func parseCryptoMetadata(r *tdsBuffer, table *cekTable) cryptoMetadata {
	ordinal := uint16(0)
	if table != nil {
		ordinal = r.uint16()
	}

	base := struct {
		UserType uint32
		Flags    uint16
		TypeId   byte
	}{r.uint32(), 0, 0}
	base.TypeId = r.byte()

	ti := readTypeInfo(r, base.TypeId, nil)
	ti.UserType = base.UserType

	algorithmId := r.byte()
	var algName *string
	if algorithmId == cipherAlgCustom {
		n := int(r.byte())
		buf := make([]byte, n*2)
		r.ReadFull(buf)
		s, _ := ucs22str(buf)
		algName = &s
	}

	encType := r.byte()
	normRuleVer := r.byte()

	var entry *cekTableEntry
	if table != nil {
		if int(ordinal) >= len(table.entries) {
			badStreamPanicf("invalid CEK ordinal %d (table has %d entries)", ordinal, len(table.entries))
		}
		entry = &table.entries[ordinal]
	}

	return cryptoMetadata{
		entry:         entry,
		ordinal:       ordinal,
		algorithmId:   algorithmId,
		algorithmName: algName,
		encType:       encType,
		normRuleVer:   normRuleVer,
		typeInfo:      ti,
	}
}
