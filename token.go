package mssql

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/wang-xuemin/go-tds/internal/aeutil"
)

// token is the single type byte that opens every record in a TDS response
// message (§3 "Token").
type token byte

const (
	tokenReturnStatus  token = 121
	tokenColMetadata   token = 129
	tokenOrder         token = 169
	tokenError         token = 170
	tokenInfo          token = 171
	tokenReturnValue   token = 0xac
	tokenLoginAck      token = 173
	tokenFeatureExtAck token = 174
	tokenRow           token = 209
	tokenNbcRow        token = 210
	tokenEnvChange     token = 227
	tokenSSPI          token = 237
	tokenFedAuthInfo   token = 238
	tokenDone          token = 253
	tokenDoneProc      token = 254
	tokenDoneInProc    token = 255
)

// DONE status flags, §3.
const (
	doneFinal    = 0
	doneMore     = 1
	doneError    = 2
	doneInxact   = 4
	doneCount    = 0x10
	doneAttn     = 0x20
	doneSrvError = 0x100
)

const (
	fedAuthInfoSTSURL = 0x01
	fedAuthInfoSPN    = 0x02
)

const (
	featExtTERMINATOR       = 0xff
	featExtFEDAUTH          = 0x02
	featExtCOLUMNENCRYPTION = 0x04
)

// Token is the interface satisfied by every decoded wire token; most
// concrete tokens are plain structs and satisfy it trivially (§3).
type Token interface{}

type orderStruct struct {
	ColIds []uint16
}

// doneStruct is shared by DONE and DONEPROC; doneInProcStruct mirrors the
// same wire layout under DONEINPROC (§3, §4.4 state machine).
type doneStruct struct {
	Status   uint16
	CurCmd   uint16
	RowCount uint64
	errors   []Error
}

func (d doneStruct) isError() bool {
	return d.Status&doneError != 0 || len(d.errors) > 0
}

func (d doneStruct) getError() Error {
	if len(d.errors) > 0 {
		return d.errors[len(d.errors)-1]
	}
	return Error{Message: "request failed but server did not report a reason"}
}

func (d doneStruct) hasMore() bool { return d.Status&doneMore != 0 }

type doneInProcStruct doneStruct

// parseReturnStatus decodes a ReturnStatus token (§3).
func parseReturnStatus(r *tdsBuffer) ReturnStatus {
	return ReturnStatus(r.int32())
}

func parseOrder(r *tdsBuffer) (res orderStruct) {
	n := int(r.uint16())
	res.ColIds = make([]uint16, n/2)
	for i := range res.ColIds {
		res.ColIds[i] = r.uint16()
	}
	return res
}

func parseDone(r *tdsBuffer) (res doneStruct) {
	res.Status = r.uint16()
	res.CurCmd = r.uint16()
	res.RowCount = r.uint64()
	return res
}

func parseDoneInProc(r *tdsBuffer) (res doneInProcStruct) {
	res.Status = r.uint16()
	res.CurCmd = r.uint16()
	res.RowCount = r.uint64()
	return res
}

type sspiMsg []byte

func parseSSPIMsg(r *tdsBuffer) sspiMsg {
	n := r.uint16()
	buf := make([]byte, n)
	r.ReadFull(buf)
	return sspiMsg(buf)
}

type fedAuthInfoStruct struct {
	STSURL    string
	ServerSPN string
}

type fedAuthInfoOpt struct {
	id                     byte
	dataLength, dataOffset uint32
}

func parseFedAuthInfo(r *tdsBuffer) fedAuthInfoStruct {
	size := r.uint32()
	count := r.uint32()
	offset := uint32(4)
	opts := make([]fedAuthInfoOpt, count)
	for i := range opts {
		id := r.byte()
		length := r.uint32()
		off := r.uint32()
		offset += 1 + 4 + 4
		opts[i] = fedAuthInfoOpt{id: id, dataLength: length, dataOffset: off}
	}

	if size < offset {
		badStreamPanicf("fed auth info size %d shorter than its option table %d", size, offset)
	}
	data := make([]byte, size-offset)
	r.ReadFull(data)

	var out fedAuthInfoStruct
	for _, o := range opts {
		if o.dataOffset < offset || o.dataOffset+o.dataLength > size {
			badStreamPanicf("fed auth info opt out of bounds")
		}
		slice := data[o.dataOffset-offset : o.dataOffset-offset+o.dataLength]
		var err error
		switch o.id {
		case fedAuthInfoSTSURL:
			out.STSURL, err = ucs22str(slice)
		case fedAuthInfoSPN:
			out.ServerSPN, err = ucs22str(slice)
		default:
			err = fmt.Errorf("unexpected fed auth info opt id %d", o.id)
		}
		if err != nil {
			badStreamPanic(err)
		}
	}
	return out
}

type loginAckStruct struct {
	Interface  uint8
	TDSVersion uint32
	ProgName   string
	ProgVer    uint32
}

func parseLoginAck(r *tdsBuffer) loginAckStruct {
	size := r.uint16()
	buf := make([]byte, size)
	r.ReadFull(buf)
	var res loginAckStruct
	res.Interface = buf[0]
	res.TDSVersion = binary.BigEndian.Uint32(buf[1:])
	nameLen := buf[5]
	name, err := ucs22str(buf[6 : 6+int(nameLen)*2])
	if err != nil {
		badStreamPanic(err)
	}
	res.ProgName = name
	res.ProgVer = binary.BigEndian.Uint32(buf[size-4:])
	return res
}

type fedAuthAckStruct struct {
	Nonce     []byte
	Signature []byte
}

type colAckStruct struct {
	Version int
}

type featureExtAck map[byte]interface{}

func parseFeatureExtAck(r *tdsBuffer) featureExtAck {
	ack := featureExtAck{}
	for feature := r.byte(); feature != featExtTERMINATOR; feature = r.byte() {
		length := r.uint32()
		switch feature {
		case featExtFEDAUTH:
			fa := fedAuthAckStruct{}
			if length >= 32 {
				fa.Nonce = make([]byte, 32)
				r.ReadFull(fa.Nonce)
				length -= 32
			}
			if length >= 32 {
				fa.Signature = make([]byte, 32)
				r.ReadFull(fa.Signature)
				length -= 32
			}
			ack[feature] = fa
		case featExtCOLUMNENCRYPTION:
			ca := colAckStruct{}
			ca.Version = int(r.byte())
			length--
			if length > 0 {
				enclaveLen := r.byte()
				skip := make([]byte, enclaveLen)
				r.ReadFull(skip)
				length -= uint32(enclaveLen)
			}
			ack[feature] = ca
		}
		for ; length > 0; length-- {
			r.byte()
		}
	}
	return ack
}

// parseColMetadata72 decodes a ColMetaData token (§3, §4.1).
func parseColMetadata72(r *tdsBuffer, s *Session) []ColumnMetadata {
	count := r.uint16()
	if count == 0xffff {
		return nil
	}
	columns := make([]ColumnMetadata, count)

	var table *cekTable
	if s.alwaysEncrypted {
		table = readCEKTable(r)
		if s.alwaysEncryptedSettings == nil {
			badStreamPanicf("always encrypted column metadata received but no keystore settings configured")
		}
	}

	for i := range columns {
		column := &columns[i]
		base := getBaseTypeInfo(r, true)
		ti := readTypeInfo(r, base.TypeId, nil)
		ti.UserType = base.UserType
		ti.Flags = base.Flags
		ti.TypeId = base.TypeId

		if base.TypeId == typeText || base.TypeId == typeNText || base.TypeId == typeImage {
			column.TableName = r.sqlIdentifier()
		}

		column.Flags = base.Flags
		column.UserType = base.UserType
		column.ti = ti

		if column.isEncrypted() && s.alwaysEncrypted {
			cm := parseCryptoMetadata(r, table)
			cm.typeInfo.Flags = base.Flags
			column.cryptoMeta = &cm
		}

		column.ColName = r.BVarChar()
	}
	return columns
}

func getBaseTypeInfo(r *tdsBuffer, parseFlags bool) typeInfo {
	userType := r.uint32()
	var flags uint16
	if parseFlags {
		flags = r.uint16()
	}
	return typeInfo{UserType: userType, Flags: flags, TypeId: r.byte()}
}

// parseRow decodes a ROW token using the most recently observed ColMetaData
// (§3, §4.4 NBCROW decoding note, invariant 2).
func parseRow(r *tdsBuffer, s *Session, columns []ColumnMetadata, row []interface{}) {
	for i, column := range columns {
		v := column.ti.Reader(&column.ti, r, nil)
		if v == nil {
			row[i] = v
			continue
		}
		if column.isEncrypted() && s.alwaysEncrypted {
			row[i] = decryptColumnValue(s, column, v)
		} else {
			row[i] = v
		}
	}
}

// parseNbcRow decodes an NBCROW token: a ceil(columnCount/8)-byte null
// bitmap precedes the values, and a set bit means the column consumes no
// bytes at all (§4.4 NBCROW decoding).
func parseNbcRow(r *tdsBuffer, s *Session, columns []ColumnMetadata, row []interface{}) {
	bitlen := (len(columns) + 7) / 8
	pres := make([]byte, bitlen)
	r.ReadFull(pres)
	for i, column := range columns {
		if pres[i/8]&(1<<(uint(i)%8)) != 0 {
			row[i] = nil
			continue
		}
		v := column.ti.Reader(&column.ti, r, nil)
		if v == nil {
			row[i] = v
			continue
		}
		if column.isEncrypted() && s.alwaysEncrypted {
			row[i] = decryptColumnValue(s, column, v)
		} else {
			row[i] = v
		}
	}
}

// decryptColumnValue unwraps an Always Encrypted value and re-parses it
// with the column's declared post-decryption typeInfo.
func decryptColumnValue(s *Session, column ColumnMetadata, ciphertext interface{}) interface{} {
	raw, ok := ciphertext.([]byte)
	if !ok {
		badStreamPanicf("encrypted column %q did not decode as raw bytes", column.ColName)
	}
	cm := column.cryptoMeta
	keyInfo := cm.entry.cekValues[cm.ordinal]
	plain, err := aeutil.Decrypt(s.alwaysEncryptedSettings, cm.entry.keyVersion, cm.encType, keyInfo.encryptedKey, raw)
	if err != nil {
		badStreamPanic(err)
	}
	pr := newTdsBuffer(roBuffer{plain}, len(plain)+headerSize)
	pr.rbuf = plain
	pr.rsize = len(plain)
	return cm.typeInfo.Reader(&cm.typeInfo, pr, cm)
}

// roBuffer adapts an in-memory byte slice to io.ReadWriteCloser so a
// decrypted value can be replayed through the ordinary typeInfo.Reader
// machinery without a second code path.
type roBuffer struct{ b []byte }

func (roBuffer) Read([]byte) (int, error)  { return 0, io.EOF }
func (roBuffer) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }
func (roBuffer) Close() error              { return nil }

// parseError72 and parseInfo share wire layout: both are ERROR/INFO records
// (§3, §7).
func parseError72(r *tdsBuffer) (res Error) {
	_ = r.uint16() // length
	res.Number = r.int32()
	res.State = r.byte()
	res.Class = r.byte()
	res.Message = r.UsVarChar()
	res.ServerName = r.BVarChar()
	res.ProcName = r.BVarChar()
	res.LineNo = r.int32()
	return
}

func parseInfo(r *tdsBuffer) (res Error) {
	_ = r.uint16()
	res.Number = r.int32()
	res.State = r.byte()
	res.Class = r.byte()
	res.Message = r.UsVarChar()
	res.ServerName = r.BVarChar()
	res.ProcName = r.BVarChar()
	res.LineNo = r.int32()
	return
}

// returnValue is a RETURN_VALUE token's decoded (name, value) pair (§3).
type returnValue struct {
	Name  string
	Value interface{}
}

func parseReturnValue(r *tdsBuffer, s *Session) (rv returnValue) {
	_ = r.uint16() // ParamOrdinal
	rv.Name = r.BVarChar()
	_ = r.byte() // Status

	base := getBaseTypeInfo(r, true)
	var cm *cryptoMetadata
	if s.alwaysEncrypted {
		c := parseCryptoMetadata(r, nil)
		cm = &c
	}
	ti := readTypeInfo(r, base.TypeId, cm)
	rv.Value = ti.Reader(&ti, r, cm)
	return rv
}

// processSingleResponse pumps one response message's tokens onto ch,
// updating sess as EnvChange/ColMetaData tokens are seen (§4.4). It runs on
// its own goroutine per in-flight request so nextToken can race it against
// context cancellation.
func processSingleResponse(sess *Session, ch chan Token, returnValues chan<- returnValue) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok {
				ch <- err
			} else {
				ch <- fmt.Errorf("panic processing tds response: %v", r)
			}
		}
		close(ch)
	}()

	pktType, err := sess.buf.BeginRead()
	if err != nil {
		ch <- err
		return
	}
	if pktType != packReply {
		badStreamPanicf("unexpected packet type in reply: got %v, expected %v", pktType, packReply)
	}

	var columns []ColumnMetadata
	errs := make([]Error, 0, 4)
	for {
		tok := token(sess.buf.byte())
		if sess.logFlags&logDebug != 0 {
			sess.log.Printf("got token %v", tok)
		}
		switch tok {
		case tokenSSPI:
			ch <- parseSSPIMsg(sess.buf)
			return
		case tokenFedAuthInfo:
			ch <- parseFedAuthInfo(sess.buf)
			return
		case tokenReturnStatus:
			ch <- parseReturnStatus(sess.buf)
		case tokenLoginAck:
			ch <- parseLoginAck(sess.buf)
		case tokenFeatureExtAck:
			ch <- parseFeatureExtAck(sess.buf)
		case tokenOrder:
			ch <- parseOrder(sess.buf)
		case tokenDoneInProc:
			d := parseDoneInProc(sess.buf)
			if sess.logFlags&logRows != 0 && d.Status&doneCount != 0 {
				sess.log.Printf("(%d row(s) affected)", d.RowCount)
			}
			ch <- d
		case tokenDone, tokenDoneProc:
			d := parseDone(sess.buf)
			d.errors = errs
			if d.Status&doneSrvError != 0 {
				ch <- fmt.Errorf("sql server reported an internal error")
				return
			}
			if sess.logFlags&logRows != 0 && d.Status&doneCount != 0 {
				sess.log.Printf("(%d row(s) affected)", d.RowCount)
			}
			ch <- d
			if !d.hasMore() {
				return
			}
		case tokenColMetadata:
			columns = parseColMetadata72(sess.buf, sess)
			sess.columns = columns
			ch <- columns
		case tokenRow:
			row := make([]interface{}, len(columns))
			parseRow(sess.buf, sess, columns, row)
			ch <- row
		case tokenNbcRow:
			row := make([]interface{}, len(columns))
			parseNbcRow(sess.buf, sess, columns, row)
			ch <- row
		case tokenEnvChange:
			processEnvChg(sess)
		case tokenError:
			e := parseError72(sess.buf)
			errs = append(errs, e)
			if sess.logFlags&logErrors != 0 {
				sess.log.Printf("ERROR %d: %s", e.Number, e.Message)
			}
		case tokenInfo:
			info := parseInfo(sess.buf)
			if sess.logFlags&logMessages != 0 {
				sess.log.Printf("INFO %d: %s", info.Number, info.Message)
			}
		case tokenReturnValue:
			rv := parseReturnValue(sess.buf, sess)
			if returnValues != nil {
				returnValues <- rv
			}
		default:
			badStreamPanicf("unknown token type 0x%02x", byte(tok))
		}
	}
}

// tokenProcessor drives the §4.4 per-request state machine over a single
// response's token channel, racing normal consumption against context
// cancellation (§5). notify, when set, is called with the requestState a
// just-classified token implies, so any caller pulling tokens through
// nextToken — Executor.drain's iterateResponse loop or Rows reading
// directly — keeps the owning Executor's state machine accurate without
// duplicating the classification logic itself (§4.4, §4.5).
type tokenProcessor struct {
	tokChan      chan Token
	returnValues chan returnValue
	ctx          context.Context
	sess         *Session
	notify       func(requestState)
	lastRow      []interface{}
	rowCount     int64
	firstError   error
}

func startReading(ctx context.Context, sess *Session) *tokenProcessor {
	tokChan := make(chan Token, 8)
	rvChan := make(chan returnValue, 4)
	go processSingleResponse(sess, tokChan, rvChan)
	return &tokenProcessor{tokChan: tokChan, returnValues: rvChan, ctx: ctx, sess: sess}
}

func (t *tokenProcessor) notifyState(s requestState) {
	if t.notify != nil {
		t.notify(s)
	}
}

// observeState maps a just-received token to the requestState it implies
// and notifies the owning Executor, if any. A terminal doneStruct (no
// doneMore bit) ends the whole response, so it notifies Done directly
// rather than Draining: processSingleResponse closes tokChan right behind
// it without sending anything else, and a caller reading tokens directly
// (Rows.Next) stops pulling as soon as it sees that token, so Done has to
// land here rather than waiting on the channel-close notification in
// nextToken that such a caller would never observe.
func (t *tokenProcessor) observeState(tok Token) {
	switch v := tok.(type) {
	case []ColumnMetadata:
		t.notifyState(stateProcessingMetadata)
	case []interface{}, Row:
		t.notifyState(stateStreamingRows)
	case doneInProcStruct:
		t.notifyState(stateDraining)
	case doneStruct:
		if v.hasMore() {
			t.notifyState(stateDraining)
		} else {
			t.notifyState(stateDone)
		}
	}
}

func (t *tokenProcessor) iterateResponse() error {
	for {
		tok, err := t.nextToken()
		if err != nil {
			return err
		}
		if tok == nil {
			return t.firstError
		}
		switch v := tok.(type) {
		case []ColumnMetadata:
			t.sess.columns = v
		case []interface{}:
			t.lastRow = v
		case doneInProcStruct:
			if v.Status&doneCount != 0 {
				t.rowCount += int64(v.RowCount)
			}
		case doneStruct:
			if v.Status&doneCount != 0 {
				t.rowCount += int64(v.RowCount)
			}
			if v.isError() && t.firstError == nil {
				e := v.getError()
				t.firstError = e
				if e.Fatal() {
					t.sess.poison(e)
				}
			}
		case ReturnStatus:
			t.sess.setReturnStatus(v)
		}
	}
}

func (t *tokenProcessor) nextToken() (Token, error) {
	select {
	case tok, ok := <-t.tokChan:
		if !ok {
			t.notifyState(stateDone)
			return nil, nil
		}
		if err, isErr := tok.(error); isErr {
			t.notifyState(stateDone)
			return nil, err
		}
		t.observeState(tok)
		return tok, nil
	default:
	}

	select {
	case tok, ok := <-t.tokChan:
		if !ok {
			t.notifyState(stateDone)
			return nil, nil
		}
		if err, isErr := tok.(error); isErr {
			t.notifyState(stateDone)
			return nil, err
		}
		t.observeState(tok)
		return tok, nil
	case <-t.ctx.Done():
		return t.handleCancellation()
	}
}

// handleCancellation sends an out-of-band Attention and waits for the
// server's confirmation, whether the context was cancelled by the caller's
// own deadline or by Executor.Cancel invoking the cancelFunc send derived
// (§4.4 invariant 4, §5). Both routes land here because there is only ever
// one goroutine reading a given response at a time, so there is no risk of
// two readers racing the same tokChan.
func (t *tokenProcessor) handleCancellation() (Token, error) {
	t.sess.setAttentionPending(true)
	defer t.sess.setAttentionPending(false)
	t.notifyState(stateDraining)

	if err := sendAttention(t.sess.buf); err != nil {
		t.sess.poison(err)
		t.notifyState(statePoisoned)
		return nil, err
	}
	if readCancelConfirmation(t.tokChan) {
		t.notifyState(stateDone)
		return nil, CancelledError{}
	}
	// The confirmation may not have been in the response already in
	// flight; read one more response, it must be there.
	t.tokChan = make(chan Token, 8)
	go processSingleResponse(t.sess, t.tokChan, t.returnValues)
	if readCancelConfirmation(t.tokChan) {
		t.notifyState(stateDone)
		return nil, CancelledError{}
	}
	err := fmt.Errorf("did not receive cancellation confirmation from server")
	t.sess.poison(err)
	t.notifyState(statePoisoned)
	return nil, err
}

// readCancelConfirmation drains tokChan looking for the DONE(ATTN=1) that
// acknowledges an Attention (§4.4 invariant 4, §5).
func readCancelConfirmation(tokChan chan Token) bool {
	for tok := range tokChan {
		if d, ok := tok.(doneStruct); ok && d.Status&doneAttn != 0 {
			return true
		}
	}
	return false
}

// strconvAtoi is a tiny indirection so envchange.go does not need its own
// strconv import solely for packet-size parsing.
func strconvAtoi(s string) (int, error) { return strconv.Atoi(s) }
