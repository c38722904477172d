package mssql

// Row is one decoded result-row: values in column order (§3, §4.4). Each
// value is a Go value the column reader copied out of the packet buffer,
// so a Row shares no storage with that buffer and never points back at the
// Session or tdsBuffer.
type Row []interface{}

// Rows is the lazy, pull-based iterator over a request's result sets and
// rows, built on top of tokenProcessor so the executor state machine
// (Sending → ... → Draining) and row iteration share one
// token-consumption path (§4.4).
type Rows struct {
	exec    *Executor
	columns []ColumnMetadata

	pendingColumns []ColumnMetadata // set when a new ColMetaData ends the current result set
	done           bool             // no further result set will ever follow
	err            error
}

// Columns reports the current result set's column metadata.
func (r *Rows) Columns() []ColumnMetadata { return r.columns }

// Next advances to the next row of the current result set. It returns
// false both at a result-set boundary (call NextResultSet to continue) and
// at final end of stream; Err/NextResultSet disambiguate the two.
func (r *Rows) Next() (Row, bool) {
	if r.done || r.pendingColumns != nil {
		return nil, false
	}
	for {
		tok, err := r.exec.proc.nextToken()
		if err != nil {
			r.err = err
			r.done = true
			return nil, false
		}
		if tok == nil {
			r.done = true
			return nil, false
		}
		switch v := tok.(type) {
		case []ColumnMetadata:
			if r.columns == nil {
				r.columns = v
				continue
			}
			r.pendingColumns = v
			return nil, false
		case Row:
			return v, true
		case []interface{}:
			return Row(v), true
		case doneStruct:
			if v.isError() && r.err == nil {
				r.err = v.getError()
			}
			if !v.hasMore() {
				r.done = true
				return nil, false
			}
		case doneInProcStruct:
			// more result sets may follow; keep pulling
		}
	}
}

// Err returns the error, if any, that ended iteration.
func (r *Rows) Err() error { return r.err }

// NextResultSet moves to the next result set (multiple SELECTs in one
// batch), returning false once no further result set follows.
func (r *Rows) NextResultSet() bool {
	if r.err != nil {
		return false
	}
	if r.pendingColumns != nil {
		r.columns = r.pendingColumns
		r.pendingColumns = nil
		return true
	}
	return false
}

// Close drains any unread tokens so the connection can be reused; callers
// that read a Rows to exhaustion do not need to call this.
func (r *Rows) Close() error {
	for {
		if _, ok := r.Next(); ok {
			continue
		}
		if r.pendingColumns != nil {
			r.NextResultSet()
			continue
		}
		return r.err
	}
}
