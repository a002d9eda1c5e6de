// Package txn implements the bounded ordered transaction list: a single
// contiguous sequence of pending request/response pairs with a cursor and
// a session-scoped monotonically increasing request-ID.
package txn

import (
	"github.com/leaflabs/leafyd/internal/rawpkt"
)

// Txn is one pending request/response pair: the request to send, the
// response buffer it will be matched into, and whether a response has
// arrived yet. ClientRID is the r_id the client originally sent before Set
// overwrote Req.RID with the session's own stamped id; the side handler
// relaying the response back to the client restores it so the client can
// match the reply against the request it sent.
type Txn struct {
	Req       rawpkt.ReqRes
	Res       rawpkt.ReqRes
	Done      bool
	ClientRID uint16
}

// Table is the transaction list plus cursor and request-ID counter. All
// access must happen with the owning control session's mutex held; Table
// itself holds no lock, since the session mutex is the only mutex, not a
// separate per-table one.
type Table struct {
	txns   []Txn
	curTxn int // -1 means idle
	curRID uint16
}

// New returns an empty, idle table.
func New() *Table {
	return &Table{curTxn: -1}
}

// Empty reports whether the table holds no transactions and is idle, the
// precondition Set requires before installing a new list.
func (t *Table) Empty() bool {
	return len(t.txns) == 0 && t.curTxn == -1
}

// Set installs a new transaction list. The caller must hold the session
// mutex. It panics if the table is non-empty and txns is non-empty: new
// transactions may not be installed while existing ones are still ongoing,
// only cleared.
//
// On success, each request's ClientRID is set to whatever RID the caller
// populated Req.RID with (the id the client originally sent, if any), and
// Req.RID is then overwritten starting at the table's current cur_rid,
// which advances by len(txns); cur_txn becomes 0 if len(txns) > 0, else -1.
func (t *Table) Set(txns []Txn) {
	if !t.Empty() && len(txns) != 0 {
		panic("txn: Set called with a non-empty table and a non-empty replacement list")
	}
	t.txns = txns
	if len(txns) == 0 {
		t.curTxn = -1
		return
	}
	t.curTxn = 0
	for i := range t.txns {
		t.txns[i].ClientRID = t.txns[i].Req.RID
		t.txns[i].Req.RID = t.curRID
		t.curRID++
	}
}

// Clear is Set(nil), used on disconnect: any outstanding response that
// later arrives is discarded since nothing in the cleared table will match
// its RID.
func (t *Table) Clear() {
	t.Set(nil)
}

// Len reports the installed transaction count (n_txns).
func (t *Table) Len() int { return len(t.txns) }

// CurIndex reports cur_txn; -1 means idle.
func (t *Table) CurIndex() int { return t.curTxn }

// Current returns a pointer to the in-flight transaction, or nil if idle.
// The pointer aliases the table's backing slice; mutate through it under
// the session mutex.
func (t *Table) Current() *Txn {
	if t.curTxn < 0 || t.curTxn >= len(t.txns) {
		return nil
	}
	return &t.txns[t.curTxn]
}

// CompleteCurrent marks the in-flight transaction's response as received
// and advances the cursor to the next transaction, or to idle (-1) if that
// was the last one. It enforces single-in-flight ordering: requests are
// only ever issued in index order, and only once the prior response has
// arrived or the whole list was cleared.
func (t *Table) CompleteCurrent(res rawpkt.ReqRes) {
	cur := t.Current()
	if cur == nil {
		return
	}
	cur.Res = res
	cur.Done = true
	t.curTxn++
	if t.curTxn >= len(t.txns) {
		t.curTxn = -1
	}
}

// CurRID reports the next request-ID that will be stamped. It wraps modulo
// 2^16 since RID is a uint16; the protocol tolerates the resulting
// duplicates over long sessions because only one transaction is ever in
// flight at a time.
func (t *Table) CurRID() uint16 { return t.curRID }
