package txn

import (
	"testing"

	"github.com/leaflabs/leafyd/internal/rawpkt"
)

func TestSetPreservesClientRID(t *testing.T) {
	table := New()
	table.curRID = 100
	table.Set([]Txn{
		{Req: rawpkt.ReqRes{RID: 7, RType: 1}},
		{Req: rawpkt.ReqRes{RID: 9, RType: 2}},
	})

	if table.txns[0].ClientRID != 7 || table.txns[1].ClientRID != 9 {
		t.Fatalf("client RIDs not preserved: got %d, %d want 7, 9", table.txns[0].ClientRID, table.txns[1].ClientRID)
	}
	if table.txns[0].Req.RID != 100 || table.txns[1].Req.RID != 101 {
		t.Fatalf("stamped RIDs wrong: got %d, %d want 100, 101", table.txns[0].Req.RID, table.txns[1].Req.RID)
	}
}

func TestSetStampsSequentialRIDs(t *testing.T) {
	table := New()
	txns := []Txn{
		{Req: rawpkt.ReqRes{RType: 1}},
		{Req: rawpkt.ReqRes{RType: 2}},
		{Req: rawpkt.ReqRes{RType: 3}},
	}
	table.curRID = 100
	table.Set(txns)

	if table.CurIndex() != 0 {
		t.Fatalf("expected cur_txn == 0, got %d", table.CurIndex())
	}
	for i, want := range []uint16{100, 101, 102} {
		if table.txns[i].Req.RID != want {
			t.Fatalf("txn %d: got RID %d want %d", i, table.txns[i].Req.RID, want)
		}
	}
	if table.CurRID() != 103 {
		t.Fatalf("cur_rid: got %d want 103", table.CurRID())
	}
}

func TestSetOnNonEmptyTablePanics(t *testing.T) {
	table := New()
	table.Set([]Txn{{Req: rawpkt.ReqRes{RType: 1}}})

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic installing a new list over a non-empty table")
		}
	}()
	table.Set([]Txn{{Req: rawpkt.ReqRes{RType: 2}}})
}

func TestClearWhileInFlightIsLegal(t *testing.T) {
	table := New()
	table.Set([]Txn{{Req: rawpkt.ReqRes{RType: 1}}, {Req: rawpkt.ReqRes{RType: 2}}})
	table.CompleteCurrent(rawpkt.ReqRes{RVal: 1}) // cur_txn -> 1

	table.Clear()
	if !table.Empty() || table.Len() != 0 || table.CurIndex() != -1 {
		t.Fatalf("clear did not reset table: txns=%d cur=%d", table.Len(), table.CurIndex())
	}
}

func TestSingleInFlightAdvancesInOrder(t *testing.T) {
	table := New()
	table.Set([]Txn{
		{Req: rawpkt.ReqRes{RType: 1}},
		{Req: rawpkt.ReqRes{RType: 2}},
		{Req: rawpkt.ReqRes{RType: 3}},
	})

	for i := 0; i < 3; i++ {
		if table.CurIndex() != i {
			t.Fatalf("step %d: expected cur_txn == %d, got %d", i, i, table.CurIndex())
		}
		cur := table.Current()
		if cur == nil {
			t.Fatalf("step %d: expected an in-flight transaction", i)
		}
		table.CompleteCurrent(rawpkt.ReqRes{RID: cur.Req.RID})
	}
	if table.CurIndex() != -1 {
		t.Fatalf("expected idle after last completion, got %d", table.CurIndex())
	}
}

func TestRIDWrapsModuloU16(t *testing.T) {
	table := New()
	table.curRID = 0xFFFE
	table.Set([]Txn{{Req: rawpkt.ReqRes{}}, {Req: rawpkt.ReqRes{}}, {Req: rawpkt.ReqRes{}}})
	if table.txns[0].Req.RID != 0xFFFE || table.txns[1].Req.RID != 0xFFFF || table.txns[2].Req.RID != 0 {
		t.Fatalf("unexpected RID sequence: %v", []uint16{table.txns[0].Req.RID, table.txns[1].Req.RID, table.txns[2].Req.RID})
	}
}
