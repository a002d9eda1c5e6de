// Package relay is the concrete client-side and data-node-side protocol
// implementation plugged into the generic session plumbing via
// control.Ops: it satisfies control.Ops for both sides of a single
// control.Session, turning the generic hooks into the actual
// request-forward / response-relay behavior. Board samples arriving on the
// UDP socket are handled by control.Session itself, not by these hooks.
//
// Each New call returns a pair of Ops meant for exactly one Session: the
// two closures share a *state tying together the pending-response queue a
// single-session, single-client, single-data-node daemon needs. Building a
// second session requires a second New call.
package relay

import (
	"bytes"

	"github.com/leaflabs/leafyd/internal/control"
	"github.com/leaflabs/leafyd/internal/logging"
	"github.com/leaflabs/leafyd/internal/rawpkt"
	"github.com/leaflabs/leafyd/internal/txn"
	"github.com/leaflabs/leafyd/internal/worker"
)

type state struct {
	clientAsm rawpkt.Assembler
	dnodeAsm  rawpkt.Assembler

	// pending holds data-node responses completed since the client-side
	// thread hook last ran; guarded by the session mutex, same as the
	// transaction table it's paired with.
	pending []rawpkt.ReqRes
}

// New builds the client-side and data-node-side Ops for one session.
func New() (clientOps, dnodeOps control.Ops) {
	st := &state{}
	return st.clientOps(), st.dnodeOps()
}

func (st *state) clientOps() control.Ops {
	return control.Ops{
		Read:   st.clientRead,
		Thread: st.clientThread,
	}
}

func (st *state) dnodeOps() control.Ops {
	return control.Ops{
		Read:   st.dnodeRead,
		Thread: st.dnodeThread,
	}
}

// clientRead decodes Request packets off the client stream and enqueues
// each as the session's sole in-flight transaction, mirroring the data
// flow's "client bytes -> reactor -> client-side handler -> (enqueue
// transactions)". Only one transaction may be in flight at a time (the
// spec's single-in-flight invariant), so a Request arriving while one is
// already outstanding is logged and dropped rather than queued.
func (st *state) clientRead(s *control.Session, data []byte) worker.Why {
	st.clientAsm.Feed(data)
	why := worker.None
	for {
		var expType uint8
		pkt, ok, err := st.clientAsm.Next(&expType)
		if err != nil {
			logging.Warning("client: %v; closing connection", err)
			s.CloseClient()
			break
		}
		if !ok {
			break
		}

		if pkt.Type != rawpkt.TypeRequest {
			logging.Warning("client: unexpected packet type %d from client; dropping", pkt.Type)
			continue
		}

		s.Worker().Mu.Lock()
		if !s.Txns().Empty() {
			s.Worker().Mu.Unlock()
			logging.Warning("client: request r_id=%d arrived with a transaction already in flight; dropping", pkt.Req.RID)
			continue
		}
		s.Txns().Set([]txn.Txn{{Req: *pkt.Req}})
		s.Worker().Mu.Unlock()
		why |= worker.DnodeTxn
	}
	return why
}

// clientThread drains completed responses and writes them to the client,
// mirroring "worker wake -> client-side handler writes reply".
func (st *state) clientThread(s *control.Session) {
	for _, res := range st.pending {
		res := res
		pkt := rawpkt.Init(rawpkt.TypeResponse, 0)
		pkt.Req = &res
		var buf bytes.Buffer
		if _, err := rawpkt.Encode(&buf, pkt); err != nil {
			logging.Err("client: encode response r_id=%d: %v", res.RID, err)
			continue
		}
		if _, err := s.WriteClient(buf.Bytes()); err != nil {
			logging.Warning("client: write response r_id=%d: %v", res.RID, err)
		}
	}
	st.pending = st.pending[:0]
	s.Worker().ClearLocked(worker.ClientRes)
}

// dnodeRead decodes Response packets off the data-node stream, matching
// each against the in-flight transaction by r_id (a mismatch is discarded)
// and queuing it for relay to the client.
func (st *state) dnodeRead(s *control.Session, data []byte) worker.Why {
	st.dnodeAsm.Feed(data)
	why := worker.None
	for {
		var expType uint8
		pkt, ok, err := st.dnodeAsm.Next(&expType)
		if err != nil {
			// Scenario 5: a magic-corrupt packet on the data-node stream
			// is a ProtocolError, handled with a graceful close rather
			// than treated as fatal.
			logging.Warning("dnode: %v; closing connection", err)
			s.CloseDnode()
			break
		}
		if !ok {
			break
		}

		switch pkt.Type {
		case rawpkt.TypeResponse:
			s.Worker().Mu.Lock()
			cur := s.Txns().Current()
			if cur == nil || cur.Req.RID != pkt.Req.RID {
				s.Worker().Mu.Unlock()
				logging.Warning("dnode: response r_id=%d doesn't match the in-flight transaction; dropping", pkt.Req.RID)
				continue
			}
			clientRID := cur.ClientRID
			s.Txns().CompleteCurrent(*pkt.Req)
			res := *pkt.Req
			res.RID = clientRID
			st.pending = append(st.pending, res)
			w := worker.ClientRes
			if s.Txns().Current() != nil {
				w |= worker.DnodeTxn
			} else {
				// Last response of the list: empty the table so the
				// next client Request can be installed.
				s.Txns().Clear()
			}
			s.Worker().Mu.Unlock()
			why |= w
			if t := s.Telemetry(); t != nil {
				t.IncTxnsCompleted()
			}
		case rawpkt.TypeError:
			logging.Warning("dnode: error packet received")
		default:
			logging.Warning("dnode: unexpected packet type %d from data node; dropping", pkt.Type)
		}
	}
	return why
}

// dnodeThread writes the current in-flight transaction's request, mirroring
// "data-node-side handler writes request". It is only woken when a new
// current transaction genuinely needs sending (clientRead installing the
// sole transaction, or dnodeRead advancing to the next queued one), so an
// unconditional send of Txns().Current() on each wake is correct.
func (st *state) dnodeThread(s *control.Session) {
	cur := s.Txns().Current()
	if cur == nil {
		s.Worker().ClearLocked(worker.DnodeTxn)
		return
	}
	req := cur.Req
	pkt := rawpkt.Init(rawpkt.TypeRequest, 0)
	pkt.Req = &req
	var buf bytes.Buffer
	if _, err := rawpkt.Encode(&buf, pkt); err != nil {
		logging.Err("dnode: encode request r_id=%d: %v", req.RID, err)
	} else if _, err := s.WriteDnode(buf.Bytes()); err != nil {
		logging.Warning("dnode: write request r_id=%d: %v", req.RID, err)
	}
	s.Worker().ClearLocked(worker.DnodeTxn)
}
