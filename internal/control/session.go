package control

// TODO: cache dnodeAddr/dnodePort and install a periodic reconnect handler
// to cover data-node crashes.

import (
	"net"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/leaflabs/leafyd/internal/logging"
	"github.com/leaflabs/leafyd/internal/reactor"
	"github.com/leaflabs/leafyd/internal/sockutil"
	"github.com/leaflabs/leafyd/internal/telemetry"
	"github.com/leaflabs/leafyd/internal/txn"
	"github.com/leaflabs/leafyd/internal/worker"
)

var (
	errClientNotAttached = errors.New("control: no client connection attached")
	errDnodeNotAttached  = errors.New("control: no data node connection attached")
)

// Config holds everything New needs to stand up a session.
type Config struct {
	ClientPort uint16
	DnodeAddr  string
	DnodePort  uint16
	SamplePort uint16

	ClientOps Ops
	DnodeOps  Ops

	// PSK, if non-empty, gates new client connections behind a
	// pre-shared-key handshake.
	PSK []byte
	// CompressSamples enables snappy compression of forwarded board
	// samples.
	CompressSamples bool
	// Telemetry, if non-nil, is bumped on every packet/transaction/sample
	// event. Nil disables counters entirely.
	Telemetry *telemetry.Counters
}

// Session is the control session: the reactor listener, two stream pipes,
// the UDP ingress, the worker, and the transaction table.
//
// clientPipe, dnodePipe, and forwardConn are atomic pointers rather than
// mutex-guarded fields: attach/detach is a single CompareAndSwap (which
// doubles as the single-session exclusivity check connection-open uses
// the session mutex for), and reads never need to block behind the
// worker's condition-variable mutex, matching "stream endpoint writes are
// thread-safe by construction" without risking self-deadlock when a Thread
// hook (which already holds that mutex) writes to a pipe. The transaction
// table is the one piece of state that genuinely needs w.Mu, since its
// invariants span multiple fields.
type Session struct {
	w *worker.Worker

	listener *reactor.Listener
	udpPipe  *reactor.DatagramPipe
	udpConn  *net.UDPConn

	clientPipe atomic.Pointer[reactor.StreamPipe] // non-nil iff a client is attached
	dnodePipe  atomic.Pointer[reactor.StreamPipe] // non-nil iff a data-node session is attached

	forwardConn atomic.Pointer[net.UDPConn] // client-side sample forward endpoint

	dnodeAddr string
	dnodePort uint16

	clientOps Ops
	dnodeOps  Ops

	psk             []byte
	compressSamples bool

	txns *txn.Table

	telemetry *telemetry.Counters
}

// New creates a control session: every step must fully succeed before the
// session is returned to the caller, and any failure unwinds everything
// acquired so far, in strict reverse order.
func New(cfg Config) (*Session, error) {
	var cleanups []func()
	rollback := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	s := &Session{
		dnodeAddr:       cfg.DnodeAddr,
		dnodePort:       cfg.DnodePort,
		clientOps:       cfg.ClientOps,
		dnodeOps:        cfg.DnodeOps,
		psk:             cfg.PSK,
		compressSamples: cfg.CompressSamples,
		txns:            txn.New(),
		telemetry:       cfg.Telemetry,
	}

	lis, err := sockutil.PassiveTCP(cfg.ClientPort)
	if err != nil {
		return nil, errors.Wrap(err, "can't listen for client connections")
	}
	cleanups = append(cleanups, func() { lis.Close() })
	s.listener = reactor.NewListener(lis, s.onClientAccept, func(err error) {
		logging.Err("client accept() failed: %v", err)
	})

	dconn, err := sockutil.ActiveTCP(cfg.DnodeAddr, cfg.DnodePort)
	if err != nil {
		rollback()
		return nil, errors.Wrapf(err, "can't connect to data node at %s, port %d", cfg.DnodeAddr, cfg.DnodePort)
	}
	cleanups = append(cleanups, func() { dconn.Close() })

	s.w = worker.New(worker.Hooks{
		ClientThread: func() { s.clientOps.thread(s) },
		DnodeThread:  func() { s.dnodeOps.thread(s) },
	})

	if err := s.clientOps.start(s); err != nil {
		rollback()
		return nil, errors.Wrap(err, "can't start client side of control session")
	}
	cleanups = append(cleanups, func() { s.clientOps.stop(s) })

	if err := s.dnodeOps.start(s); err != nil {
		rollback()
		return nil, errors.Wrap(err, "can't start data node side of control session")
	}
	cleanups = append(cleanups, func() { s.dnodeOps.stop(s) })

	// A refused/failed dnode attach leaves the pipe unset rather than
	// failing session creation outright; the worker then has no dnode pipe
	// to write to, and nothing attaches one later (see the reconnect TODO
	// at the top of this file).
	s.attachDnode(dconn)

	udpConn, err := sockutil.BoundUDP(cfg.SamplePort)
	if err != nil {
		rollback()
		return nil, errors.Wrap(err, "can't create daemon data socket")
	}
	cleanups = append(cleanups, func() { udpConn.Close() })
	s.udpConn = udpConn
	s.udpPipe = reactor.NewDatagramPipe(udpConn, s.onSample)
	s.udpPipe.Enable()
	cleanups = append(cleanups, func() { s.udpPipe.Close() })

	go s.listener.Serve()
	cleanups = append(cleanups, func() { s.listener.Close() })

	s.w.Start()

	return s, nil
}

// Close destroys the session, mirroring control_free: post EXIT, join the
// worker, free the UDP read registration, close the forward endpoint and
// UDP socket, invoke both sides' stop hooks, free both stream pipes, free
// the listener, and release any pending transaction storage.
func (s *Session) Close() {
	s.w.Wake(worker.Exit)
	s.w.Join()

	if s.udpPipe != nil {
		s.udpPipe.Close()
	}

	if fwd := s.forwardConn.Swap(nil); fwd != nil {
		fwd.Close()
	}

	s.dnodeOps.stop(s)
	s.clientOps.stop(s)

	if dpipe := s.dnodePipe.Swap(nil); dpipe != nil {
		dpipe.Close()
	}
	if cpipe := s.clientPipe.Swap(nil); cpipe != nil {
		cpipe.Close()
	}

	if s.listener != nil {
		s.listener.Close()
	}

	s.w.Mu.Lock()
	s.txns.Clear()
	s.w.Mu.Unlock()
}

// Worker exposes the background executor so side handlers can call
// WakeLocked/ClearLocked from within a Thread hook, and Lock/Unlock the
// session mutex from a Read hook that needs to touch shared state.
func (s *Session) Worker() *worker.Worker { return s.w }

// Txns exposes the transaction table. Callers must hold s.Worker().Mu.
func (s *Session) Txns() *txn.Table { return s.txns }

// Telemetry exposes the optional counters; nil if none were configured.
func (s *Session) Telemetry() *telemetry.Counters { return s.telemetry }

// ClientAddr reports the address the client listener is bound to, useful
// when Config.ClientPort was 0 (ephemeral).
func (s *Session) ClientAddr() net.Addr { return s.listener.Addr() }

// SampleAddr reports the address the UDP sample socket is bound to.
func (s *Session) SampleAddr() net.Addr { return s.udpConn.LocalAddr() }

// ClientAttached reports whether a client stream endpoint is currently
// open (cbev != nil).
func (s *Session) ClientAttached() bool { return s.clientPipe.Load() != nil }

// DnodeAttached reports whether a data-node stream endpoint is currently
// open (dbev != nil).
func (s *Session) DnodeAttached() bool { return s.dnodePipe.Load() != nil }

// WriteClient writes to the client stream pipe. Safe to call from a Thread
// hook (which already holds the mutex) or from any other goroutine: pipe
// writes are thread-safe by construction (see reactor.StreamPipe), and
// reading the pipe pointer never blocks on the session mutex.
func (s *Session) WriteClient(b []byte) (int, error) {
	pipe := s.clientPipe.Load()
	if pipe == nil {
		return 0, errClientNotAttached
	}
	n, err := pipe.Write(b)
	if err == nil && s.telemetry != nil {
		s.telemetry.IncPacketsSent()
	}
	return n, err
}

// WriteDnode writes to the data-node stream pipe, see WriteClient.
func (s *Session) WriteDnode(b []byte) (int, error) {
	pipe := s.dnodePipe.Load()
	if pipe == nil {
		return 0, errDnodeNotAttached
	}
	n, err := pipe.Write(b)
	if err == nil && s.telemetry != nil {
		s.telemetry.IncPacketsSent()
	}
	return n, err
}

/*
 * connection lifecycle
 */

// onClientAccept runs connOpen in its own goroutine so that a PSK handshake
// waiting on a slow client never holds up the listener's accept loop.
func (s *Session) onClientAccept(conn net.Conn) {
	go s.connOpen("client", conn, &s.clientPipe, s.clientRead, s.clientEvent, s.clientOnOpen)
}

func (s *Session) attachDnode(conn net.Conn) {
	s.connOpen("data node", conn, &s.dnodePipe, s.dnodeRead, s.dnodeEvent,
		func(c net.Conn) error { return s.dnodeOps.open(s, c) })
}

// connOpen attaches a stream pipe to either side of the session.
// slot.CompareAndSwap(nil, pipe) is both the "another is ongoing"
// exclusivity check and the install, done atomically so two concurrent
// inbound connections can't both win. The Open hook (onOpen) runs without
// the session mutex held, matching the side-handler contract table.
func (s *Session) connOpen(
	logWho string,
	conn net.Conn,
	slot *atomic.Pointer[reactor.StreamPipe],
	onRead func([]byte),
	onEvent func(reactor.Event),
	onOpen func(net.Conn) error,
) {
	pipe := reactor.NewStreamPipe(conn, onRead, onEvent)
	if !slot.CompareAndSwap(nil, pipe) {
		refuseConnection(conn, logWho, "another is ongoing")
		return
	}

	if err := onOpen(conn); err != nil {
		slot.Store(nil)
		refuseConnection(conn, logWho, err.Error())
		return
	}
	pipe.Enable()
	logging.Info("%s connection established", logWho)
}

func refuseConnection(conn net.Conn, source, cause string) {
	if cause == "" {
		cause = "unknown error"
	}
	logging.Info("refusing new %s connection: %s", source, cause)
	if err := conn.Close(); err != nil {
		logging.Err("couldn't close new %s: %v", source, err)
	}
}

func (s *Session) clientOnOpen(conn net.Conn) error {
	if err := s.verifyPSK(conn); err != nil {
		return err
	}
	return s.clientOps.open(s, conn)
}

func (s *Session) clientEvent(ev reactor.Event) {
	switch ev {
	case reactor.EventEOF, reactor.EventError:
		s.clientClose()
		logging.Info("client connection closed")
	default:
		logging.Warning("unhandled client event; flags %d", ev)
	}
}

func (s *Session) dnodeEvent(ev reactor.Event) {
	switch ev {
	case reactor.EventEOF, reactor.EventError:
		s.dnodeClose()
		logging.Info("data node connection closed")
	default:
		logging.Warning("unhandled data node event; flags %d", ev)
	}
}

// CloseClient lets a side handler request a graceful close of the client
// connection on its own initiative (for example, after a ProtocolError a
// Read hook decides not to treat as fatal). It is equivalent to the
// reactor observing EOF/ERROR on that side.
func (s *Session) CloseClient() { s.clientClose() }

// CloseDnode is CloseClient's data-node-side counterpart.
func (s *Session) CloseDnode() { s.dnodeClose() }

func (s *Session) clientClose() {
	pipe := s.clientPipe.Swap(nil)
	if pipe == nil {
		return
	}

	s.w.Mu.Lock()
	if !s.txns.Empty() {
		logging.Info("halting data node I/O due to closed client connection")
		s.txns.Clear()
		if s.telemetry != nil {
			s.telemetry.IncTxnsDropped()
		}
	}
	s.w.Mu.Unlock()

	pipe.Close()
	s.clientOps.close(s)
}

func (s *Session) dnodeClose() {
	// The slot is cleared under the mutex, together with the transactions,
	// so anyone who sees the dnode detached and then takes the mutex also
	// sees the table cleared.
	s.w.Mu.Lock()
	pipe := s.dnodePipe.Swap(nil)
	if pipe == nil {
		s.w.Mu.Unlock()
		return
	}
	if !s.txns.Empty() {
		// FIXME: if there are ongoing transactions, the client
		// connection should also be open; we should get the
		// client-side code to send a synthetic error response (how?),
		// or a naive client will block forever.
		logging.Info("halting data node I/O due to closed dnode connection")
		s.txns.Clear()
		if s.telemetry != nil {
			s.telemetry.IncTxnsDropped()
		}
	}
	s.w.Mu.Unlock()

	pipe.Close()
	s.dnodeOps.close(s)
}

/*
 * reader dispatch
 */

func (s *Session) clientRead(data []byte) {
	if s.telemetry != nil {
		s.telemetry.IncPacketsRecv()
	}
	s.dispatchWake(s.clientOps.read(s, data), "client")
}

func (s *Session) dnodeRead(data []byte) {
	if s.telemetry != nil {
		s.telemetry.IncPacketsRecv()
	}
	s.dispatchWake(s.dnodeOps.read(s, data), "data node")
}

func (s *Session) dispatchWake(why worker.Why, logWho string) {
	switch why {
	case worker.None:
		// no-op
	case worker.Exit:
		logging.Crit("%s socket reader wants to shut down the worker", logWho)
	default:
		s.w.Wake(why)
	}
}

/*
 * UDP sample ingress
 */

func (s *Session) onSample(data []byte, addr *net.UDPAddr) {
	_ = addr
	fwd := s.forwardConn.Load()
	if fwd == nil {
		logging.Warning("received data from daemon, but no one wants it; dropping the packet")
		if s.telemetry != nil {
			s.telemetry.IncSamplesDropped()
		}
		return
	}
	s.forwardSample(fwd, data)
}
