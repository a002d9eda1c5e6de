// Package control implements the control session: the two-sided,
// lock-protected, event-driven state machine coordinating a listener, two
// stream pipes, a UDP ingress, and the worker.
package control

import (
	"net"

	"github.com/leaflabs/leafyd/internal/worker"
)

// Ops is the side-handler contract: the set of hooks a client-side or
// data-node-side protocol implementation may supply. A nil field is a
// no-op. This is constructor-injected rather than a process-wide
// singleton, so a Session is self-contained and testable.
type Ops struct {
	// Start runs once, during session creation. It may allocate per-side
	// state. It does not hold the session mutex.
	Start func(s *Session) error
	// Stop runs once, during session destruction, and releases per-side
	// state. It does not hold the session mutex.
	Stop func(s *Session)
	// Open runs after a new connection is attached, with the raw
	// net.Conn, and may initialize per-connection state. It does not
	// hold the session mutex. Returning an error refuses the connection.
	Open func(s *Session, conn net.Conn) error
	// Close runs after a connection is detached and may release
	// per-connection state. It does not hold the session mutex.
	Close func(s *Session)
	// Read runs on readable bytes. It must not block on I/O; it parses,
	// possibly enqueues transactions, and returns the wake reasons the
	// worker should act on. It does not hold the session mutex (Session
	// exposes locked accessors for hooks that need to touch shared
	// state).
	Read func(s *Session, data []byte) worker.Why
	// Thread runs on worker wake, with the session mutex held. It may
	// perform non-blocking writes to the stream pipes; it must not drop
	// the mutex, and must clear the wake bits it consumed via
	// s.Worker().ClearLocked before returning.
	Thread func(s *Session)
}

func (o Ops) start(s *Session) error {
	if o.Start == nil {
		return nil
	}
	return o.Start(s)
}

func (o Ops) stop(s *Session) {
	if o.Stop == nil {
		return
	}
	o.Stop(s)
}

func (o Ops) open(s *Session, conn net.Conn) error {
	if o.Open == nil {
		return nil
	}
	return o.Open(s, conn)
}

func (o Ops) close(s *Session) {
	if o.Close == nil {
		return
	}
	o.Close(s)
}

func (o Ops) read(s *Session, data []byte) worker.Why {
	if o.Read == nil {
		return worker.None
	}
	return o.Read(s, data)
}

func (o Ops) thread(s *Session) {
	if o.Thread == nil {
		return
	}
	o.Thread(s)
}
