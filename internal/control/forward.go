package control

import (
	"net"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/leaflabs/leafyd/internal/logging"
	"github.com/leaflabs/leafyd/internal/sockutil"
)

// AttachForward wires up the client-side UDP forward endpoint. Forwarding
// is scoped per-session rather than per-connection: there is only ever one
// client session at a time, so there is no meaningful distinction between
// the two scopes here. Like the stream pipe slots, attach/detach is a
// single CompareAndSwap on an atomic pointer rather than a mutex-guarded
// field.
func (s *Session) AttachForward(addr string, port uint16) error {
	conn, err := sockutil.DialUDP(addr, port)
	if err != nil {
		return errors.Wrap(err, "control: attach forward endpoint")
	}

	if !s.forwardConn.CompareAndSwap(nil, conn) {
		conn.Close()
		return errors.New("control: forward endpoint already attached")
	}
	return nil
}

// DetachForward closes the forward endpoint if one is attached; it is a
// no-op otherwise.
func (s *Session) DetachForward() {
	if conn := s.forwardConn.Swap(nil); conn != nil {
		conn.Close()
	}
}

// forwardSample ships one UDP sample datagram to the attached forward
// endpoint, optionally snappy-compressed. Since UDP is datagram-oriented,
// each datagram is compressed independently with snappy.Encode/Decode so
// no out-of-band framing is needed. snappy.Encode has no failure path, so
// compression never causes a sample to be dropped; a failed write is logged
// as a warning and that sample is not forwarded.
func (s *Session) forwardSample(fwd *net.UDPConn, data []byte) {
	payload := data
	if s.compressSamples {
		payload = snappy.Encode(nil, data)
	}
	if _, err := fwd.Write(payload); err != nil {
		logging.Warning("forward sample: %v", err)
		return
	}
	if s.telemetry != nil {
		s.telemetry.IncSamplesForwarded()
	}
}

// DecompressSample reverses forwardSample's optional snappy framing; a
// client-side forward consumer calls this on each received datagram.
func DecompressSample(data []byte) ([]byte, error) {
	decoded, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "control: snappy decode")
	}
	return decoded, nil
}
