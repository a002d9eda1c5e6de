package control

import (
	"crypto/hmac"
	"crypto/sha1"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pkg/errors"
)

// pskSalt is the PBKDF2 salt used to derive the handshake tag from the
// operator-supplied pre-shared key.
const pskSalt = "leafyd-psk"

const pskHandshakeTimeout = 3 * time.Second

// derivePSKTag derives a fixed-length handshake tag from the pre-shared
// key using PBKDF2 (4096 iterations, 32-byte output, SHA-1).
func derivePSKTag(psk []byte) []byte {
	return pbkdf2.Key(psk, []byte(pskSalt), 4096, 32, sha1.New)
}

// verifyPSK is a no-op when no PSK is configured. Otherwise it requires
// the first len(tag) bytes written by the client to equal the derived
// handshake tag, refusing the connection on mismatch or timeout the same
// way an "another is ongoing" refusal does.
func (s *Session) verifyPSK(conn net.Conn) error {
	if len(s.psk) == 0 {
		return nil
	}
	tag := derivePSKTag(s.psk)

	if err := conn.SetReadDeadline(time.Now().Add(pskHandshakeTimeout)); err != nil {
		return errors.Wrap(err, "psk: set handshake deadline")
	}
	defer conn.SetReadDeadline(time.Time{})

	got := make([]byte, len(tag))
	if _, err := io.ReadFull(conn, got); err != nil {
		return errors.Wrap(err, "psk: read handshake tag")
	}
	if !hmac.Equal(got, tag) {
		return errors.New("psk: handshake tag mismatch")
	}
	return nil
}
