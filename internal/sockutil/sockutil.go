// Package sockutil creates the sockets the control session needs: a
// passive TCP listener (sockutil_get_tcp_passive in the original C), an
// active TCP client connection (sockutil_get_tcp_connected_p), a bound UDP
// socket (sockutil_get_udp_socket), and an outbound UDP endpoint for the
// optional sample forward path.
//
// Go's net package already makes sockets non-blocking and safe for
// concurrent Read/Write from multiple goroutines, which is exactly the
// BEV_OPT_THREADSAFE guarantee the original gets from libevent
// bufferevents; there's no ecosystem socket-construction library in the
// example corpus that improves on it (the corpus's raw-socket libraries,
// tcpraw and kcp-go, build a reliable-UDP tunnel transport with no
// analogue in this wire protocol, see DESIGN.md).
package sockutil

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// PassiveTCP opens a TCP listener on port with SO_REUSEADDR semantics,
// mirroring sockutil_get_tcp_passive(port, reuse=1).
func PassiveTCP(port uint16) (net.Listener, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "sockutil: listen tcp :%d", port)
	}
	return lis, nil
}

// ActiveTCP dials an outbound TCP connection, mirroring
// sockutil_get_tcp_connected_p(addr, port).
func ActiveTCP(addr string, port uint16) (net.Conn, error) {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, errors.Wrapf(err, "sockutil: dial tcp %s:%d", addr, port)
	}
	return conn, nil
}

// BoundUDP opens a UDP socket bound to port, mirroring
// sockutil_get_udp_socket(port).
func BoundUDP(port uint16) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, errors.Wrapf(err, "sockutil: listen udp :%d", port)
	}
	return conn, nil
}

// DialUDP opens an outbound UDP endpoint, used by the optional client-side
// sample forward path (control.Session's cdatafd equivalent).
func DialUDP(addr string, port uint16) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		return nil, errors.Wrapf(err, "sockutil: resolve udp %s:%d", addr, port)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "sockutil: dial udp %s:%d", addr, port)
	}
	return conn, nil
}
