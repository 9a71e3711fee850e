// Package session runs the per-transfer state machines on both ends
// of the protocol: the client's filename bootstrap and receive
// pipeline, and the server's listener plus one sender session per
// requested file.
package session

import (
	"errors"
	"net"

	"github.com/lucasreed/gorcopy/pkg/errnet"
	"github.com/lucasreed/gorcopy/pkg/metrics"
	"github.com/lucasreed/gorcopy/pkg/pdu"
)

var (
	// ErrPeerUnreachable is raised after MaxAttempts unanswered
	// attempts at bootstrap or at a full sender window.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrFileNotFound is raised when the server answers the filename
	// request with FILENAME-NOT-OK.
	ErrFileNotFound = errors.New("file not found on server")
)

// listenUDP binds a fresh ephemeral IPv6-capable datagram socket and
// wraps it in the error channel.
func listenUDP(profile errnet.Profile) (*errnet.Conn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv6zero})
	if err != nil {
		return nil, err
	}
	return errnet.Wrap(conn, profile), nil
}

// send pushes one encoded PDU into the channel and counts it.
func send(conn *errnet.Conn, b []byte, addr *net.UDPAddr) error {
	metrics.PacketsSent.WithLabelValues(pdu.FlagName(b[6])).Inc()
	_, err := conn.WriteToUDP(b, addr)
	return err
}

// sameEndpoint reports whether two datagram source addresses are the
// same peer socket.
func sameEndpoint(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}
