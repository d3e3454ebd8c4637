package sslconn

import "github.com/effective-security/ofssl/internal/rawsock"

// tcpAddr adapts a rawsock.Addr to net.Addr for nonblockConn's LocalAddr/
// RemoteAddr, and for the peer/local address fields the stream carries
// for diagnostics.
type tcpAddr struct {
	rawsock.Addr
}

func (a tcpAddr) Network() string { return "tcp" }

func addrOrZero(a rawsock.Addr, err error) tcpAddr {
	if err != nil {
		// A failed address lookup is informational only: it is silently
		// zeroed rather than failing stream construction.
		return tcpAddr{}
	}
	return tcpAddr{a}
}
