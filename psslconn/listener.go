// Package psslconn implements the passive TLS listener: binds a TCP port,
// accepts incoming connections nonblocking, and wraps each in an active
// TLS stream in the server role.
package psslconn

import (
	"fmt"

	"github.com/effective-security/ofssl/internal/rawsock"
	"github.com/effective-security/ofssl/sslconn"
	"github.com/effective-security/ofssl/sslctx"
	"github.com/effective-security/ofssl/stream"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ofssl", "psslconn")

// Listener is the passive TLS listener: the implementation of
// stream.PassiveStream.
type Listener struct {
	ctx  *sslctx.Context
	fd   int
	name string
	addr rawsock.Addr
}

var _ stream.PassiveStream = (*Listener)(nil)

// Listen binds a nonblocking TCP listening socket on host:port and reports
// its bound name by reading the socket back after bind/listen, rather than
// formatting from the caller's unpopulated request address -- the latter
// would misreport an ephemeral port chosen by the kernel when port 0 was
// requested.
func Listen(ctx *sslctx.Context, host string, port int) (*Listener, error) {
	addr, err := rawsock.ParseHostPort(host, port)
	if err != nil {
		return nil, stream.WrapOS(err)
	}

	fd, err := rawsock.ListenPassive(addr)
	if err != nil {
		return nil, stream.WrapOS(err)
	}

	bound, err := rawsock.GetsockName(fd)
	name := fmt.Sprintf("pssl:%d:%s", addr.Port, addr.IP.String())
	if err == nil {
		addr = bound
		name = fmt.Sprintf("pssl:%d:%s", bound.Port, bound.IP.String())
	}

	return &Listener{ctx: ctx, fd: fd, name: name, addr: addr}, nil
}

// Name returns the listener's bound display name.
func (l *Listener) Name() string { return l.name }

// Addr returns the listener's bound address, useful when port 0 was
// requested and the kernel chose an ephemeral port.
func (l *Listener) Addr() rawsock.Addr { return l.addr }

// Accept accepts one pending connection, wrapping it as a server-role
// stream starting in PhaseHandshaking. An empty backlog returns
// stream.ErrTryAgain.
func (l *Listener) Accept() (stream.Stream, error) {
	fd, remote, err := rawsock.AcceptNonblocking(l.fd)
	if err != nil {
		if rawsock.IsWouldBlock(err) {
			return nil, stream.ErrTryAgain
		}
		logger.KV(xlog.DEBUG, "reason", "accept_failed", "listener", l.name, "err", err.Error())
		return nil, stream.WrapOS(err)
	}

	return sslconn.NewServerStream(l.ctx, fd, remote), nil
}

// Wait registers for listener readability.
func (l *Listener) Wait(w stream.Waiter) {
	w.WaitForFD(l.fd, stream.Reading)
}

// Close releases the listening socket.
func (l *Listener) Close() error {
	return rawsock.Close(l.fd)
}
