// Package rawsock provides nonblocking active/passive TCP connect helpers
// and socket-option plumbing, built directly on raw BSD sockets rather
// than net.Dial/net.Listen, since the TLS layer above needs the bare file
// descriptor to poll and to hand to crypto/tls's net.Conn adapter.
package rawsock

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Addr is a resolved IPv4/IPv6 host:port pair.
type Addr struct {
	IP   net.IP
	Port int
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// ParseHostPort splits "host[:port]" using defaultPort when no port is
// given, resolving host to an IP address.
func ParseHostPort(hostport string, defaultPort int) (Addr, error) {
	host := hostport
	port := defaultPort

	if h, p, err := net.SplitHostPort(hostport); err == nil {
		host = h
		if p != "" {
			n, err := strconv.Atoi(p)
			if err != nil {
				return Addr{}, errors.Wrapf(err, "rawsock: invalid port %q", p)
			}
			port = n
		}
	}

	if host == "" {
		host = "0.0.0.0"
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return Addr{}, errors.WithStack(err)
	}

	var ip net.IP
	for _, candidate := range ips {
		if v4 := candidate.To4(); v4 != nil {
			ip = v4
			break
		}
	}
	if ip == nil && len(ips) > 0 {
		ip = ips[0]
	}
	if ip == nil {
		return Addr{}, errors.Errorf("rawsock: could not resolve %q", host)
	}

	return Addr{IP: ip, Port: port}, nil
}

func toSockaddr(a Addr) unix.Sockaddr {
	var sa4 unix.SockaddrInet4
	copy(sa4.Addr[:], a.IP.To4())
	sa4.Port = a.Port
	return &sa4
}

func fromSockaddr(sa unix.Sockaddr) Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return Addr{IP: net.IP(v.Addr[:]).To4(), Port: v.Port}
	case *unix.SockaddrInet6:
		return Addr{IP: net.IP(v.Addr[:]), Port: v.Port}
	default:
		return Addr{}
	}
}

// DialActive creates a nonblocking TCP socket and begins connecting to
// remote. It returns the socket fd immediately; connected reports whether
// the connection completed synchronously (rare, but possible for loopback).
// If connected is false and err is nil, the caller must poll the fd for
// writability and call CheckConnectionCompletion.
func DialActive(remote Addr) (fd int, connected bool, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, errors.WithStack(err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, false, errors.WithStack(err)
	}
	if err := setNoDelay(fd); err != nil {
		unix.Close(fd)
		return -1, false, errors.WithStack(err)
	}

	err = unix.Connect(fd, toSockaddr(remote))
	if err == nil {
		return fd, true, nil
	}
	if errors.Is(err, unix.EINPROGRESS) {
		return fd, false, nil
	}

	unix.Close(fd)
	return -1, false, errors.WithStack(err)
}

// CheckConnectionCompletion polls a connecting socket's pending error.
// It returns nil once the connection has succeeded; a non-nil error
// (including ones wrapping EINPROGRESS's absence) indicates the connect
// failed.
func CheckConnectionCompletion(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.WithStack(err)
	}
	if errno != 0 {
		return errors.WithStack(unix.Errno(errno))
	}
	return nil
}

// ListenPassive creates a nonblocking listening TCP socket bound to local.
// If local.Port is 0, the kernel assigns an ephemeral port; call
// GetsockName on the returned fd to discover it.
func ListenPassive(local Addr) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.WithStack(err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.WithStack(err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, errors.WithStack(err)
	}

	if err := unix.Bind(fd, toSockaddr(local)); err != nil {
		unix.Close(fd)
		return -1, errors.WithStack(err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, errors.WithStack(err)
	}

	return fd, nil
}

// AcceptNonblocking accepts a pending connection on a nonblocking listening
// socket, returning a nonblocking accepted socket and the peer address.
// ErrTryAgain-equivalent: on an empty backlog this returns unix.EAGAIN
// (callers should check with errors.Is against unix.EAGAIN/unix.EWOULDBLOCK).
func AcceptNonblocking(listenFD int) (fd int, remote Addr, err error) {
	newFD, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, Addr{}, errors.WithStack(err)
	}
	if err := setNoDelay(newFD); err != nil {
		unix.Close(newFD)
		return -1, Addr{}, errors.WithStack(err)
	}
	return newFD, fromSockaddr(sa), nil
}

// GetsockName returns the local address bound to fd.
func GetsockName(fd int) (Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return Addr{}, errors.WithStack(err)
	}
	return fromSockaddr(sa), nil
}

// GetpeerName returns the remote address connected to fd.
func GetpeerName(fd int) (Addr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return Addr{}, errors.WithStack(err)
	}
	return fromSockaddr(sa), nil
}

func setNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// Close closes fd, ignoring the already-closed case.
func Close(fd int) error {
	if err := unix.Close(fd); err != nil && !errors.Is(err, unix.EBADF) {
		return err
	}
	return nil
}

// IsWouldBlock reports whether err indicates a nonblocking operation would
// have blocked.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINPROGRESS)
}

// PollOnce checks fd's readiness for events without blocking, returning the
// revents bitmask observed.
func PollOnce(fd int, events int16) (int16, error) {
	return doPoll(fd, events, 0)
}

// PollWait blocks until fd is ready for events, with no timeout. It is used
// only by the handshake goroutine (see sslconn), which is explicitly
// allowed to block since it runs off the host's cooperative loop.
func PollWait(fd int, events int16) error {
	_, err := doPoll(fd, events, -1)
	return err
}

func doPoll(fd int, events int16, timeoutMS int) (int16, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		_, err := unix.Poll(fds, timeoutMS)
		if err == nil {
			return fds[0].Revents, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return 0, errors.WithStack(err)
	}
}
