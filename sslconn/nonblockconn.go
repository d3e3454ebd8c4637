package sslconn

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/effective-security/ofssl/internal/rawsock"
	"github.com/effective-security/ofssl/stream"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// wouldBlockError reports that a nonblockConn operation needs socket
// readiness in dir before it can make progress. It satisfies net.Error so
// crypto/tls.Conn's ordinary error handling passes it through unmolested.
type wouldBlockError struct {
	dir stream.Direction
}

func (e *wouldBlockError) Error() string   { return "sslconn: would block" }
func (e *wouldBlockError) Timeout() bool   { return true }
func (e *wouldBlockError) Temporary() bool { return true }

// asWouldBlock reports whether err (possibly wrapped) is a wouldBlockError
// and returns its direction.
func asWouldBlock(err error) (stream.Direction, bool) {
	var wb *wouldBlockError
	if errors.As(err, &wb) {
		return wb.dir, true
	}
	return stream.Nothing, false
}

// nonblockConn adapts a raw nonblocking socket to net.Conn for crypto/tls.
// In its default (nonblocking) mode, Read that hits EAGAIN return a
// *wouldBlockError immediately, carrying the direction the caller must wait
// on. While blocking is true -- set only around the one-shot handshake
// goroutine in stream.go, which needs crypto/tls.Conn's Handshake to run to
// completion without returning a transient error (Handshake permanently
// poisons the connection on ANY non-nil return, unlike ordinary Read/Write
// calls made after the handshake) -- a blocked Read instead parks in a
// poll(2) wait and retries.
//
// Write never returns a transient error to its caller: crypto/tls.Conn's
// write path caches any non-nil error from the underlying Write forever,
// with no net.Error/Temporary exemption (that exemption exists only on the
// read path), so a *wouldBlockError surfaced here would permanently wedge
// the TLS session on its very first brush with real backpressure. Instead,
// Write appends to writeBuf and drains as much of it onto the wire as it
// can without blocking, reporting the full length accepted; any undrained
// remainder stays in writeBuf for a later Flush call to push once the
// socket is writable again. In blocking mode, draining parks in poll(2)
// until writeBuf is fully empty, matching Write's pre-buffering behavior
// for the handshake goroutine.
//
// rxBytes/txBytes count bytes that actually crossed the wire; they stand
// in for "did the TLS session state advance between calls" (crypto/tls
// exposes no internal handshake-state introspection the way OpenSSL's
// SSL_state does).
type nonblockConn struct {
	fd                    int
	localAddr, remoteAddr net.Addr

	mu       sync.Mutex
	blocking bool
	lastWant stream.Direction

	writeBuf []byte

	rxBytes, txBytes uint64
}

func newNonblockConn(fd int, local, remote net.Addr) *nonblockConn {
	return &nonblockConn{fd: fd, localAddr: local, remoteAddr: remote}
}

func (c *nonblockConn) setBlocking(b bool) {
	c.mu.Lock()
	c.blocking = b
	c.mu.Unlock()
}

func (c *nonblockConn) setWant(dir stream.Direction) {
	c.mu.Lock()
	c.lastWant = dir
	c.mu.Unlock()
}

// LastWant returns the direction the most recent EAGAIN parked on.
func (c *nonblockConn) LastWant() stream.Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWant
}

// ByteCounts returns the cumulative bytes read and written on the wire.
func (c *nonblockConn) ByteCounts() (rx, tx uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxBytes, c.txBytes
}

func (c *nonblockConn) isBlocking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocking
}

// Pending reports whether output accepted by Write is still sitting in
// writeBuf, not yet pushed onto the wire.
func (c *nonblockConn) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writeBuf) > 0
}

func (c *nonblockConn) Read(b []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, b)
		if err == nil {
			c.mu.Lock()
			c.rxBytes += uint64(n)
			c.mu.Unlock()
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if rawsock.IsWouldBlock(err) {
			c.setWant(stream.Reading)
			if !c.isBlocking() {
				return 0, &wouldBlockError{dir: stream.Reading}
			}
			if perr := rawsock.PollWait(c.fd, unix.POLLIN); perr != nil {
				return 0, perr
			}
			continue
		}
		return 0, errors.WithStack(err)
	}
}

// Write queues b for transmission and drains as much of the combined
// backlog onto the wire as it can without blocking. It reports the full
// length of b as written and a nil error whenever every byte was at least
// accepted into writeBuf, even if some of it is still waiting there for a
// later Flush -- returning a transient error here instead would be cached
// forever by crypto/tls.Conn and permanently wedge the session. Only a
// genuine (non-EAGAIN) socket error is ever returned.
func (c *nonblockConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	c.writeBuf = append(c.writeBuf, b...)
	c.mu.Unlock()

	if err := c.drain(); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Flush pushes any buffered output onto the wire without blocking. It is
// a no-op if writeBuf is already empty.
func (c *nonblockConn) Flush() error {
	return c.drain()
}

// drain pushes writeBuf onto the wire. In nonblocking mode it returns as
// soon as the kernel socket buffer fills, leaving the remainder queued.
// In blocking mode it parks in poll(2) until writeBuf is fully empty.
func (c *nonblockConn) drain() error {
	for {
		c.mu.Lock()
		pending := c.writeBuf
		c.mu.Unlock()
		if len(pending) == 0 {
			return nil
		}

		n, err := unix.Write(c.fd, pending)
		if err == nil {
			c.mu.Lock()
			if n == len(c.writeBuf) {
				c.writeBuf = nil
			} else {
				c.writeBuf = c.writeBuf[n:]
			}
			c.txBytes += uint64(n)
			c.mu.Unlock()
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if rawsock.IsWouldBlock(err) {
			c.setWant(stream.Writing)
			if !c.isBlocking() {
				return nil
			}
			if perr := rawsock.PollWait(c.fd, unix.POLLOUT); perr != nil {
				return perr
			}
			continue
		}
		return errors.WithStack(err)
	}
}

func (c *nonblockConn) Close() error                       { return rawsock.Close(c.fd) }
func (c *nonblockConn) LocalAddr() net.Addr                { return c.localAddr }
func (c *nonblockConn) RemoteAddr() net.Addr               { return c.remoteAddr }
func (c *nonblockConn) SetDeadline(t time.Time) error      { return nil }
func (c *nonblockConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *nonblockConn) SetWriteDeadline(t time.Time) error { return nil }
