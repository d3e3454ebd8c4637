package sslconn

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/effective-security/ofssl/stream"
	"github.com/effective-security/xlog"
)

// Recv reads into buf, applying the want-tracker update rule: rxWant
// always reflects this call's own outcome, while txWant is only cleared
// if the TLS session made progress during the call.
func (s *Stream) Recv(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(buf) == 0 {
		return 0, errors.New("sslconn: zero-length recv is undefined")
	}
	if s.phase != PhaseEstablished {
		return 0, stream.ErrProtocol
	}

	rxBefore, txBefore := s.conn.ByteCounts()
	s.rxWant = stream.Nothing

	n, err := s.tlsConn.Read(buf)

	rxAfter, txAfter := s.conn.ByteCounts()
	if rxAfter != rxBefore || txAfter != txBefore {
		s.txWant = stream.Nothing
	}

	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	}

	if dir, ok := asWouldBlock(err); ok {
		s.rxWant = dir
		return 0, stream.ErrTryAgain
	}

	if errorRL.Allow() {
		logger.KV(xlog.WARNING, "reason", "recv_error", "stream", s.name, "err", err.Error())
	}
	return 0, stream.ErrIO
}

// Send buffers buf and attempts to flush it. At most one payload is ever
// in flight at a time: a call made while one is still outstanding -- either
// waiting in pendingOut or still draining out of the connection's own wire
// backlog -- fails with stream.ErrTryAgain, enforcing backpressure on the
// caller.
func (s *Stream) Send(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseEstablished {
		return stream.ErrProtocol
	}
	if s.pendingOut != nil || s.conn.Pending() {
		return stream.ErrTryAgain
	}

	s.pendingOut = append([]byte(nil), buf...)
	s.pendingOutFlushed = 0
	return s.flushPending()
}

// Run advances any buffered outbound payload by one non-blocking attempt,
// and in any case gives the connection's own write backlog (bytes already
// handed to the TLS session but not yet on the wire) a chance to drain.
func (s *Stream) Run() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingOut != nil {
		_ = s.flushPending()
		return
	}
	s.drainConnBacklog()
}

// flushPending pushes as much of the pending payload through the TLS
// session as it can without blocking, applying the want-tracker update
// rule. It is shared by Send (first attempt) and Run (later attempts).
func (s *Stream) flushPending() error {
	remaining := s.pendingOut[s.pendingOutFlushed:]
	if len(remaining) == 0 {
		s.pendingOut = nil
		return nil
	}

	rxBefore, txBefore := s.conn.ByteCounts()
	s.txWant = stream.Nothing

	n, err := s.tlsConn.Write(remaining)
	s.pendingOutFlushed += n

	rxAfter, txAfter := s.conn.ByteCounts()
	if rxAfter != rxBefore || txAfter != txBefore {
		s.rxWant = stream.Nothing
	}

	if err == nil {
		s.pendingOut = nil
		// The TLS layer accepted every byte, but the connection may still
		// be draining some of them to the kernel socket buffer.
		if s.conn.Pending() {
			s.txWant = stream.Writing
		}
		return nil
	}

	// tlsConn.Write itself never returns a *wouldBlockError (nonblockConn
	// buffers internally rather than surface one, since crypto/tls.Conn
	// would cache it forever); this only fires on the rare path where the
	// TLS layer's own internal read (e.g. while processing an in-band
	// control message during Write) hit one.
	if dir, ok := asWouldBlock(err); ok {
		s.txWant = dir
		return nil
	}

	s.pendingOut = nil
	if isCleanClose(err) {
		return stream.ErrBrokenPipe
	}

	if errorRL.Allow() {
		logger.KV(xlog.WARNING, "reason", "send_error", "stream", s.name, "err", err.Error())
	}
	return stream.ErrIO
}

// drainConnBacklog gives the connection's buffered-but-unsent output
// another chance to reach the wire, clearing txWant once it fully drains.
func (s *Stream) drainConnBacklog() {
	if !s.conn.Pending() {
		return
	}
	_ = s.conn.Flush()
	if !s.conn.Pending() {
		s.txWant = stream.Nothing
	}
}

func isCleanClose(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// Wait registers w against the readiness condition named by kind.
func (s *Stream) Wait(w stream.Waiter, kind stream.WaitKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case stream.WaitConnect:
		s.waitConnect(w)
	case stream.WaitRecv:
		if s.rxWant != stream.Nothing {
			w.WaitForFD(s.fd, s.rxWant)
			return
		}
		w.WakeImmediately()
	case stream.WaitSend:
		if s.pendingOut == nil && !s.conn.Pending() {
			w.WakeImmediately()
		}
		// Otherwise registration is deferred to RunWait.
	}
}

func (s *Stream) waitConnect(w stream.Waiter) {
	switch s.phase {
	case PhaseConnecting:
		revents, err := pollOutNoBlock(s.fd)
		if err != nil || revents != 0 {
			w.WakeImmediately()
			return
		}
		w.WaitForFD(s.fd, stream.Writing)
	case PhaseHandshaking:
		select {
		case <-s.handshakeDone:
			w.WakeImmediately()
		default:
			w.WaitForFD(s.fd, s.conn.LastWant())
		}
	default:
		w.WakeImmediately()
	}
}

// RunWait registers w for whatever direction the buffered payload's last
// flush attempt wanted, or wakes immediately if nothing is buffered,
// either at the Send layer or in the connection's own write backlog.
func (s *Stream) RunWait(w stream.Waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingOut == nil && !s.conn.Pending() {
		w.WakeImmediately()
		return
	}
	if s.txWant != stream.Nothing {
		w.WaitForFD(s.fd, s.txWant)
		return
	}
	w.WaitForFD(s.fd, stream.Writing)
}

// Close clears any buffered payload, makes one best-effort close_notify
// attempt, then releases the session and socket unconditionally.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.pendingOut = nil
	s.phase = PhaseClosed

	if s.tlsConn != nil {
		_ = s.tlsConn.CloseWrite()
	}
	return s.conn.Close()
}
