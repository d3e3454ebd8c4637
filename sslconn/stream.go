// Package sslconn implements the active TLS stream: nonblocking
// TCP-then-TLS handshake, byte-stream send/receive, and the CA bootstrap
// controller that runs at the end of a client handshake when bootstrap
// mode is armed.
package sslconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/effective-security/ofssl/internal/rawsock"
	"github.com/effective-security/ofssl/sslctx"
	"github.com/effective-security/ofssl/stream"
	"github.com/effective-security/xlog"
	"golang.org/x/sys/unix"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/ofssl", "sslconn")

// errorRL rate-limits logging of TLS-layer errors: malformed peer input
// can otherwise flood the log.
var errorRL = newRateLimiter()

// Role is which side of the handshake a Stream plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Phase is the active stream's macro-state.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseHandshaking
	PhaseEstablished
	PhaseClosed
)

// Stream is the active TLS stream: the implementation of stream.Stream.
type Stream struct {
	mu sync.Mutex

	name string
	role Role
	ctx  *sslctx.Context

	fd    int
	conn  *nonblockConn
	phase Phase

	local, remote tcpAddr

	tlsConn          *tls.Conn
	handshakeStarted bool
	handshakeArmed   bool
	handshakeDone    chan struct{} // closed (never written) when the handshake goroutine finishes
	handshakeErr     error

	rxWant, txWant stream.Direction

	pendingOut        []byte
	pendingOutFlushed int

	closed bool
}

var _ stream.Stream = (*Stream)(nil)

// Dial begins an active (client-role) connection to remote using ctx's
// current configuration. The returned Stream starts in PhaseConnecting, or
// in PhaseHandshaking if the TCP connect completed synchronously; callers
// must drive it forward with repeated Connect calls until it
// reports something other than stream.ErrTryAgain.
func Dial(ctx *sslctx.Context, host string, port int) (*Stream, error) {
	addr, err := rawsock.ParseHostPort(host, port)
	if err != nil {
		return nil, stream.WrapOS(err)
	}

	fd, connected, err := rawsock.DialActive(addr)
	if err != nil {
		return nil, stream.WrapOS(err)
	}

	s := newStream(ctx, RoleClient, fd, fmt.Sprintf("ssl:%s", addr.String()))
	if connected {
		s.phase = PhaseHandshaking
	}
	return s, nil
}

// NewServerStream wraps an already-connected socket (from the passive
// listener's Accept) as a server-role Stream, starting directly in
// PhaseHandshaking since the TCP connect step is already done.
func NewServerStream(ctx *sslctx.Context, fd int, remote rawsock.Addr) *Stream {
	s := newStream(ctx, RoleServer, fd, fmt.Sprintf("ssl:%s (accepted)", remote.String()))
	s.phase = PhaseHandshaking
	return s
}

func newStream(ctx *sslctx.Context, role Role, fd int, name string) *Stream {
	local := addrOrZero(rawsock.GetsockName(fd))
	remote := addrOrZero(rawsock.GetpeerName(fd))

	s := &Stream{
		name:   name,
		role:   role,
		ctx:    ctx,
		fd:     fd,
		local:  local,
		remote: remote,
	}
	s.conn = newNonblockConn(fd, local, remote)
	return s
}

// Name returns the stream's display name.
func (s *Stream) Name() string { return s.name }

// Connect drives the TCP-then-TLS handshake state machine forward one
// non-blocking step, returning stream.ErrTryAgain until it completes.
func (s *Stream) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case PhaseConnecting:
		if err := s.probeConnect(); err != nil {
			return err
		}
		s.phase = PhaseHandshaking
		fallthrough
	case PhaseHandshaking:
		return s.stepHandshake()
	case PhaseEstablished:
		return nil
	default:
		return stream.ErrProtocol
	}
}

func (s *Stream) probeConnect() error {
	revents, err := pollOutNoBlock(s.fd)
	if err != nil {
		return stream.WrapOS(err)
	}
	if revents == 0 {
		return stream.ErrTryAgain
	}
	if cerr := rawsock.CheckConnectionCompletion(s.fd); cerr != nil {
		return stream.WrapOS(cerr)
	}
	return nil
}

func pollOutNoBlock(fd int) (int16, error) {
	return rawsock.PollOnce(fd, unix.POLLOUT)
}

// stepHandshake starts (on first call) or polls (on later calls) the
// handshake goroutine. Handshake runs off-thread because crypto/tls.Conn's
// Handshake permanently caches any non-nil return -- unlike Read/Write, it
// cannot tolerate returning a transient "would block" and being retried --
// so the goroutine drives nonblockConn in its blocking mode until the
// handshake genuinely completes or fails, and the cooperative caller only
// ever observes try-again/done, never a premature poisoning error.
func (s *Stream) stepHandshake() error {
	if !s.handshakeStarted {
		cfg, armed, err := s.ctx.TLSConfig(s.role == RoleServer)
		if err != nil {
			return stream.ErrNotConfigured
		}

		s.handshakeArmed = armed
		if s.role == RoleClient {
			s.tlsConn = tls.Client(s.conn, cfg)
		} else {
			s.tlsConn = tls.Server(s.conn, cfg)
		}

		s.handshakeStarted = true
		s.handshakeDone = make(chan struct{})
		s.conn.setBlocking(true)

		tlsConn := s.tlsConn
		done := s.handshakeDone
		go func() {
			err := tlsConn.HandshakeContext(context.Background())
			s.mu.Lock()
			s.handshakeErr = err
			s.mu.Unlock()
			close(done)
		}()
	}

	select {
	case <-s.handshakeDone:
		s.conn.setBlocking(false)
		if s.handshakeErr != nil {
			if errorRL.Allow() {
				logger.KV(xlog.DEBUG, "reason", "handshake_failed", "stream", s.name, "err", s.handshakeErr.Error())
			}
			return stream.ErrProtocol
		}
		return s.finishHandshake()
	default:
		return stream.ErrTryAgain
	}
}

// finishHandshake applies post-handshake policy: a client that completed
// its handshake under an armed bootstrap hands off to the bootstrap
// controller instead of becoming established.
func (s *Stream) finishHandshake() error {
	if s.handshakeArmed && s.role == RoleClient {
		return s.runBootstrap()
	}

	// crypto/tls enforces certificate verification live during Handshake
	// itself rather than deferring to a post-hoc check: a "verification
	// was relaxed but this session completed anyway" race cannot occur
	// here once handshakeArmed is false, since the tls.Config snapshot
	// used for this handshake verified the peer's chain against the
	// trusted CAs (sslctx.TLSConfig's VerifyConnection for a client) and a
	// real verification failure would have surfaced as a non-nil
	// Handshake error above.
	s.phase = PhaseEstablished
	return nil
}
