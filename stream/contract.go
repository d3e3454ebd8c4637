// Package stream defines the generic, transport-agnostic stream/pstream
// contract that both the TLS active stream (sslconn) and TLS passive
// listener (psslconn) implement, so a switch-to-controller transport layer
// can treat TLS and plain TCP uniformly. It stands in for the host
// framework's own stream-provider contract, which this module conforms to
// but does not own.
package stream

import "io"

// WaitKind identifies what a caller is waiting to be able to do next.
type WaitKind int

const (
	// WaitConnect waits for an in-progress connection attempt to resolve.
	WaitConnect WaitKind = iota
	// WaitRecv waits for the stream to be readable.
	WaitRecv
	// WaitSend waits for room to buffer another outbound payload.
	WaitSend
)

// Direction is the socket-level readiness a stream wants before it can
// make more progress: reading, writing, or nothing (no block needed).
type Direction int

const (
	// Nothing means the last operation needs no further I/O to proceed.
	Nothing Direction = iota
	// Reading means the last operation is blocked on socket readability.
	Reading
	// Writing means the last operation is blocked on socket writability.
	Writing
)

// Waiter is the poll registration primitive the host framework provides:
// wait for an fd in a given direction, or wake up immediately.
type Waiter interface {
	WaitForFD(fd int, dir Direction)
	WakeImmediately()
}

// Stream is the active-stream operation table: open is a constructor
// function, not a method, since it has no receiver yet.
type Stream interface {
	io.Closer

	// Connect drives the connection state machine forward one step.
	// Returns nil once established, ErrTryAgain if the caller must wait
	// and retry, or another Status-kind error on failure.
	Connect() error

	// Recv reads into buf, returning the number of bytes read. A non-error
	// return always has n > 0. Returns (0, io.EOF) on a clean peer close,
	// (0, ErrTryAgain) if no data is available yet.
	Recv(buf []byte) (int, error)

	// Send buffers up to all of buf for transmission. Returns nil if the
	// stream accepted responsibility for the bytes (whether or not they
	// were all written to the wire yet), ErrTryAgain if a previous
	// payload is still buffered, or a Status-kind error.
	Send(buf []byte) error

	// Run advances any buffered outbound payload. Called by the host loop
	// between poll cycles.
	Run()

	// Wait registers with w for the readiness the given WaitKind needs.
	Wait(w Waiter, kind WaitKind)

	// RunWait registers with w for the readiness Run needs to make
	// progress on a buffered payload, if any.
	RunWait(w Waiter)

	// Name returns the stream's display name (e.g. "ssl:127.0.0.1:6633").
	Name() string
}

// PassiveStream is the passive-listener operation table.
type PassiveStream interface {
	io.Closer

	// Accept returns a newly accepted Stream in the server role, or
	// ErrTryAgain if the backlog is empty.
	Accept() (Stream, error)

	// Wait registers with w for listener readability.
	Wait(w Waiter)

	// Name returns the listener's bound display name (e.g.
	// "pssl:6633:127.0.0.1").
	Name() string
}
