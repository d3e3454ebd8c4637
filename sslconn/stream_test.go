package sslconn

import (
	"testing"

	"github.com/effective-security/ofssl/stream"
	"github.com/stretchr/testify/assert"
)

// These are white-box tests: they construct a Stream directly in
// PhaseEstablished without running a real handshake, to exercise boundary
// behaviors that do not depend on an actual TLS session.

func TestRecv_ZeroLengthRejected(t *testing.T) {
	s := &Stream{phase: PhaseEstablished}
	n, err := s.Recv(nil)
	assert.Equal(t, 0, n)
	assert.Error(t, err)
}

func TestSend_BackpressureWhilePayloadBuffered(t *testing.T) {
	s := &Stream{phase: PhaseEstablished, pendingOut: []byte("already buffered")}
	err := s.Send([]byte("more"))
	assert.ErrorIs(t, err, stream.ErrTryAgain)
	assert.Equal(t, "already buffered", string(s.pendingOut))
}

func TestConnect_AlreadyEstablishedIsNoop(t *testing.T) {
	s := &Stream{phase: PhaseEstablished}
	assert.NoError(t, s.Connect())
}

func TestRunWait_NoPendingPayloadWakesImmediately(t *testing.T) {
	s := &Stream{phase: PhaseEstablished, conn: newNonblockConn(-1, nil, nil)}
	waiter := &recordingWaiter{}
	s.RunWait(waiter)
	assert.True(t, waiter.woke)
	assert.Empty(t, waiter.waited)
}

func TestWaitSend_PendingPayloadDefersToRunWait(t *testing.T) {
	s := &Stream{phase: PhaseEstablished, pendingOut: []byte("x"), fd: 99, txWant: stream.Writing}
	waiter := &recordingWaiter{}
	s.Wait(waiter, stream.WaitSend)
	assert.False(t, waiter.woke)

	s.RunWait(waiter)
	assert.Equal(t, []waitCall{{fd: 99, dir: stream.Writing}}, waiter.waited)
}

type waitCall struct {
	fd  int
	dir stream.Direction
}

type recordingWaiter struct {
	woke   bool
	waited []waitCall
}

func (w *recordingWaiter) WaitForFD(fd int, dir stream.Direction) {
	w.waited = append(w.waited, waitCall{fd: fd, dir: dir})
}

func (w *recordingWaiter) WakeImmediately() { w.woke = true }
