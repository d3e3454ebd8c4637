package sslconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketpairConns returns two nonblockConns wired back to back over a
// connected AF_UNIX socketpair, both in nonblocking mode.
func socketpairConns(t *testing.T) (a, b *nonblockConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	return newNonblockConn(fds[0], nil, nil), newNonblockConn(fds[1], nil, nil)
}

// TestNonblockConnWrite_NeverReturnsTransientError drives a write well past
// the kernel socket buffer with nobody reading the peer side, forcing a
// real EAGAIN inside drain(). Write must still report the full length
// accepted with a nil error -- crypto/tls.Conn's write path caches any
// non-nil error forever, so surfacing a transient one here would silently
// drop the undrained remainder and permanently wedge the session.
func TestNonblockConnWrite_NeverReturnsTransientError(t *testing.T) {
	a, b := socketpairConns(t)
	defer a.Close()
	defer b.Close()

	big := make([]byte, 4<<20) // 4 MiB, well past default socket buffers
	for i := range big {
		big[i] = byte(i)
	}

	n, err := a.Write(big)
	assert.NoError(t, err)
	assert.Equal(t, len(big), n)
	assert.True(t, a.Pending(), "a write this large should still have undrained bytes queued")

	recv := make([]byte, 0, len(big))
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(5 * time.Second)
	for len(recv) < len(big) {
		require.False(t, time.Now().After(deadline), "timed out draining peer")
		_ = a.Flush()
		got, rerr := b.Read(buf)
		if rerr != nil {
			if _, ok := asWouldBlock(rerr); ok {
				time.Sleep(time.Millisecond)
				continue
			}
			require.NoError(t, rerr)
		}
		recv = append(recv, buf[:got]...)
	}

	assert.Equal(t, big, recv)
	assert.False(t, a.Pending())
}

// TestNonblockConnWrite_SmallWritesNeverBlockTheCaller checks the ordinary
// case: a write small enough to clear the kernel buffer in one shot drains
// synchronously and leaves nothing pending.
func TestNonblockConnWrite_SmallWritesNeverBlockTheCaller(t *testing.T) {
	a, b := socketpairConns(t)
	defer a.Close()
	defer b.Close()

	n, err := a.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.False(t, a.Pending())

	buf := make([]byte, 16)
	got, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:got]))
}
