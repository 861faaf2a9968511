//go:build unix

package bytebuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestRecvSend(t *testing.T) {
	a, b := socketpair(t)

	out, err := New(64)
	require.NoError(t, err)
	_, _ = out.WriteString("GET / HTTP/1.1\r\n\r\n")

	n, err := out.Send(a, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "/ HTTP/1.1\r\n\r\n", string(out.Bytes()))

	n, err = out.Send(a, 1024)
	require.NoError(t, err)
	assert.Equal(t, 14, n)
	assert.Equal(t, 0, out.Len())
	checkInvariants(t, out)

	in, err := New(8)
	require.NoError(t, err)
	n, err = in.Recv(b, 1024)
	require.NoError(t, err)
	assert.Equal(t, 8, n, "bounded by remaining space")
	assert.Equal(t, 0, in.Free())

	_, err = in.Recv(b, 1024)
	require.ErrorIs(t, err, ErrFull)

	require.NoError(t, in.Expand(in.Cap()*4))
	n, err = in.Recv(b, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "bounded by max")
	n, err = in.Recv(b, 1024)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "GET / HTTP/1.1\r\n\r\n", string(in.Bytes()))
	checkInvariants(t, in)

	_, err = in.Recv(b, 1024)
	assert.True(t, IsWouldBlock(err))
}

func TestRecvEOF(t *testing.T) {
	a, b := socketpair(t)
	require.NoError(t, unix.Shutdown(a, unix.SHUT_WR))

	in, err := New(8)
	require.NoError(t, err)
	n, err := in.Recv(b, 8)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSendEmpty(t *testing.T) {
	a, _ := socketpair(t)
	out, err := New(8)
	require.NoError(t, err)
	n, err := out.Send(a, 8)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
