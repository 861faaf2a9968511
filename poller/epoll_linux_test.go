//go:build linux

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPoller(t *testing.T) Poller {
	t.Helper()
	p, err := New(16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestEdgeTriggeredReadable(t *testing.T) {
	p := newPoller(t)
	r, w := pipe(t)
	require.NoError(t, p.Register(r, Readable))

	events := make([]Event, 16)
	n, err := p.Wait(events, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)
	n, err = p.Wait(events, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, r, events[0].FD)
	assert.True(t, events[0].Mask.Has(Readable))

	// 边缘触发：未读完也不会再次通知
	n, err = p.Wait(events, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Mod 重新布防后立即上报
	require.NoError(t, p.Mod(r, Readable))
	n, err = p.Wait(events, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHalfCloseOnPipeEOF(t *testing.T) {
	p := newPoller(t)
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	require.NoError(t, p.Register(fds[0], Readable))
	require.NoError(t, unix.Close(fds[1]))

	events := make([]Event, 4)
	n, err := p.Wait(events, 1000)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.True(t, events[0].Mask.Has(HalfClose))
}

func TestWakeIsNotReported(t *testing.T) {
	p := newPoller(t)
	done := make(chan int, 1)
	go func() {
		events := make([]Event, 4)
		n, _ := p.Wait(events, 5000)
		done <- n
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Wake())
	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not interrupt wait")
	}
}

func TestUnregister(t *testing.T) {
	p := newPoller(t)
	r, w := pipe(t)
	require.NoError(t, p.Register(r, Readable))
	require.NoError(t, p.Unregister(r))
	_, _ = unix.Write(w, []byte("x"))

	events := make([]Event, 4)
	n, err := p.Wait(events, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Error(t, p.Unregister(r))
}

func TestInterestString(t *testing.T) {
	assert.Equal(t, "none", Interest(0).String())
	assert.Equal(t, "r|w|hup", (Readable | Writable | HalfClose).String())
}
