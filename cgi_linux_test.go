//go:build linux

package knight

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/knight/poller"
	"github.com/legamerdc/knight/reactor"
)

func TestSpawnCGIMissing(t *testing.T) {
	_, err := spawnCGI(filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)
}

func TestReaperCollectsExitedChild(t *testing.T) {
	r := newReaper(zaptest.NewLogger(t))
	p, err := spawnCGI("/bin/true", nil)
	require.NoError(t, err)
	closeFDs(p.stdin, p.stdout)

	r.collect(p.pid)
	require.Eventually(t, func() bool {
		r.reap()
		return r.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	var ws unix.WaitStatus
	_, err = unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
	assert.ErrorIs(t, err, unix.ECHILD)
}

func TestReaperKillAll(t *testing.T) {
	script := filepath.Join(t.TempDir(), "sleep.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))

	r := newReaper(zaptest.NewLogger(t))
	for i := 0; i < 3; i++ {
		p, err := spawnCGI(script, []string{"PATH=" + os.Getenv("PATH")})
		require.NoError(t, err)
		closeFDs(p.stdin, p.stdout)
		r.collect(p.pid)
	}
	assert.Equal(t, 3, r.Len())
	r.reap()
	assert.Equal(t, 3, r.Len())

	r.killAll()
	assert.Zero(t, r.Len())
}

func TestSpawnCGIPipes(t *testing.T) {
	p, err := spawnCGI("/bin/cat", nil)
	require.NoError(t, err)
	defer func() {
		r := newReaper(zaptest.NewLogger(t))
		r.collect(p.pid)
		r.killAll()
	}()

	_, err = unix.Write(p.stdin, []byte("ping"))
	require.NoError(t, err)
	closeFDs(p.stdin)

	buf := make([]byte, 16)
	var got []byte
	require.Eventually(t, func() bool {
		n, err := unix.Read(p.stdout, buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	closeFDs(p.stdout)
	assert.Equal(t, "ping", string(got))
}

// newLoopEngine 构造只含事件循环所需字段的 engine，不监听端口。
func newLoopEngine(t *testing.T) *engine {
	t.Helper()
	r, err := reactor.New(reactor.Options{MaxEvents: 64, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	cfg := DefaultConfig()
	return &engine{
		cfg:    cfg,
		log:    zaptest.NewLogger(t),
		access: nopAccessLogger{},
		r:      r,
		lstate: stateAccepting,
		conns:  make(map[*conn]struct{}),
		reaper: newReaper(zaptest.NewLogger(t)),
		limit:  cfg.MaxHeaderBytes + cfg.MaxBodyBytes + cfg.BufferSize,
	}
}

func TestPanicInHandlerRunsConnTeardown(t *testing.T) {
	e := newLoopEngine(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { closeFDs(fds[1]) })
	require.NoError(t, e.newConn(fds[0], "test"))
	require.Len(t, e.conns, 1)

	var c *conn
	for c = range e.conns {
	}
	p, err := spawnCGI("/bin/cat", nil)
	require.NoError(t, err)
	require.NoError(t, c.ep.AttachSource(p.stdout, poller.Readable|poller.HalfClose))
	p.stdoutAttached = true
	c.cgi = p

	c.ep.SetCallback(reactor.Readable, func(*reactor.Endpoint, int) { panic("handler bug") })
	_, err = unix.Write(fds[1], []byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for len(e.conns) > 0 {
		require.True(t, time.Now().Before(deadline), "connection not torn down")
		_, err := e.r.Poll(50)
		require.NoError(t, err)
	}
	assert.True(t, c.ep.Closed())
	assert.Nil(t, c.cgi)
	assert.Zero(t, e.r.Len())
	e.reaper.killAll()
}

func TestStopCGIAfterEndpointClosed(t *testing.T) {
	e := newLoopEngine(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { closeFDs(fds[1]) })
	require.NoError(t, e.newConn(fds[0], "test"))
	var c *conn
	for c = range e.conns {
	}

	p, err := spawnCGI("/bin/cat", nil)
	require.NoError(t, err)
	require.NoError(t, c.ep.AttachSource(p.stdout, poller.Readable))
	p.stdoutAttached = true
	c.cgi = p
	stdout := p.stdout

	// Endpoint 先于连接关闭（例如 Reactor.Close），之后同一个 fd 号被复用
	require.NoError(t, c.ep.Close())
	require.NoError(t, unix.Dup3(fds[1], stdout, unix.O_CLOEXEC))
	t.Cleanup(func() { closeFDs(stdout) })

	c.stopCGI(unix.SIGKILL)
	e.reaper.killAll()
	_, err = unix.FcntlInt(uintptr(stdout), unix.F_GETFD, 0)
	assert.NoError(t, err, "reused fd %d was closed", stdout)
}
