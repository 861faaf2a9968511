//go:build linux

package knight

import (
	"net/http"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/knight/internal/bytebuf"
	"github.com/legamerdc/knight/poller"
	"github.com/legamerdc/knight/protocol"
)

// cgiProc 为一个运行中的 CGI 子进程及其两端管道（父进程一侧）。
type cgiProc struct {
	pid    int
	stdin  int
	stdout int
	// 尚未写入子进程的消息体
	input  []byte
	req    *protocol.Request
	status int
	sent   int64
	// outbound 积压到上限时暂停读取子进程输出
	paused bool
	// 管道是否已挂到 Endpoint 上，挂上后由 Endpoint 负责关闭
	stdinAttached  bool
	stdoutAttached bool
}

func (p *cgiProc) isStdout(fd int) bool { return p != nil && p.stdout >= 0 && fd == p.stdout }
func (p *cgiProc) isStdin(fd int) bool  { return p != nil && p.stdin >= 0 && fd == p.stdin }

// spawnCGI 以管道重定向标准输入输出启动脚本，stderr 继承自服务进程。
func spawnCGI(path string, env []string) (*cgiProc, error) {
	var in, out [2]int
	if err := unix.Pipe2(in[:], unix.O_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "pipe2")
	}
	if err := unix.Pipe2(out[:], unix.O_CLOEXEC); err != nil {
		closeFDs(in[0], in[1])
		return nil, errors.Wrap(err, "pipe2")
	}
	pid, err := syscall.ForkExec(path, []string{path}, &syscall.ProcAttr{
		Dir:   filepath.Dir(path),
		Env:   env,
		Files: []uintptr{uintptr(in[0]), uintptr(out[1]), uintptr(unix.Stderr)},
	})
	closeFDs(in[0], out[1])
	if err != nil {
		closeFDs(in[1], out[0])
		return nil, errors.Wrapf(err, "exec %s", path)
	}
	if err := errors.CombineErrors(unix.SetNonblock(in[1], true), unix.SetNonblock(out[0], true)); err != nil {
		closeFDs(in[1], out[0])
		_ = unix.Kill(pid, unix.SIGKILL)
		var ws unix.WaitStatus
		_, _ = unix.Wait4(pid, &ws, 0, nil)
		return nil, errors.Wrap(err, "set nonblock")
	}
	return &cgiProc{pid: pid, stdin: in[1], stdout: out[0], status: defaultCGIStatus}, nil
}

func closeFDs(fds ...int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}

// startCGI 把请求交给脚本：写入已缓冲的消息体，把输出管道挂到连接的 Endpoint 上。
func (c *conn) startCGI(req *protocol.Request, body []byte) {
	env := cgiEnv(c.e.cfg, req, c.ep.Peer, c.e.addr.Port, len(body))
	p, err := spawnCGI(c.e.cgiPath, env)
	if err != nil {
		c.e.log.Error("cgi spawn", zap.String("path", c.e.cgiPath), zap.Error(err))
		c.respondError(req, http.StatusInternalServerError, false)
		req.Release()
		return
	}
	c.e.log.Debug("cgi started", zap.Int("pid", p.pid), zap.String("uri", req.URI))
	p.input = slices.Clone(body)
	c.cgi = p
	c.state = stateCGIPending
	if err := c.ep.AttachSource(p.stdout, poller.Readable|poller.HalfClose); err != nil {
		c.e.log.Error("cgi attach", zap.Int("pid", p.pid), zap.Error(err))
		c.respondError(req, http.StatusInternalServerError, false)
		req.Release()
		c.stopCGI(unix.SIGKILL)
		return
	}
	p.stdoutAttached = true
	p.req = req
	c.feedCGI()
}

// feedCGI 向子进程写消息体；would-block 时把 stdin 作为 WRITABLE 源挂上，等待下一个边沿。
func (c *conn) feedCGI() {
	p := c.cgi
	for len(p.input) > 0 {
		n, err := unix.Write(p.stdin, p.input)
		if err == nil {
			p.input = p.input[n:]
			continue
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if bytebuf.IsWouldBlock(err) {
			if p.stdinAttached {
				return
			}
			if err := c.ep.AttachSource(p.stdin, poller.Writable); err == nil {
				p.stdinAttached = true
				return
			}
			c.e.log.Warn("cgi stdin attach", zap.Int("pid", p.pid), zap.Error(err))
		} else {
			// EPIPE：子进程不再读取
			c.e.log.Debug("cgi stdin", zap.Int("pid", p.pid), zap.Error(err))
		}
		break
	}
	c.closeStdin()
}

func (c *conn) dropCGIInput() {
	c.e.log.Debug("cgi closed stdin", zap.Int("pid", c.cgi.pid), zap.Int("dropped", len(c.cgi.input)))
	c.closeStdin()
}

func (c *conn) closeStdin() {
	p := c.cgi
	if p.stdin < 0 {
		return
	}
	c.releaseSource(p.stdin, p.stdinAttached)
	p.stdin, p.input, p.stdinAttached = -1, nil, false
}

// releaseSource 关闭一端管道。已挂上的管道在 Endpoint 关闭时已一并释放，不能再次关闭。
func (c *conn) releaseSource(fd int, attached bool) {
	var err error
	switch {
	case !attached:
		err = unix.Close(fd)
	case c.ep.HasSource(fd):
		err = c.ep.DetachSource(fd)
	}
	if err != nil {
		c.e.log.Debug("release cgi pipe", zap.Int("fd", fd), zap.Error(err))
	}
}

// readCGI 把子进程输出原样读入 outbound，返回是否读到 EOF。
func (c *conn) readCGI() bool {
	p, out := c.cgi, c.ep.Out
	p.paused = false
	for {
		if out.Len() >= c.e.limit {
			p.paused = true
			return false
		}
		if out.Free() == 0 {
			if err := out.Grow(out.Cap()); err != nil {
				c.e.log.Warn("outbound buffer", zap.String("peer", c.ep.Peer), zap.Error(err))
				return true
			}
		}
		n, err := out.Recv(p.stdout, out.Free())
		switch {
		case err == nil && n == 0:
			return true
		case err == nil:
			if p.sent == 0 {
				p.status = cgiStatus(out.Bytes()[out.Len()-n:])
			}
			p.sent += int64(n)
		case errors.Is(err, unix.EINTR):
		case bytebuf.IsWouldBlock(err):
			return false
		default:
			c.e.log.Debug("cgi stdout", zap.Int("pid", p.pid), zap.Error(err))
			return true
		}
	}
}

// pumpCGI 处理输出管道上的就绪通知。
func (c *conn) pumpCGI() {
	c.touch()
	if c.readCGI() {
		c.finishCGI()
	}
	c.pump()
}

// finishCGI 在输出 EOF 后结束桥接，响应写完即关闭连接。
func (c *conn) finishCGI() {
	if p := c.cgi; p.sent == 0 && p.req != nil {
		c.respondError(p.req, http.StatusBadGateway, false)
		p.req.Release()
		p.req = nil
	}
	c.stopCGI(0)
	c.ep.CloseAfterWrite = true
}

// stopCGI 关闭两端管道并回收子进程；sig 非 0 时先发送信号。
func (c *conn) stopCGI(sig unix.Signal) {
	p := c.cgi
	if p == nil {
		return
	}
	c.closeStdin()
	if p.stdout >= 0 {
		c.releaseSource(p.stdout, p.stdoutAttached)
		p.stdout, p.stdoutAttached = -1, false
	}
	if sig != 0 {
		_ = unix.Kill(p.pid, sig)
	}
	if p.req != nil {
		c.e.access.Log(c.ep.Peer, p.req, p.status, p.sent)
		p.req.Release()
		p.req = nil
	}
	c.cgi = nil
	c.e.reaper.collect(p.pid)
	c.e.reaper.reap()
}

// reaper 回收已退出的子进程。尚未退出的 pid 排队，在每次 accept 和每次桥接结束时重试。
type reaper struct {
	pending *queue.Queue
	log     *zap.Logger
}

func newReaper(log *zap.Logger) *reaper {
	return &reaper{pending: queue.New(), log: log}
}

func (r *reaper) Len() int { return r.pending.Length() }

func (r *reaper) collect(pid int) {
	if !r.wait(pid, unix.WNOHANG) {
		r.pending.Add(pid)
	}
}

func (r *reaper) reap() {
	for n := r.pending.Length(); n > 0; n-- {
		pid := r.pending.Remove().(int)
		if !r.wait(pid, unix.WNOHANG) {
			r.pending.Add(pid)
		}
	}
}

// killAll 在关闭服务时强制结束并同步回收所有排队的子进程。
func (r *reaper) killAll() {
	for r.pending.Length() > 0 {
		pid := r.pending.Remove().(int)
		_ = unix.Kill(pid, unix.SIGKILL)
		r.wait(pid, 0)
	}
}

// wait 返回 true 表示子进程已回收或已不存在。
func (r *reaper) wait(pid int, options int) bool {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, options, nil)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			r.log.Debug("wait4", zap.Int("pid", pid), zap.Error(err))
			return true
		case wpid == 0:
			return false
		}
		r.log.Debug("cgi exited", zap.Int("pid", pid), zap.Int("status", ws.ExitStatus()), zap.Bool("signaled", ws.Signaled()))
		return true
	}
}
