//go:build linux

package knight

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/knight/internal/bytebuf"
	"github.com/legamerdc/knight/internal/static"
	"github.com/legamerdc/knight/poller"
	"github.com/legamerdc/knight/protocol"
	"github.com/legamerdc/knight/reactor"
)

const (
	socketInterest = poller.Readable | poller.HalfClose
	maxSendfile    = 1 << 30
)

var gzipHeaders = []protocol.Header{
	{Name: "Content-Encoding", Value: "gzip"},
	{Name: "Vary", Value: "Accept-Encoding"},
}

// pendingFile 为尚未发送完的静态文件
type pendingFile struct {
	f      *static.File
	off    int64
	remain int64
}

// conn 是一条 HTTP 连接的状态机，所有方法都在事件循环线程中执行。
type conn struct {
	e     *engine
	ep    *reactor.Endpoint
	state connState

	// 已解析头部、等待消息体的请求
	req     *protocol.Request
	bodyLen int

	file *pendingFile
	cgi  *cgiProc

	served    int
	peerEOF   bool
	throttled bool
	writable  bool
}

func (e *engine) newConn(fd int, peer string) error {
	ep, err := reactor.NewEndpoint(fd, socketInterest, e.r, reactor.EndpointOptions{
		BufferSize:  e.cfg.BufferSize,
		IdleTimeout: e.cfg.IdleTimeout,
		Peer:        peer,
	})
	if err != nil {
		return err
	}
	c := &conn{e: e, ep: ep, state: stateReading}
	ep.SetCallback(reactor.Error, c.onError)
	ep.SetCallback(reactor.HalfClose, c.onHalfClose)
	ep.SetCallback(reactor.Readable, c.onReadable)
	ep.SetCallback(reactor.Writable, c.onWritable)
	ep.SetCloseHook(c.close)
	e.conns[c] = struct{}{}
	e.log.Debug("accepted", zap.String("peer", peer), zap.Int("fd", fd))
	return nil
}

func (c *conn) onReadable(_ *reactor.Endpoint, fd int) {
	switch {
	case fd == c.ep.TimerFD():
		c.onTimer()
		return
	case c.cgi.isStdout(fd):
		c.pumpCGI()
		return
	case fd != c.ep.FD():
		return
	}
	c.touch()
	if c.cgi != nil && c.cgi.stdout >= 0 {
		if c.readCGI() {
			c.finishCGI()
		}
	}
	if !c.readSocket() {
		return
	}
	if c.peerEOF {
		c.finishPeer()
		return
	}
	c.want(true)
}

func (c *conn) onWritable(_ *reactor.Endpoint, fd int) {
	switch {
	case c.cgi.isStdin(fd):
		c.feedCGI()
		return
	case fd != c.ep.FD():
		return
	}
	c.pump()
}

func (c *conn) onHalfClose(_ *reactor.Endpoint, fd int) {
	switch {
	case c.cgi.isStdout(fd):
		// 管道写端全部关闭
		c.pumpCGI()
		return
	case c.cgi.isStdin(fd):
		c.dropCGIInput()
		return
	case fd != c.ep.FD():
		return
	}
	if !c.readSocket() {
		return
	}
	c.peerEOF = true
	c.finishPeer()
}

func (c *conn) onError(_ *reactor.Endpoint, fd int) {
	switch {
	case c.cgi.isStdout(fd):
		c.pumpCGI()
		return
	case c.cgi.isStdin(fd):
		c.dropCGIInput()
		return
	case fd != c.ep.FD():
		return
	}
	if v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && v != 0 {
		c.e.log.Debug("socket error", zap.String("peer", c.ep.Peer), zap.Error(unix.Errno(v)))
	}
	c.flush()
	c.close()
}

// finishPeer 尽力写出在途响应（outbound、在途文件、子进程输出），写完后由 pump 关闭连接。
func (c *conn) finishPeer() {
	c.pump()
}

// idle 报告连接上没有正在发送的响应。
func (c *conn) idle() bool {
	return c.ep.Out.Len() == 0 && c.file == nil && c.cgi == nil
}

func (c *conn) onTimer() {
	ticked, err := c.ep.ReadTimer()
	if err != nil {
		c.e.log.Error("idle timer", zap.String("peer", c.ep.Peer), zap.Error(err))
		c.close()
		return
	}
	if !ticked {
		return
	}
	c.state = stateTimedOut
	c.e.log.Debug("idle timeout", zap.String("peer", c.ep.Peer), zap.Int("served", c.served))
	// 响应已开始发送时不能再插入 408
	if c.idle() {
		c.respondError(nil, http.StatusRequestTimeout, false)
		c.flush()
	}
	c.close()
}

func (c *conn) touch() {
	if err := c.ep.RearmTimer(); err != nil {
		c.e.log.Warn("rearm idle timer", zap.String("peer", c.ep.Peer), zap.Error(err))
	}
}

// want 打开或关闭 WRITABLE 关注。打开时总是重新布防，以便对已可写的 socket 再触发一次边沿。
// 对端关闭写端后不再关注读方向。
func (c *conn) want(writable bool) {
	if c.ep.Closed() || (!writable && !c.writable) {
		return
	}
	mask := socketInterest
	if c.peerEOF {
		// EOF 状态持续存在，MOD 会再次报告 RDHUP，只保留可写关注
		mask = 0
	}
	if writable {
		mask |= poller.Writable
	}
	if err := c.ep.UpdateInterest(mask); err != nil {
		c.e.log.Error("update interest", zap.String("peer", c.ep.Peer), zap.Error(err))
		c.close()
		return
	}
	c.writable = writable
}

// readSocket 把 socket 读到 would-block。返回 false 表示连接已关闭。
func (c *conn) readSocket() bool {
	in := c.ep.In
	c.state = stateReading
	for {
		if in.Len() >= c.e.limit {
			c.throttled = true
			return true
		}
		if in.Free() == 0 {
			if err := in.Expand(in.Cap() * 2); err != nil {
				c.e.log.Warn("inbound buffer", zap.String("peer", c.ep.Peer), zap.Error(err))
				c.close()
				return false
			}
		}
		n, err := in.Recv(c.ep.FD(), in.Free())
		switch {
		case err == nil && n == 0:
			c.peerEOF = true
			return true
		case err == nil, errors.Is(err, unix.EINTR):
		case bytebuf.IsWouldBlock(err):
			return true
		default:
			c.e.log.Debug("read", zap.String("peer", c.ep.Peer), zap.Error(err))
			c.close()
			return false
		}
	}
}

// pump 处理已到达的请求并尽量写出，直到需要等待下一次就绪通知。
func (c *conn) pump() {
	for !c.ep.Closed() {
		progress := c.process()
		if c.ep.Closed() {
			return
		}
		more := false
		if c.throttled && progress {
			c.throttled = false
			before := c.ep.In.Len()
			if !c.readSocket() {
				return
			}
			more = c.ep.In.Len() > before
		}
		hadFile := c.file != nil
		if !c.flush() {
			return
		}
		if hadFile && c.file == nil {
			more = true
		}
		if c.cgi != nil && c.cgi.paused {
			if c.readCGI() {
				c.finishCGI()
			}
			more = true
		}
		if !more {
			if c.peerEOF && c.idle() {
				c.close()
			}
			return
		}
	}
}

// process 解析并分发 inbound 中已完整到达的请求，返回是否有进展。
// 有文件或子进程在途、或已决定关闭时暂停，流水线上的后续请求留在 inbound 中。
// 对端关闭写端后不再分发新请求。
func (c *conn) process() bool {
	in := c.ep.In
	progress := false
	for !c.ep.Closed() && !c.peerEOF && c.file == nil && c.cgi == nil && !c.ep.CloseAfterWrite {
		c.state = stateProcessing
		if c.req == nil {
			if in.Len() == 0 {
				break
			}
			off, ok := protocol.FindFrame(in.Bytes())
			if !ok || off > c.e.cfg.MaxHeaderBytes {
				if in.Len() > c.e.cfg.MaxHeaderBytes {
					c.respondError(nil, http.StatusRequestHeaderFieldsTooLarge, false)
					progress = true
				}
				break
			}
			progress = true
			req, err := protocol.ParseRequest(in.Bytes()[:off])
			in.Consume(off)
			if err != nil {
				c.e.log.Debug("bad request", zap.String("peer", c.ep.Peer), zap.Error(err))
				c.respondError(nil, http.StatusBadRequest, false)
				break
			}
			if !c.admit(req) {
				break
			}
		}
		if in.Len() < c.bodyLen {
			break
		}
		req, body := c.req, in.Next(c.bodyLen)
		c.req, c.bodyLen = nil, 0
		progress = true
		c.serve(req, body)
	}
	return progress
}

// admit 检查协议版本与消息体长度，通过后请求进入等待消息体状态。
func (c *conn) admit(req *protocol.Request) bool {
	var status int
	switch {
	case req.Proto != "HTTP/1.1":
		status = http.StatusHTTPVersionNotSupported
	case req.Has("Transfer-Encoding"):
		status = http.StatusNotImplemented
	default:
		n, err := req.ContentLength()
		switch {
		case err != nil:
			status = http.StatusBadRequest
		case n > int64(c.e.cfg.MaxBodyBytes):
			status = http.StatusRequestEntityTooLarge
		default:
			c.req, c.bodyLen = req, int(n)
			return true
		}
	}
	c.respondError(req, status, false)
	req.Release()
	return false
}

func (c *conn) serve(req *protocol.Request, body []byte) {
	c.served++
	keep := req.KeepAlive()
	switch {
	case c.e.cgiPath != "" && isCGIPath(req.Path):
		// req 交给子进程桥接，完成时释放
		c.startCGI(req, body)
		return
	case req.Method == http.MethodGet || req.Method == http.MethodHead:
		c.serveFile(req, keep)
	default:
		c.respondError(req, http.StatusNotImplemented, keep)
	}
	req.Release()
}

func (c *conn) serveFile(req *protocol.Request, keep bool) {
	f, err := c.e.files.Open(req.Path)
	if err != nil {
		status := fileStatus(err)
		if status == http.StatusInternalServerError {
			c.e.log.Error("open file", zap.String("path", req.Path), zap.Error(err))
		}
		c.respondError(req, status, keep)
		return
	}
	h := protocol.ResponseHeader{
		Status:        http.StatusOK,
		ContentType:   f.ContentType,
		ContentLength: f.Size,
		LastModified:  f.ModTime,
		KeepAlive:     keep,
	}
	if req.Method == http.MethodHead {
		_ = f.Close()
		c.writeHeader(&h)
		c.e.access.Log(c.ep.Peer, req, http.StatusOK, 0)
		return
	}
	if c.gzipEligible(req, f) && c.serveGzip(req, f, h) {
		return
	}
	c.writeHeader(&h)
	c.e.access.Log(c.ep.Peer, req, http.StatusOK, f.Size)
	if f.Size == 0 {
		_ = f.Close()
		return
	}
	c.file = &pendingFile{f: f, remain: f.Size}
}

func (c *conn) gzipEligible(req *protocol.Request, f *static.File) bool {
	return c.e.cfg.Compress &&
		f.Size > 0 &&
		f.Size <= int64(c.e.cfg.CompressMaxBytes) &&
		static.Compressible(f.ContentType) &&
		req.AcceptsGzip()
}

// serveGzip 压缩整个文件写入 outbound；失败时返回 false，由调用方改用 sendfile。
func (c *conn) serveGzip(req *protocol.Request, f *static.File, h protocol.ResponseHeader) bool {
	data, err := f.ReadAll()
	if err == nil {
		data, err = protocol.Gzip(nil, data)
	}
	if err != nil {
		c.e.log.Warn("gzip", zap.String("path", req.Path), zap.Error(err))
		return false
	}
	_ = f.Close()
	h.ContentLength = int64(len(data))
	h.Extra = append(h.Extra, gzipHeaders...)
	c.writeHeader(&h)
	c.write(data)
	c.e.access.Log(c.ep.Peer, req, http.StatusOK, int64(len(data)))
	return true
}

func (c *conn) writeHeader(h *protocol.ResponseHeader) {
	h.Server = c.e.cfg.ServerName
	c.e.scratch = protocol.AppendHeader(c.e.scratch[:0], h)
	c.write(c.e.scratch)
	if !h.KeepAlive {
		c.ep.CloseAfterWrite = true
	}
}

// respondError 写出错误响应并记录访问日志。req 可以为 nil。
func (c *conn) respondError(req *protocol.Request, status int, keep bool) {
	withBody := req == nil || req.Method != http.MethodHead
	c.e.scratch = protocol.AppendError(c.e.scratch[:0], status, c.e.cfg.ServerName, keep, withBody)
	c.write(c.e.scratch)
	if !keep {
		c.ep.CloseAfterWrite = true
	}
	var n int64
	if withBody {
		n = int64(len(protocol.ErrorBody(status)))
	}
	c.e.access.Log(c.ep.Peer, req, status, n)
}

func (c *conn) write(b []byte) {
	if c.ep.Closed() {
		return
	}
	if _, err := c.ep.Out.Write(b); err != nil {
		c.e.log.Error("outbound buffer", zap.String("peer", c.ep.Peer), zap.Error(err))
		c.close()
	}
}

// flush 写出 outbound 和在途文件。全部写完返回 true；would-block 或连接关闭返回 false。
func (c *conn) flush() bool {
	if c.ep.Closed() {
		return false
	}
	c.state = stateWriting
	out := c.ep.Out
	for out.Len() > 0 {
		n, err := out.Send(c.ep.FD(), out.Len())
		switch {
		case err == nil:
			if n > 0 {
				c.touch()
			}
		case errors.Is(err, unix.EINTR):
		case bytebuf.IsWouldBlock(err):
			c.want(true)
			return false
		default:
			c.e.log.Debug("write", zap.String("peer", c.ep.Peer), zap.Error(err))
			c.close()
			return false
		}
	}
	if c.file != nil && !c.sendFile() {
		return false
	}
	if c.ep.CloseAfterWrite && c.cgi == nil {
		c.close()
		return false
	}
	if c.cgi != nil {
		c.state = stateCGIPending
	}
	c.want(false)
	return !c.ep.Closed()
}

// sendFile 以零拷贝方式发送在途文件，would-block 时等待下一个 WRITABLE 边沿继续。
func (c *conn) sendFile() bool {
	pf := c.file
	for pf.remain > 0 {
		n, err := unix.Sendfile(c.ep.FD(), pf.f.FD, &pf.off, int(min(pf.remain, maxSendfile)))
		switch {
		case err == nil && n > 0:
			pf.remain -= int64(n)
			c.touch()
		case err == nil:
			// 文件在发送过程中被截断，已承诺的 Content-Length 无法兑现
			c.e.log.Warn("file shrank during send", zap.String("file", pf.f.Name), zap.Int64("remain", pf.remain))
			c.close()
			return false
		case errors.Is(err, unix.EINTR):
		case bytebuf.IsWouldBlock(err):
			c.want(true)
			return false
		default:
			c.e.log.Debug("sendfile", zap.String("peer", c.ep.Peer), zap.Error(err))
			c.close()
			return false
		}
	}
	_ = pf.f.Close()
	c.file = nil
	return true
}

// close 释放连接拥有的一切：子进程、在途文件、未完成的请求和 Endpoint。
func (c *conn) close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	sig := unix.SIGTERM
	if c.e.lstate == stateClosed {
		sig = unix.SIGKILL
	}
	c.stopCGI(sig)
	if c.file != nil {
		_ = c.file.f.Close()
		c.file = nil
	}
	if c.req != nil {
		c.req.Release()
		c.req = nil
	}
	if err := c.ep.Close(); err != nil {
		c.e.log.Debug("close endpoint", zap.String("peer", c.ep.Peer), zap.Error(err))
	}
	delete(c.e.conns, c)
	c.e.log.Debug("closed", zap.String("peer", c.ep.Peer), zap.Int("served", c.served))
	c.e.resumeAccept()
}
