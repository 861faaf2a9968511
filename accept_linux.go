//go:build linux

package knight

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/knight/internal/bytebuf"
	"github.com/legamerdc/knight/internal/netutil"
	"github.com/legamerdc/knight/poller"
	"github.com/legamerdc/knight/reactor"
)

// maxAcceptSkips 限制单次通知内跳过的失败连接数，超过后重新布防监听 socket 再继续。
const maxAcceptSkips = 64

// acceptAction 为 accept4 出错后的处理方式。
type acceptAction uint8

const (
	// acceptDone 队列已取空
	acceptDone acceptAction = iota
	// acceptRetry 被打断，立即重试
	acceptRetry
	// acceptSkip 错误只属于队首那条连接，跳过它继续
	acceptSkip
	// acceptPause fd 或内存耗尽，等连接释放后再试
	acceptPause
	// acceptStop 监听 socket 本身出错
	acceptStop
)

// classifyAccept 按 accept(2) 的约定给错误分类：Linux 会把待处理连接上的网络错误
// 直接报告给 accept，这类错误应当像 EAGAIN 一样重试。
func classifyAccept(err error) acceptAction {
	switch {
	case bytebuf.IsWouldBlock(err):
		return acceptDone
	case errors.Is(err, unix.EINTR):
		return acceptRetry
	case isBackpressure(err):
		return acceptPause
	case errors.Is(err, unix.EBADF),
		errors.Is(err, unix.EINVAL),
		errors.Is(err, unix.ENOTSOCK),
		errors.Is(err, unix.EFAULT):
		return acceptStop
	default:
		// ECONNABORTED、EPROTO、EPERM、ENETDOWN、EHOSTUNREACH、ENONET、EOPNOTSUPP ...
		return acceptSkip
	}
}

// onAccept 在监听 socket 可读时接受连接，直到 would-block。
func (e *engine) onAccept(_ *reactor.Endpoint, lfd int) {
	if e.lstate != stateAccepting {
		return
	}
	e.reaper.reap()
	e.backlogged = false
	skipped := 0
	for {
		fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch classifyAccept(err) {
			case acceptRetry:
				continue
			case acceptSkip:
				e.log.Debug("accept skipped", zap.Error(err))
				if skipped++; skipped < maxAcceptSkips {
					continue
				}
				// 边缘触发下重新布防，队列里剩余的连接会在下一批次再次通知
				if err := e.listener.UpdateInterest(poller.Readable); err != nil {
					e.log.Error("rearm listener", zap.Error(err))
				}
			case acceptPause:
				e.pauseAccept(err)
			case acceptStop:
				e.log.Error("accept", zap.Error(err))
			}
			return
		}
		peer := netutil.SockaddrString(sa)
		_ = netutil.SetNoDelay(fd, true)
		if err := e.newConn(fd, peer); err != nil {
			_ = unix.Close(fd)
			if isBackpressure(err) {
				e.pauseAccept(err)
				return
			}
			e.log.Warn("connection setup", zap.String("peer", peer), zap.Error(err))
		}
	}
}

func (e *engine) pauseAccept(err error) {
	e.backlogged = true
	e.log.Warn("accept paused", zap.Int("conns", len(e.conns)), zap.Error(err))
}

// resumeAccept 在连接释放 fd 后重试被暂停的 accept。
func (e *engine) resumeAccept() {
	if e.backlogged && e.lstate == stateAccepting {
		e.onAccept(e.listener, e.listener.FD())
	}
}
