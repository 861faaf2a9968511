package poller

import "github.com/cockroachdb/errors"

// FD 表示文件描述符。
type FD = int

// Interest 同时用作注册掩码和就绪掩码。
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
	// HalfClose 对端关闭写端（EPOLLRDHUP）或挂断（EPOLLHUP）
	HalfClose
	// Error 仅出现在就绪掩码中
	Error
)

func (i Interest) Has(o Interest) bool { return i&o != 0 }

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var s string
	for _, it := range []struct {
		bit  Interest
		name string
	}{{Readable, "r"}, {Writable, "w"}, {HalfClose, "hup"}, {Error, "err"}} {
		if i.Has(it.bit) {
			if s != "" {
				s += "|"
			}
			s += it.name
		}
	}
	return s
}

// Event 为一次就绪通知。
type Event struct {
	FD   FD
	Mask Interest
}

// ErrClosed poller 已关闭。
var ErrClosed = errors.New("poller: closed")

// Poller 为边缘触发的原生多路复用器。
// Wait 只在单个 goroutine 中调用；Wake 可跨 goroutine 调用。
type Poller interface {
	Register(fd FD, interest Interest) error
	Mod(fd FD, interest Interest) error
	Unregister(fd FD) error
	// Wait 阻塞直到有事件、被唤醒或超时（timeoutMs < 0 表示无限等待），
	// 返回写入 events 的数量。唤醒事件不会出现在结果中。
	Wait(events []Event, timeoutMs int) (int, error)
	Wake() error
	Close() error
}
