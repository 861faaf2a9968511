//go:build linux

package poller

import (
	"runtime"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

type epollPoller struct {
	efd    int
	wfd    int // eventfd for wakeup
	raw    []unix.EpollEvent
	closed bool
}

// New 创建 epoll 实例，maxEvents 为单次 Wait 的批量上限。
func New(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, errors.Wrap(err, "eventfd")
	}
	p := &epollPoller{efd: efd, wfd: wfd, raw: make([]unix.EpollEvent, maxEvents)}
	// 注册 wakeup fd
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wfd)}
	if err := unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(efd)
		return nil, errors.Wrap(err, "epoll_ctl add eventfd")
	}
	return p, nil
}

func toEpoll(interest Interest) uint32 {
	var flag uint32 = unix.EPOLLET
	if interest.Has(Readable) {
		flag |= unix.EPOLLIN
	}
	if interest.Has(Writable) {
		flag |= unix.EPOLLOUT
	}
	if interest.Has(HalfClose) {
		flag |= unix.EPOLLRDHUP
	}
	return flag
}

func fromEpoll(events uint32) Interest {
	var m Interest
	if events&unix.EPOLLERR != 0 {
		m |= Error
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		m |= HalfClose
	}
	if events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		m |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		m |= Writable
	}
	return m
}

func (p *epollPoller) Register(fd FD, interest Interest) error {
	ev := &unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	return errors.Wrapf(unix.EpollCtl(p.efd, unix.EPOLL_CTL_ADD, fd, ev), "epoll_ctl add fd=%d", fd)
}

func (p *epollPoller) Mod(fd FD, interest Interest) error {
	ev := &unix.EpollEvent{Events: toEpoll(interest), Fd: int32(fd)}
	return errors.Wrapf(unix.EpollCtl(p.efd, unix.EPOLL_CTL_MOD, fd, ev), "epoll_ctl mod fd=%d", fd)
}

func (p *epollPoller) Unregister(fd FD) error {
	return errors.Wrapf(unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil), "epoll_ctl del fd=%d", fd)
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	unix.Close(p.wfd)
	return unix.Close(p.efd)
}

func (p *epollPoller) Wait(events []Event, timeoutMs int) (int, error) {
	defer runtime.KeepAlive(p)
	if p.closed {
		return 0, ErrClosed
	}
	raw := p.raw
	if len(events) < len(raw) {
		raw = raw[:len(events)]
	}
	n, err := unix.EpollWait(p.efd, raw, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "epoll_wait")
	}
	var efdBuf [8]byte
	out := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		fd := int(ev.Fd)
		if fd == p.wfd {
			// 清空 eventfd
			for {
				_, rerr := unix.Read(p.wfd, efdBuf[:])
				if rerr != nil {
					break
				}
			}
			continue
		}
		events[out] = Event{FD: fd, Mask: fromEpoll(ev.Events)}
		out++
	}
	return out, nil
}
