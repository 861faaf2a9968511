//go:build linux

package reactor

import (
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/knight/internal/bytebuf"
	"github.com/legamerdc/knight/poller"
)

// DefaultBufferSize 为 Endpoint 收发缓冲的初始容量。
const DefaultBufferSize = 4096

var (
	ErrClosed    = errors.New("reactor: endpoint closed")
	ErrFDInUse   = errors.New("reactor: fd already registered")
	ErrNoReactor = errors.New("reactor: endpoint not attached to a reactor")
	ErrNotOwned  = errors.New("reactor: fd not owned by endpoint")
)

// EndpointOptions 为 Endpoint 构造参数。
type EndpointOptions struct {
	BufferSize int
	// IdleTimeout > 0 时创建空闲定时器
	IdleTimeout time.Duration
	Peer        string
}

// Endpoint 是每条连接（或监听 socket）的 IO 状态单元。
type Endpoint struct {
	fd       int
	In       *bytebuf.Buffer
	Out      *bytebuf.Buffer
	interest poller.Interest
	timerFD  int
	idle     time.Duration
	sources  map[int]poller.Interest
	cbs      [numKinds]Callback
	r        *Reactor
	closed   bool
	// 回调 panic 后由拥有者执行的清理
	closeHook func()

	// CloseAfterWrite 为真时，输出排空后关闭连接
	CloseAfterWrite bool
	Peer            string
}

// NewEndpoint 分配收发缓冲；interest 非空且 r 非 nil 时把 fd 以边缘触发注册，
// 并按需创建同样映射到本 Endpoint 的空闲定时器。任何一步失败都会回滚。
// fd 的所有权在成功后转移给 Endpoint。
func NewEndpoint(fd int, interest poller.Interest, r *Reactor, opts EndpointOptions) (*Endpoint, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	in, err := bytebuf.New(opts.BufferSize)
	if err != nil {
		return nil, err
	}
	out, err := bytebuf.New(opts.BufferSize)
	if err != nil {
		return nil, err
	}
	ep := &Endpoint{
		fd:       fd,
		In:       in,
		Out:      out,
		interest: interest,
		timerFD:  -1,
		idle:     opts.IdleTimeout,
		Peer:     opts.Peer,
	}
	if interest == 0 || r == nil {
		return ep, nil
	}
	if err := r.register(fd, interest, ep); err != nil {
		return nil, err
	}
	ep.r = r
	if opts.IdleTimeout > 0 {
		if err := ep.armTimer(); err != nil {
			_ = r.unregister(fd)
			ep.r = nil
			return nil, err
		}
	}
	return ep, nil
}

func (ep *Endpoint) armTimer() error {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return errors.Wrap(err, "timerfd_create")
	}
	if err := setTimer(tfd, ep.idle); err != nil {
		unix.Close(tfd)
		return err
	}
	if err := ep.r.register(tfd, poller.Readable, ep); err != nil {
		unix.Close(tfd)
		return err
	}
	ep.timerFD = tfd
	return nil
}

func setTimer(tfd int, d time.Duration) error {
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	return errors.Wrap(unix.TimerfdSettime(tfd, 0, &spec, nil), "timerfd_settime")
}

func (ep *Endpoint) FD() int { return ep.fd }

// TimerFD 返回空闲定时器 fd，没有时为 -1。
func (ep *Endpoint) TimerFD() int { return ep.timerFD }

func (ep *Endpoint) Interest() poller.Interest { return ep.interest }

func (ep *Endpoint) Closed() bool { return ep.closed }

func (ep *Endpoint) Reactor() *Reactor { return ep.r }

// SetCloseHook 设置回调 panic 后的清理函数。钩子应最终调用 Close；
// 未设置或钩子返回后仍未关闭时，Reactor 直接 Close。
func (ep *Endpoint) SetCloseHook(fn func()) { ep.closeHook = fn }

// SetCallback 设置或清除（cb 为 nil）某种事件的回调。
func (ep *Endpoint) SetCallback(kind Kind, cb Callback) {
	if kind >= numKinds {
		return
	}
	ep.cbs[kind] = cb
}

// UpdateInterest 重新布防 socket 的注册；边缘触发下这会对已就绪的条件再报告一次。
// 未挂到 Reactor 时为空操作。
func (ep *Endpoint) UpdateInterest(mask poller.Interest) error {
	if ep.closed {
		return ErrClosed
	}
	ep.interest = mask
	if ep.r == nil {
		return nil
	}
	return ep.r.modify(ep.fd, mask)
}

// RearmTimer 在有活动后重置空闲定时器。
func (ep *Endpoint) RearmTimer() error {
	if ep.timerFD < 0 {
		return nil
	}
	return setTimer(ep.timerFD, ep.idle)
}

// ReadTimer 读取定时器；返回 false 表示本次通知并未真正到期。
func (ep *Endpoint) ReadTimer() (bool, error) {
	if ep.timerFD < 0 {
		return false, nil
	}
	var buf [8]byte
	for {
		n, err := unix.Read(ep.timerFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		if bytebuf.IsWouldBlock(err) {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrap(err, "read timerfd")
		}
		return n == 8, nil
	}
}

// AttachSource 把额外的 fd（例如子进程管道）挂到本 Endpoint，事件分发到同一组回调。
// 成功后 fd 的所有权转移给 Endpoint。
func (ep *Endpoint) AttachSource(fd int, interest poller.Interest) error {
	if ep.closed {
		return ErrClosed
	}
	if ep.r == nil {
		return ErrNoReactor
	}
	if err := ep.r.register(fd, interest, ep); err != nil {
		return err
	}
	if ep.sources == nil {
		ep.sources = make(map[int]poller.Interest, 2)
	}
	ep.sources[fd] = interest
	return nil
}

// HasSource 报告 fd 是否为挂在本 Endpoint 上的附加源。
func (ep *Endpoint) HasSource(fd int) bool {
	_, ok := ep.sources[fd]
	return ok
}

// DetachSource 注销并关闭附加源。
func (ep *Endpoint) DetachSource(fd int) error {
	if _, ok := ep.sources[fd]; !ok {
		return errors.Wrapf(ErrNotOwned, "fd=%d", fd)
	}
	delete(ep.sources, fd)
	err := ep.r.unregister(fd)
	return errors.CombineErrors(err, unix.Close(fd))
}

// Close 注销并关闭 Endpoint 拥有的每个 fd（socket、定时器、附加源），
// 释放收发缓冲。之后不会再有任何回调触发。重复调用无副作用。
func (ep *Endpoint) Close() error {
	if ep.closed {
		return nil
	}
	ep.closed = true
	var errs error
	for fd := range ep.sources {
		errs = errors.CombineErrors(errs, ep.release(fd))
	}
	ep.sources = nil
	if ep.timerFD >= 0 {
		errs = errors.CombineErrors(errs, ep.release(ep.timerFD))
		ep.timerFD = -1
	}
	errs = errors.CombineErrors(errs, ep.release(ep.fd))
	ep.In.Release()
	ep.Out.Release()
	ep.cbs = [numKinds]Callback{}
	ep.closeHook = nil
	return errs
}

func (ep *Endpoint) release(fd int) error {
	var err error
	if ep.r != nil {
		err = ep.r.unregister(fd)
	}
	return errors.CombineErrors(err, unix.Close(fd))
}
