//go:build linux

// Package reactor 实现单线程、边缘触发的就绪多路复用循环。
//
// Reactor 持有 epoll、fd -> Endpoint 分发表和就绪缓冲；Endpoint 是连接
// （或监听 socket）的 IO 状态单元。所有回调都在调用 Run/Poll 的 goroutine
// 中串行执行，回调必须无阻塞返回。
package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/legamerdc/knight/poller"
)

// Kind 为回调种类，数值即分发优先级。
type Kind uint8

const (
	Error Kind = iota
	HalfClose
	Readable
	Writable
	numKinds
)

var kindMask = [numKinds]poller.Interest{
	Error:     poller.Error,
	HalfClose: poller.HalfClose,
	Readable:  poller.Readable,
	Writable:  poller.Writable,
}

func (k Kind) String() string {
	switch k {
	case Error:
		return "error"
	case HalfClose:
		return "half-close"
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Callback 在 Endpoint 的某个 fd 就绪时调用；fd 可能是 socket、空闲定时器
// 或挂在该 Endpoint 上的附加源。
type Callback func(ep *Endpoint, fd int)

// Options 为 Reactor 配置。
type Options struct {
	MaxEvents int
	Logger    *zap.Logger
}

// Reactor 不是并发安全的，除 Exit 外的方法都只能在循环 goroutine 中调用。
type Reactor struct {
	p      poller.Poller
	table  map[int]*Endpoint
	events []poller.Event
	// 本批次内已注销的 fd，后续事件一律跳过
	stale map[int]struct{}
	exit  atomic.Bool
	log   *zap.Logger

	mu    sync.Mutex
	tasks []func()
}

// New 创建 Reactor。
func New(opts Options) (*Reactor, error) {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p, err := poller.New(opts.MaxEvents)
	if err != nil {
		return nil, err
	}
	return &Reactor{
		p:      p,
		table:  make(map[int]*Endpoint),
		events: make([]poller.Event, opts.MaxEvents),
		stale:  make(map[int]struct{}),
		log:    opts.Logger.Named("reactor"),
	}, nil
}

// Len 返回分发表中的 fd 数量（包括定时器和附加源）。
func (r *Reactor) Len() int { return len(r.table) }

// Lookup 返回 fd 当前归属的 Endpoint。
func (r *Reactor) Lookup(fd int) *Endpoint { return r.table[fd] }

func (r *Reactor) register(fd int, interest poller.Interest, ep *Endpoint) error {
	if owner, ok := r.table[fd]; ok && owner != ep {
		return errors.Wrapf(ErrFDInUse, "fd=%d", fd)
	}
	if err := r.p.Register(fd, interest); err != nil {
		return err
	}
	// 不清除 stale：同批次内复用的 fd 只接收下一批次的事件
	r.table[fd] = ep
	return nil
}

func (r *Reactor) modify(fd int, interest poller.Interest) error {
	return r.p.Mod(fd, interest)
}

// unregister 同步移除分发表项，并标记本批次内失效。
func (r *Reactor) unregister(fd int) error {
	delete(r.table, fd)
	r.stale[fd] = struct{}{}
	return r.p.Unregister(fd)
}

// Exit 请求循环在当前批次结束后退出，可跨 goroutine 调用。
func (r *Reactor) Exit() {
	r.exit.Store(true)
	if err := r.p.Wake(); err != nil {
		r.log.Warn("wake failed", zap.Error(err))
	}
}

// Post 把 fn 交给循环 goroutine 在下一批次前执行，可跨 goroutine 调用。
func (r *Reactor) Post(fn func()) {
	r.mu.Lock()
	r.tasks = append(r.tasks, fn)
	r.mu.Unlock()
	if err := r.p.Wake(); err != nil {
		r.log.Warn("wake failed", zap.Error(err))
	}
}

func (r *Reactor) runTasks() {
	r.mu.Lock()
	tasks := r.tasks
	r.tasks = nil
	r.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

// Exiting 报告是否已请求退出。
func (r *Reactor) Exiting() bool { return r.exit.Load() }

// Run 循环等待并分发事件，直到 Exit 被调用。
func (r *Reactor) Run() error {
	for !r.exit.Load() {
		if _, err := r.Poll(-1); err != nil {
			return err
		}
	}
	return nil
}

// Poll 执行一次等待与分发，返回本批次分发的事件数。
func (r *Reactor) Poll(timeoutMs int) (int, error) {
	n, err := r.p.Wait(r.events, timeoutMs)
	if err != nil {
		return 0, err
	}
	r.runTasks()
	clear(r.stale)
	dispatched := 0
	for i := 0; i < n; i++ {
		ev := r.events[i]
		if _, skip := r.stale[ev.FD]; skip {
			continue
		}
		ep, ok := r.table[ev.FD]
		if !ok {
			continue
		}
		r.dispatch(ep, ev)
		dispatched++
	}
	return dispatched, nil
}

// dispatch 按 ERROR > HALF_CLOSE > READABLE > WRITABLE 依次调用所有就绪种类，
// Endpoint 一旦关闭立即停止。
func (r *Reactor) dispatch(ep *Endpoint, ev poller.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("callback panic, closing endpoint",
				zap.Int("fd", ev.FD), zap.Any("panic", rec), zap.Stack("stack"))
			r.abort(ep)
		}
	}()
	for k := Kind(0); k < numKinds; k++ {
		if ep.closed {
			return
		}
		if _, skip := r.stale[ev.FD]; skip {
			return
		}
		if !ev.Mask.Has(kindMask[k]) {
			continue
		}
		if cb := ep.cbs[k]; cb != nil {
			cb(ep, ev.FD)
		}
	}
}

// abort 结束回调 panic 的 Endpoint：优先交给拥有者的关闭钩子。
func (r *Reactor) abort(ep *Endpoint) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("close hook panic", zap.Any("panic", rec))
		}
		if !ep.closed {
			_ = ep.Close()
		}
	}()
	if hook := ep.closeHook; hook != nil && !ep.closed {
		hook()
	}
}

// Close 关闭所有仍然打开的 Endpoint 并释放 epoll。
func (r *Reactor) Close() error {
	var errs error
	seen := make(map[*Endpoint]struct{}, len(r.table))
	for _, ep := range r.table {
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
	}
	for ep := range seen {
		errs = errors.CombineErrors(errs, ep.Close())
	}
	return errors.CombineErrors(errs, r.p.Close())
}
