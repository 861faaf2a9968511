//go:build linux

package knight

import (
	"context"
	"net"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/knight/internal/netutil"
	"github.com/legamerdc/knight/internal/static"
	"github.com/legamerdc/knight/poller"
	"github.com/legamerdc/knight/reactor"
)

// engine 持有事件循环线程上的全部状态，只在该线程中访问。
type engine struct {
	cfg     Config
	log     *zap.Logger
	access  AccessLogger
	files   Resolver
	cgiPath string

	r        *reactor.Reactor
	listener *reactor.Endpoint
	lstate   connState
	addr     *net.TCPAddr

	conns  map[*conn]struct{}
	reaper *reaper
	// 单连接 inbound 未处理数据、以及 CGI 输出积压的上限
	limit int
	// 格式化响应头的复用缓冲
	scratch []byte
	// accept 因 fd 或内存耗尽暂停
	backlogged bool
}

// Start 创建 Server 并阻塞运行，直到出错。
func Start(cfg Config, opts ...Option) error {
	s, err := NewServer(cfg, opts...)
	if err != nil {
		return err
	}
	return s.Start(context.Background())
}

// NewResolver 为配置的文档根目录创建静态文件解析器。
func NewResolver(cfg Config) (Resolver, error) {
	r, err := static.NewResolver(cfg.WWW)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Listen 创建监听 socket 与 Reactor，但不进入事件循环。
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrServerClosed
	case s.eng != nil:
		return ErrAlreadyActive
	}
	e, err := s.newEngine()
	if err != nil {
		return err
	}
	s.eng = e
	s.log.Info("listening", zap.Stringer("addr", e.addr), zap.String("www", s.cfg.WWW), zap.String("cgi", e.cgiPath))
	return nil
}

func (s *Server) newEngine() (*engine, error) {
	files := s.files
	if files == nil {
		r, err := NewResolver(s.cfg)
		if err != nil {
			return nil, err
		}
		files = r
	}
	var cgiPath string
	if s.cfg.CGIPath != "" {
		abs, err := filepath.Abs(s.cfg.CGIPath)
		if err != nil {
			return nil, errors.Wrapf(err, "cgi %q", s.cfg.CGIPath)
		}
		cgiPath = abs
	}
	lfd, err := netutil.Listen(s.cfg.Host, s.cfg.Port, s.cfg.Backlog)
	if err != nil {
		return nil, err
	}
	r, err := reactor.New(reactor.Options{MaxEvents: s.cfg.MaxEvents, Logger: s.log.Named("reactor")})
	if err != nil {
		_ = unix.Close(lfd)
		return nil, err
	}
	e := &engine{
		cfg:     s.cfg,
		log:     s.log,
		access:  s.access,
		files:   files,
		cgiPath: cgiPath,
		r:       r,
		lstate:  stateAccepting,
		conns:   make(map[*conn]struct{}),
		reaper:  newReaper(s.log.Named("cgi")),
		limit:   s.cfg.MaxHeaderBytes + s.cfg.MaxBodyBytes + s.cfg.BufferSize,
	}
	// 监听 Endpoint 不收发数据，缓冲取最小值
	lep, err := reactor.NewEndpoint(lfd, poller.Readable, r, reactor.EndpointOptions{BufferSize: 1})
	if err != nil {
		_ = unix.Close(lfd)
		_ = r.Close()
		return nil, err
	}
	lep.SetCallback(reactor.Readable, e.onAccept)
	e.listener = lep
	if e.addr, err = netutil.LocalAddr(lfd); err != nil {
		_ = r.Close()
		return nil, err
	}
	return e, nil
}

// Serve 在调用者的 goroutine 中运行事件循环，直到 Stop；返回前释放全部资源。
func (s *Server) Serve() error {
	s.mu.Lock()
	e := s.eng
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrServerClosed
	case e == nil:
		s.mu.Unlock()
		return ErrNotListening
	case s.done != nil:
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()
	defer close(done)

	err := e.r.Run()
	e.shutdown()

	s.mu.Lock()
	s.eng = nil
	s.closed = true
	s.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "event loop")
	}
	s.log.Info("stopped")
	return nil
}

// Start 监听并运行事件循环；ctx 取消时停止服务。
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Stop(context.Background()) })
	defer stop()
	return s.Serve()
}

// Stop 请求事件循环退出并等待 Serve 返回，或 ctx 结束。可从任意 goroutine 调用。
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	e, done := s.eng, s.done
	s.closed = true
	if e != nil && done == nil {
		// 已监听但事件循环尚未启动，直接在此释放
		s.eng = nil
		s.mu.Unlock()
		e.shutdown()
		return nil
	}
	s.mu.Unlock()
	if e == nil {
		return nil
	}
	e.r.Exit()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown 关闭所有连接，强制回收子进程，释放 Reactor。
func (e *engine) shutdown() {
	e.lstate = stateClosed
	for c := range e.conns {
		c.close()
	}
	e.reaper.killAll()
	if err := e.r.Close(); err != nil {
		e.log.Warn("reactor close", zap.Error(err))
	}
}
