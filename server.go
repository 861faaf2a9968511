package knight

import (
	"net"
	"sync"

	"go.uber.org/zap"
)

// Server 为服务端实例（平台无关部分）
// 事件循环、连接状态机与 CGI 桥接在平台相关文件中提供
type Server struct {
	cfg    Config
	log    *zap.Logger
	access AccessLogger
	files  Resolver

	mu     sync.Mutex
	eng    *engine
	done   chan struct{}
	closed bool
}

// Option 配置 Server
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithAccessLogger 设置访问日志，默认不记录。
func WithAccessLogger(a AccessLogger) Option {
	return func(s *Server) { s.access = a }
}

// WithResolver 替换默认的文档根目录解析器。
func WithResolver(r Resolver) Option {
	return func(s *Server) { s.files = r }
}

// NewServer 构造未启动的 Server 实例
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ServerName == "" {
		cfg.ServerName = DefaultConfig().ServerName
	}
	s := &Server{cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.Named("server")
	if s.access == nil {
		s.access = nopAccessLogger{}
	}
	return s, nil
}

func (s *Server) Config() Config { return s.cfg }

// Addr 返回监听地址；未监听时为 nil。
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng == nil || s.eng.addr == nil {
		return nil
	}
	return s.eng.addr
}
