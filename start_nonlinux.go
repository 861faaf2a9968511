//go:build !linux

package knight

import (
	"context"
	"net"
)

type engine struct {
	addr net.Addr
}

// Start 在非 Linux 平台返回占位错误，保证编译通过
func Start(cfg Config, opts ...Option) error {
	if _, err := NewServer(cfg, opts...); err != nil {
		return err
	}
	return ErrPlatformNotSupported
}

func NewResolver(Config) (Resolver, error) { return nil, ErrPlatformNotSupported }

func (s *Server) Listen() error                  { return ErrPlatformNotSupported }
func (s *Server) Serve() error                   { return ErrPlatformNotSupported }
func (s *Server) Start(ctx context.Context) error { return ErrPlatformNotSupported }
func (s *Server) Stop(ctx context.Context) error  { return nil }
