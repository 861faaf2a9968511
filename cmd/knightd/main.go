// Command knightd 运行 Knight HTTP 服务器。
//
// 配置先从 KNIGHT_* 环境变量读取，再由命令行参数覆盖：
//
//	knightd --http 8080 --www ./www --cgi ./cgi/run.py --log access.log
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/legamerdc/knight"
	"github.com/legamerdc/knight/internal/accesslog"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "knightd:", err)
		os.Exit(2)
	}
	fx.New(options(cfg)).Run()
}

// loadConfig 以环境变量为默认值解析命令行参数。
func loadConfig(args []string) (knight.Config, error) {
	cfg, err := knight.ParseConfig()
	if err != nil {
		return cfg, err
	}
	fs := flag.NewFlagSet("knightd", flag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "listen host, empty for all interfaces")
	fs.IntVar(&cfg.Port, "http", cfg.Port, "listen port")
	fs.StringVar(&cfg.WWW, "www", cfg.WWW, "document root")
	fs.StringVar(&cfg.CGIPath, "cgi", cfg.CGIPath, "CGI script serving /cgi requests")
	fs.StringVar(&cfg.LogPath, "log", cfg.LogPath, "access log file")
	fs.DurationVar(&cfg.IdleTimeout, "idle", cfg.IdleTimeout, "idle connection timeout, 0 disables")
	fs.BoolVar(&cfg.Compress, "gzip", cfg.Compress, "gzip compressible static files")
	fs.Var(&cfg.LogLevel, "log-level", "diagnostic log level")
	if err := fs.Parse(args); err != nil {
		return cfg, errors.Wrap(err, "parse flags")
	}
	if fs.NArg() > 0 {
		return cfg, errors.Newf("unexpected arguments: %v", fs.Args())
	}
	return cfg, nil
}

func options(cfg knight.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			knight.NewResolver,
			newAccessLogger,
			newServer,
		),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(startServerHook),
	)
}

func newLogger(lc fx.Lifecycle, cfg knight.Config) (*zap.Logger, error) {
	l, err := knight.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() { _ = l.Sync() }))
	return l, nil
}

// newAccessLogger 在未配置 --log 时返回 nil，Server 不记录访问日志。
func newAccessLogger(lc fx.Lifecycle, cfg knight.Config) (knight.AccessLogger, error) {
	if cfg.LogPath == "" {
		return nil, nil
	}
	l, closeFn, err := accesslog.Open(cfg.LogPath)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(closeFn))
	return l, nil
}

func newServer(cfg knight.Config, log *zap.Logger, files knight.Resolver, access knight.AccessLogger) (*knight.Server, error) {
	return knight.NewServer(cfg,
		knight.WithLogger(log),
		knight.WithResolver(files),
		knight.WithAccessLogger(access),
	)
}

// startServerHook 在启动阶段绑定端口，事件循环在独立 goroutine 中运行。
func startServerHook(lc fx.Lifecycle, s *knight.Server, log *zap.Logger, sd fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := s.Listen(); err != nil {
				return err
			}
			cfg := s.Config()
			log.Info("knight listening",
				zap.Stringer("addr", s.Addr()),
				zap.String("www", cfg.WWW),
				zap.String("cgi", cfg.CGIPath),
				zap.Duration("idle", cfg.IdleTimeout))
			go func() {
				if err := s.Serve(); err != nil && !errors.Is(err, knight.ErrServerClosed) {
					log.Error("server error", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("stopping server")
			return s.Stop(ctx)
		},
	})
}
