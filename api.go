package knight

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/legamerdc/knight/protocol"
)

// EnvPrefix 为所有环境变量的前缀，例如 KNIGHT_HTTP_PORT。
const EnvPrefix = "KNIGHT_"

// Config 为服务端配置
type Config struct {
	Host string `env:"HOST"`
	Port int    `env:"HTTP_PORT" envDefault:"8080"`
	// 静态文件根目录
	WWW string `env:"WWW" envDefault:"./www"`
	// CGI 脚本路径，为空时 /cgi 路由不可用
	CGIPath string `env:"CGI"`
	// 访问日志文件，为空时不记录
	LogPath  string        `env:"LOG"`
	LogLevel zapcore.Level `env:"LOG_LEVEL" envDefault:"info"`

	// 连接空闲超时，0 表示不限
	IdleTimeout time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	// 每连接收发缓冲的初始容量
	BufferSize     int `env:"BUFFER_SIZE" envDefault:"4096"`
	MaxHeaderBytes int `env:"MAX_HEADER_BYTES" envDefault:"8192"`
	MaxBodyBytes   int `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	MaxEvents      int `env:"MAX_EVENTS" envDefault:"1024"`
	Backlog        int `env:"BACKLOG" envDefault:"1024"`

	Compress         bool `env:"COMPRESS" envDefault:"true"`
	CompressMaxBytes int  `env:"COMPRESS_MAX_BYTES" envDefault:"1048576"`

	ServerName string `env:"SERVER_NAME" envDefault:"Knight/1.0"`
}

// DefaultConfig 提供一组可工作的默认值（与环境变量默认值一致）
func DefaultConfig() Config {
	return Config{
		Port:             8080,
		WWW:              "./www",
		LogLevel:         zapcore.InfoLevel,
		IdleTimeout:      60 * time.Second,
		BufferSize:       4096,
		MaxHeaderBytes:   8 << 10,
		MaxBodyBytes:     1 << 20,
		MaxEvents:        1024,
		Backlog:          1024,
		Compress:         true,
		CompressMaxBytes: 1 << 20,
		ServerName:       protocol.DefaultServerName,
	}
}

// ParseConfig 从 KNIGHT_* 环境变量解析配置。
func ParseConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, errors.Wrap(err, "failed to parse environment")
	}
	return cfg, nil
}

// Validate 检查配置是否可用于启动服务。
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Wrapf(ErrInvalidArgument, "port %d out of range", c.Port)
	}
	if c.BufferSize <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "buffer size %d", c.BufferSize)
	}
	if c.MaxHeaderBytes <= 0 || c.MaxBodyBytes < 0 {
		return errors.Wrapf(ErrInvalidArgument, "limits header=%d body=%d", c.MaxHeaderBytes, c.MaxBodyBytes)
	}
	if c.MaxEvents <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "max events %d", c.MaxEvents)
	}
	if c.IdleTimeout < 0 {
		return errors.Wrapf(ErrInvalidArgument, "idle timeout %s", c.IdleTimeout)
	}
	if c.CGIPath != "" {
		st, err := os.Stat(c.CGIPath)
		if err != nil {
			return errors.Wrapf(err, "cgi %q", c.CGIPath)
		}
		if st.IsDir() || st.Mode()&0o111 == 0 {
			return errors.Wrapf(ErrInvalidArgument, "cgi %q is not an executable file", c.CGIPath)
		}
	}
	return nil
}

// Address 返回 host:port 形式的监听地址。
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewLogger 按配置创建 zap logger。
func NewLogger(cfg Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
