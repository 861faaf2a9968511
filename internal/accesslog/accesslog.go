// Package accesslog 以 Common Log Format 记录每个响应。
package accesslog

import (
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/legamerdc/knight/protocol"
)

const timeLayout = "02/Jan/2006:15:04:05 -0700"

type Logger struct {
	log *zap.Logger
	now func() time.Time
}

// Encoder 只输出消息本身，每条一行。
func Encoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey: "msg",
		LineEnding: zapcore.DefaultLineEnding,
	})
}

func New(core zapcore.Core) *Logger {
	return &Logger{log: zap.New(core), now: time.Now}
}

// Open 以追加方式打开 path（不存在则创建），返回的 close 用于刷新并关闭文件。
func Open(path string) (*Logger, func(), error) {
	ws, closeFn, err := zap.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "accesslog: open %s", path)
	}
	l := New(zapcore.NewCore(Encoder(), ws, zapcore.InfoLevel))
	return l, func() {
		_ = l.Sync()
		closeFn()
	}, nil
}

// Log 写一条记录。req 为 nil 表示请求无法解析；length < 0 记为 "-"。
func (l *Logger) Log(peer string, req *protocol.Request, status int, length int64) {
	if l == nil {
		return
	}
	l.log.Info(Format(peer, req, status, length, l.now()))
}

func (l *Logger) Sync() error {
	return l.log.Sync()
}

// Format 生成一行 CLF 记录（不含换行）。
func Format(peer string, req *protocol.Request, status int, length int64, at time.Time) string {
	host := peer
	if h, _, err := net.SplitHostPort(peer); err == nil {
		host = h
	}
	if host == "" {
		host = "-"
	}
	b := make([]byte, 0, 128)
	b = append(b, host...)
	b = append(b, " - - ["...)
	b = at.AppendFormat(b, timeLayout)
	b = append(b, "] \""...)
	if req != nil {
		b = append(b, req.Method...)
		b = append(b, ' ')
		b = append(b, req.URI...)
		b = append(b, ' ')
		b = append(b, req.Proto...)
	} else {
		b = append(b, '-')
	}
	b = append(b, "\" "...)
	b = strconv.AppendInt(b, int64(status), 10)
	b = append(b, ' ')
	if length < 0 {
		b = append(b, '-')
	} else {
		b = strconv.AppendInt(b, length, 10)
	}
	return string(b)
}
