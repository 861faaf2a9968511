package knight

import (
	"github.com/legamerdc/knight/internal/static"
	"github.com/legamerdc/knight/protocol"
)

// Resolver 把请求路径映射到一个已打开的文件。
// 错误应能以 errors.Is 匹配 static.ErrNotFound、static.ErrForbidden 或 static.ErrBadPath。
type Resolver interface {
	Open(path string) (*static.File, error)
}

// AccessLogger 为每个响应记录一条访问日志。req 为 nil 表示请求无法解析。
type AccessLogger interface {
	Log(peer string, req *protocol.Request, status int, length int64)
}

type nopAccessLogger struct{}

func (nopAccessLogger) Log(string, *protocol.Request, int, int64) {}
