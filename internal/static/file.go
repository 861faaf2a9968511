package static

import (
	"mime"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound  = errors.New("static: not found")
	ErrForbidden = errors.New("static: forbidden")
	ErrBadPath   = errors.New("static: bad path")
)

const (
	IndexFile          = "index.html"
	defaultContentType = "application/octet-stream"
)

// File 是一个已打开、等待发送的普通文件。FD 归调用方所有，用完调用 Close。
type File struct {
	FD          int
	Name        string
	Size        int64
	ModTime     time.Time
	ContentType string
}

// ContentType 按扩展名推断类型，未知扩展名返回 application/octet-stream。
func ContentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return defaultContentType
}

// Compressible 报告该类型的正文是否值得 gzip。
func Compressible(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	ct = strings.TrimSpace(strings.ToLower(ct))
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	switch ct {
	case "application/json", "application/javascript", "application/xml",
		"application/wasm", "image/svg+xml":
		return true
	}
	return false
}
