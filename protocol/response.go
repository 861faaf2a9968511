package protocol

import (
	"net/http"
	"strconv"
	"time"
)

// DefaultServerName 与最初的实现保持一致。
const DefaultServerName = "Knight/1.0"

// ResponseHeader 描述一个响应头部。ContentLength < 0 时不输出该字段。
type ResponseHeader struct {
	Status        int
	Server        string
	ContentType   string
	ContentLength int64
	LastModified  time.Time
	KeepAlive     bool
	Extra         []Header
	// Date 为零值时使用当前时间
	Date time.Time
}

// AppendHeader 把状态行和头部（含结尾空行）追加到 dst。
func AppendHeader(dst []byte, h *ResponseHeader) []byte {
	dst = AppendStatusLine(dst, h.Status)
	server := h.Server
	if server == "" {
		server = DefaultServerName
	}
	dst = appendField(dst, "Server", server)
	date := h.Date
	if date.IsZero() {
		date = time.Now()
	}
	dst = append(dst, "Date: "...)
	dst = date.UTC().AppendFormat(dst, http.TimeFormat)
	dst = append(dst, "\r\n"...)
	if h.ContentType != "" {
		dst = appendField(dst, "Content-Type", h.ContentType)
	}
	if h.ContentLength >= 0 {
		dst = append(dst, "Content-Length: "...)
		dst = strconv.AppendInt(dst, h.ContentLength, 10)
		dst = append(dst, "\r\n"...)
	}
	if !h.LastModified.IsZero() {
		dst = append(dst, "Last-Modified: "...)
		dst = h.LastModified.UTC().AppendFormat(dst, http.TimeFormat)
		dst = append(dst, "\r\n"...)
	}
	for _, f := range h.Extra {
		dst = appendField(dst, f.Name, f.Value)
	}
	if h.KeepAlive {
		dst = appendField(dst, "Connection", "keep-alive")
	} else {
		dst = appendField(dst, "Connection", "close")
	}
	return append(dst, "\r\n"...)
}

// AppendStatusLine 追加 "HTTP/1.1 <code> <reason>\r\n"。
func AppendStatusLine(dst []byte, status int) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = strconv.AppendInt(dst, int64(status), 10)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(status)...)
	return append(dst, "\r\n"...)
}

func StatusText(status int) string {
	if t := http.StatusText(status); t != "" {
		return t
	}
	return "Unknown"
}

// ErrorBody 返回错误响应的 HTML 正文。
func ErrorBody(status int) string {
	text := strconv.Itoa(status) + " " + StatusText(status)
	return "<html><head><title>" + text + "</title></head><body><h1>" + text + "</h1></body></html>\n"
}

// AppendError 追加一个完整的错误响应。withBody 为 false 时（HEAD）只写头部，Content-Length 不变。
func AppendError(dst []byte, status int, server string, keepAlive, withBody bool) []byte {
	body := ErrorBody(status)
	dst = AppendHeader(dst, &ResponseHeader{
		Status:        status,
		Server:        server,
		ContentType:   "text/html; charset=utf-8",
		ContentLength: int64(len(body)),
		KeepAlive:     keepAlive,
	})
	if withBody {
		dst = append(dst, body...)
	}
	return dst
}

func appendField(dst []byte, name, value string) []byte {
	dst = append(dst, name...)
	dst = append(dst, ": "...)
	dst = append(dst, value...)
	return append(dst, "\r\n"...)
}
