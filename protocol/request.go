package protocol

import (
	"bytes"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	ErrMalformed     = errors.New("protocol: malformed request")
	ErrContentLength = errors.New("protocol: invalid content-length")
)

// Header 保留请求中的原始顺序与大小写。
type Header struct {
	Name  string
	Value string
}

// Request 是头部块解析后的请求。Path 已去掉查询串，未做反转义。
type Request struct {
	Method   string
	URI      string
	Path     string
	RawQuery string
	Proto    string
	Headers  []Header
}

var requestPool = sync.Pool{New: func() any {
	return &Request{Headers: make([]Header, 0, 16)}
}}

func acquireRequest() *Request { return requestPool.Get().(*Request) }

// Release 把请求归还到池中，调用后不得再使用 r。
func (r *Request) Release() {
	if r == nil {
		return
	}
	hs := r.Headers[:0]
	clear(r.Headers)
	*r = Request{Headers: hs}
	requestPool.Put(r)
}

// Get 返回第一个同名（不区分大小写）头部的值。
func (r *Request) Get(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (r *Request) Has(name string) bool {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

// ContentLength 返回声明的消息体长度，未声明时为 0。
// 多个取值不一致、非十进制数字或溢出都返回 ErrContentLength。
func (r *Request) ContentLength() (int64, error) {
	var (
		n    int64
		seen bool
	)
	for _, h := range r.Headers {
		if !strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		v, err := parseContentLength(h.Value)
		if err != nil {
			return 0, err
		}
		if seen && v != n {
			return 0, errors.Wrapf(ErrContentLength, "conflicting values %d and %d", n, v)
		}
		n, seen = v, true
	}
	return n, nil
}

func parseContentLength(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Wrap(ErrContentLength, "empty")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errors.Wrapf(ErrContentLength, "%q", s)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrContentLength, "%q", s)
	}
	return n, nil
}

// KeepAlive 报告响应之后是否保持连接。
// HTTP/1.1 默认保持，Connection: close 关闭；HTTP/1.0 需显式 keep-alive。
func (r *Request) KeepAlive() bool {
	conn := r.Get("Connection")
	if r.Proto == "HTTP/1.1" {
		return !hasToken(conn, "close")
	}
	return hasToken(conn, "keep-alive")
}

// AcceptsGzip 报告 Accept-Encoding 是否接受 gzip（q=0 视为拒绝）。
func (r *Request) AcceptsGzip() bool {
	for _, part := range strings.Split(r.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(name), "gzip") {
			continue
		}
		params = strings.ReplaceAll(params, " ", "")
		if q, ok := strings.CutPrefix(params, "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				return false
			}
		}
		return true
	}
	return false
}

func hasToken(v, token string) bool {
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// ParseRequest 解析一个以 CRLFCRLF 结尾的头部块。
// 返回的 Request 来自池，使用完毕应调用 Release。
func ParseRequest(header []byte) (*Request, error) {
	header = bytes.TrimSuffix(header, []byte("\r\n\r\n"))
	line, rest, _ := bytes.Cut(header, []byte("\r\n"))

	r := acquireRequest()
	if err := r.parseRequestLine(line); err != nil {
		r.Release()
		return nil, err
	}
	for len(rest) > 0 {
		line, rest, _ = bytes.Cut(rest, []byte("\r\n"))
		if err := r.parseHeaderLine(line); err != nil {
			r.Release()
			return nil, err
		}
	}
	return r, nil
}

func (r *Request) parseRequestLine(line []byte) error {
	method, rest, ok1 := bytes.Cut(line, []byte(" "))
	uri, proto, ok2 := bytes.Cut(rest, []byte(" "))
	if !ok1 || !ok2 {
		return errors.Wrapf(ErrMalformed, "request line %q", line)
	}
	if !isToken(method) {
		return errors.Wrapf(ErrMalformed, "method %q", method)
	}
	if len(uri) == 0 || !isPrintable(uri) || (uri[0] != '/' && !bytes.Equal(uri, []byte("*"))) {
		return errors.Wrapf(ErrMalformed, "uri %q", uri)
	}
	if !bytes.HasPrefix(proto, []byte("HTTP/")) || !isPrintable(proto) {
		return errors.Wrapf(ErrMalformed, "version %q", proto)
	}
	r.Method = string(method)
	r.URI = string(uri)
	r.Proto = string(proto)
	r.Path, r.RawQuery, _ = strings.Cut(r.URI, "?")
	return nil
}

func (r *Request) parseHeaderLine(line []byte) error {
	if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
		return errors.Wrapf(ErrMalformed, "obsolete line folding %q", line)
	}
	name, value, ok := bytes.Cut(line, []byte(":"))
	if !ok || !isToken(name) {
		return errors.Wrapf(ErrMalformed, "header line %q", line)
	}
	value = bytes.Trim(value, " \t")
	for _, c := range value {
		if (c < 0x20 && c != '\t') || c == 0x7f {
			return errors.Wrapf(ErrMalformed, "header %q value", name)
		}
	}
	r.Headers = append(r.Headers, Header{Name: string(name), Value: string(value)})
	return nil
}

func isToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if !isTokenChar(c) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c <= 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}
