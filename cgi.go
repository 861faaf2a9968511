package knight

import (
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/legamerdc/knight/protocol"
)

const (
	cgiPrefix         = "/cgi"
	gatewayInterface  = "CGI/1.1"
	defaultCGIStatus  = 200
	statusLinePrefix  = "HTTP/1."
	statusFieldPrefix = "Status:"
)

// isCGIPath 报告请求路径是否路由到 CGI 脚本（/cgi 或 /cgi/...）。
func isCGIPath(p string) bool {
	return p == cgiPrefix || strings.HasPrefix(p, cgiPrefix+"/")
}

// cgiEnv 构造子进程环境。Content-Length 与 Content-Type 以专用变量传递，
// 其余头部各对应一个 HTTP_<NAME> 变量，同名头部以 ", " 合并。
func cgiEnv(cfg Config, req *protocol.Request, peer string, port int, bodyLen int) []string {
	host, remotePort, err := net.SplitHostPort(peer)
	if err != nil {
		host, remotePort = peer, ""
	}
	serverName := cfg.Host
	if h := req.Get("Host"); h != "" {
		serverName = h
		if n, _, err := net.SplitHostPort(h); err == nil {
			serverName = n
		}
	}
	env := []string{
		"CONTENT_LENGTH=" + strconv.Itoa(bodyLen),
		"CONTENT_TYPE=" + req.Get("Content-Type"),
		"GATEWAY_INTERFACE=" + gatewayInterface,
		"PATH_INFO=" + strings.TrimPrefix(req.Path, cgiPrefix),
		"QUERY_STRING=" + req.RawQuery,
		"REMOTE_ADDR=" + host,
		"REMOTE_PORT=" + remotePort,
		"REQUEST_METHOD=" + req.Method,
		"REQUEST_URI=" + req.URI,
		"SCRIPT_NAME=" + cgiPrefix,
		"SERVER_NAME=" + serverName,
		"SERVER_PORT=" + strconv.Itoa(port),
		"SERVER_PROTOCOL=" + req.Proto,
		"SERVER_SOFTNAME=" + cfg.ServerName,
		"SERVER_SOFTWARE=" + cfg.ServerName,
		"PATH=" + os.Getenv("PATH"),
	}

	headers := lo.Filter(req.Headers, func(h protocol.Header, _ int) bool {
		// Proxy 头会变成 HTTP_PROXY，被子进程当作代理配置
		return !strings.EqualFold(h.Name, "Content-Length") &&
			!strings.EqualFold(h.Name, "Content-Type") &&
			!strings.EqualFold(h.Name, "Proxy")
	})
	grouped := lo.GroupBy(headers, func(h protocol.Header) string {
		return "HTTP_" + envName(h.Name)
	})
	keys := lo.Keys(grouped)
	slices.Sort(keys)
	return append(env, lo.Map(keys, func(k string, _ int) string {
		values := lo.Map(grouped[k], func(h protocol.Header, _ int) string { return h.Value })
		return k + "=" + strings.Join(values, ", ")
	})...)
}

// envName 把头部名转换为环境变量名：小写字母转大写，'-' 换成 '_'，其余字节不变。
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r == '-':
			return '_'
		default:
			return r
		}
	}, name)
}

// cgiStatus 从脚本输出的开头提取状态码，用于访问日志。
// 脚本自己写状态行（HTTP/1.x NNN）或 Status: NNN 头；都没有时视为 200。
func cgiStatus(b []byte) int {
	s := string(b[:min(len(b), 64)])
	var code string
	switch {
	case strings.HasPrefix(s, statusLinePrefix):
		_, rest, ok := strings.Cut(s, " ")
		if !ok {
			return defaultCGIStatus
		}
		code = rest
	case len(s) >= len(statusFieldPrefix) && strings.EqualFold(s[:len(statusFieldPrefix)], statusFieldPrefix):
		code = strings.TrimLeft(s[len(statusFieldPrefix):], " \t")
	default:
		return defaultCGIStatus
	}
	if len(code) < 3 {
		return defaultCGIStatus
	}
	n, err := strconv.Atoi(code[:3])
	if err != nil || n < 100 || n > 999 {
		return defaultCGIStatus
	}
	return n
}
