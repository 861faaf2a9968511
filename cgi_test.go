package knight

import (
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legamerdc/knight/internal/static"
	"github.com/legamerdc/knight/protocol"
)

func TestIsCGIPath(t *testing.T) {
	for p, want := range map[string]bool{
		"/cgi":          true,
		"/cgi/":         true,
		"/cgi/art/x":    true,
		"/cgiscript":    false,
		"/static/cgi/x": false,
		"/":             false,
	} {
		assert.Equal(t, want, isCGIPath(p), p)
	}
}

func TestCGIEnv(t *testing.T) {
	req, err := protocol.ParseRequest([]byte("POST /cgi/art?w=80 HTTP/1.1\r\n" +
		"Host: example.com:8080\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 5\r\n" +
		"User-Agent: curl/8.0\r\n" +
		"X-Multi: a\r\n" +
		"x-multi: b\r\n" +
		"Proxy: http://evil\r\n\r\n"))
	require.NoError(t, err)
	defer req.Release()

	cfg := DefaultConfig()
	env := cgiEnv(cfg, req, "10.1.2.3:40000", 8080, 5)

	for _, kv := range []string{
		"CONTENT_LENGTH=5",
		"CONTENT_TYPE=text/plain",
		"GATEWAY_INTERFACE=CGI/1.1",
		"PATH_INFO=/art",
		"QUERY_STRING=w=80",
		"REMOTE_ADDR=10.1.2.3",
		"REMOTE_PORT=40000",
		"REQUEST_METHOD=POST",
		"REQUEST_URI=/cgi/art?w=80",
		"SCRIPT_NAME=/cgi",
		"SERVER_NAME=example.com",
		"SERVER_PORT=8080",
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_SOFTNAME=Knight/1.0",
		"SERVER_SOFTWARE=Knight/1.0",
		"HTTP_HOST=example.com:8080",
		"HTTP_USER_AGENT=curl/8.0",
		"HTTP_X_MULTI=a, b",
	} {
		assert.Contains(t, env, kv)
	}
	for _, kv := range env {
		assert.NotContains(t, kv, "HTTP_CONTENT_")
		assert.NotContains(t, kv, "HTTP_PROXY")
	}
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "USER_AGENT", envName("User-Agent"))
	assert.Equal(t, "X_FORWARDED_FOR", envName("x-forwarded-for"))
	assert.Equal(t, "X.A_B9", envName("x.a_b9"))
}

func TestCGIStatus(t *testing.T) {
	tests := map[string]int{
		"HTTP/1.1 200 OK\r\n":            200,
		"HTTP/1.0 404 Not Found\r\n":     404,
		"Status: 302 Found\r\n":          302,
		"status:503\r\n":                 503,
		"Content-Type: text/plain\r\n":   200,
		"HTTP/1.1 abc\r\n":               200,
		"HTTP/1.1":                       200,
		"":                               200,
		"<html>no header at all</html>": 200,
	}
	for in, want := range tests {
		assert.Equal(t, want, cgiStatus([]byte(in)), in)
	}
}

func TestFileStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, fileStatus(errors.Wrap(static.ErrNotFound, "x")))
	assert.Equal(t, http.StatusForbidden, fileStatus(static.ErrForbidden))
	assert.Equal(t, http.StatusBadRequest, fileStatus(static.ErrBadPath))
	assert.Equal(t, http.StatusInternalServerError, fileStatus(errors.New("disk on fire")))
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "cgi-pending", stateCGIPending.String())
	assert.Equal(t, "timed-out", stateTimedOut.String())
	assert.Equal(t, "unknown", connState(200).String())
}
