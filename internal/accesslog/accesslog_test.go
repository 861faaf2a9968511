package accesslog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/legamerdc/knight/protocol"
)

var at = time.Date(2000, 10, 10, 13, 55, 36, 0, time.FixedZone("", -7*3600))

func TestFormat(t *testing.T) {
	req := &protocol.Request{Method: "GET", URI: "/apache_pb.gif", Proto: "HTTP/1.1"}
	assert.Equal(t,
		`127.0.0.1 - - [10/Oct/2000:13:55:36 -0700] "GET /apache_pb.gif HTTP/1.1" 200 2326`,
		Format("127.0.0.1:51234", req, 200, 2326, at))
	assert.Equal(t,
		`[::1] - - [10/Oct/2000:13:55:36 -0700] "-" 400 -`,
		Format("[::1]", nil, 400, -1, at))
	assert.Equal(t,
		`::1 - - [10/Oct/2000:13:55:36 -0700] "-" 408 0`,
		Format("[::1]:80", nil, 408, 0, at))
}

func TestLogGoesThroughCore(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := New(core)
	l.now = func() time.Time { return at }
	l.Log("10.0.0.1:9", &protocol.Request{Method: "HEAD", URI: "/", Proto: "HTTP/1.1"}, 200, 0)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, `10.0.0.1 - - [10/Oct/2000:13:55:36 -0700] "HEAD / HTTP/1.1" 200 0`, logs.All()[0].Message)

	var nilLogger *Logger
	assert.NotPanics(t, func() { nilLogger.Log("x", nil, 500, -1) })
}

func TestOpenAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o600))

	l, closeFn, err := Open(path)
	require.NoError(t, err)
	l.now = func() time.Time { return at }
	l.Log("1.2.3.4:5", nil, 400, -1)
	l.Log("1.2.3.4:5", &protocol.Request{Method: "GET", URI: "/x", Proto: "HTTP/1.1"}, 404, 10)
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old\n"+
		`1.2.3.4 - - [10/Oct/2000:13:55:36 -0700] "-" 400 -`+"\n"+
		`1.2.3.4 - - [10/Oct/2000:13:55:36 -0700] "GET /x HTTP/1.1" 404 10`+"\n", string(data))
}
