package knight

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/legamerdc/knight/internal/static"
)

// connState 为连接状态机的状态。
// stateAccepting 只属于监听 Endpoint；stateTimedOut 与 stateCGIPending 是打开连接的子状态。
type connState uint8

const (
	stateAccepting connState = iota
	stateReading
	stateProcessing
	stateWriting
	stateTimedOut
	stateCGIPending
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepting:
		return "accepting"
	case stateReading:
		return "reading"
	case stateProcessing:
		return "processing"
	case stateWriting:
		return "writing"
	case stateTimedOut:
		return "timed-out"
	case stateCGIPending:
		return "cgi-pending"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// fileStatus 把文件解析错误映射为响应状态码。
func fileStatus(err error) int {
	switch {
	case errors.Is(err, static.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, static.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, static.ErrBadPath):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
