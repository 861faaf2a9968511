package knight

import "github.com/cockroachdb/errors"

var (
	// ErrPlatformNotSupported 非 Linux 平台的占位错误（需要 epoll）
	ErrPlatformNotSupported = errors.New("knight: platform not supported (requires Linux/epoll)")

	// ErrInvalidArgument 参数非法
	ErrInvalidArgument = errors.New("knight: invalid argument")

	ErrServerClosed  = errors.New("knight: server closed")
	ErrNotListening  = errors.New("knight: server not listening")
	ErrAlreadyActive = errors.New("knight: server already listening")
)
