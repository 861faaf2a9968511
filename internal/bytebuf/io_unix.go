//go:build unix

package bytebuf

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Recv 从 fd 读取最多 min(Free(), max) 字节到写游标处。
// 返回 (n>0, nil) 表示读到数据；(0, nil) 表示对端 EOF；
// EAGAIN 原样返回，调用方用 IsWouldBlock 判断。
func (b *Buffer) Recv(fd int, max int) (int, error) {
	if free := b.Free(); max > free {
		max = free
	}
	if max <= 0 {
		return 0, ErrFull
	}
	n, err := unix.Read(fd, b.buf[b.w:b.w+max])
	if err != nil {
		return 0, err
	}
	b.w += n
	return n, nil
}

// Send 从读游标写出最多 min(Len(), max) 字节，成功部分立即消费。
func (b *Buffer) Send(fd int, max int) (int, error) {
	if ln := b.Len(); max > ln {
		max = ln
	}
	if max <= 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, b.buf[b.r:b.r+max])
	if err != nil {
		return 0, err
	}
	b.Consume(n)
	return n, nil
}

// IsWouldBlock 判断非阻塞 IO 是否应在下一次就绪通知时重试。
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
