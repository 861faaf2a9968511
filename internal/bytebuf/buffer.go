package bytebuf

import (
	"github.com/cockroachdb/errors"
)

// MaxCapacity 为单个缓冲允许增长到的上限。
const MaxCapacity = 1 << 30

var (
	ErrInvalidCapacity = errors.New("bytebuf: invalid capacity")
	ErrTooLarge        = errors.New("bytebuf: capacity exceeds limit")
	ErrNoMemory        = errors.New("bytebuf: allocation failed")
	ErrFull            = errors.New("bytebuf: no space left")
)

// Buffer 是带独立读写游标的可增长字节缓冲。
// 不变式：0 <= r <= w <= len(buf)；可读 = w-r；剩余 = len(buf)-w。
// 仅在 poller 线程中使用，不做并发保护。
type Buffer struct {
	buf []byte
	r   int
	w   int
}

// New 返回容量为 capacity 的缓冲。
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if capacity > MaxCapacity {
		return nil, ErrTooLarge
	}
	buf, err := alloc(capacity)
	if err != nil {
		return nil, err
	}
	return &Buffer{buf: buf}, nil
}

// alloc 把运行时的分配 panic 转为 ErrNoMemory，只让调用方失败。
func alloc(n int) (b []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, errors.Wrapf(ErrNoMemory, "size=%d", n)
		}
	}()
	return make([]byte, n), nil
}

func (b *Buffer) Cap() int { return len(b.buf) }

// Len 返回可读字节数。
func (b *Buffer) Len() int { return b.w - b.r }

// Free 返回写游标之后的剩余空间。
func (b *Buffer) Free() int { return len(b.buf) - b.w }

// Bytes 返回未消费的数据视图，下一次写入前有效。
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// Expand 将容量扩展到 n；n 不大于当前容量时不做任何事。
// 失败时缓冲保持原样。
func (b *Buffer) Expand(n int) error {
	if n <= len(b.buf) {
		return nil
	}
	if n > MaxCapacity {
		return errors.Wrapf(ErrTooLarge, "size=%d", n)
	}
	nb, err := alloc(n)
	if err != nil {
		return err
	}
	// 未消费数据保持原偏移
	copy(nb[b.r:b.w], b.buf[b.r:b.w])
	b.buf = nb
	return nil
}

// Grow 保证至少还有 n 字节剩余空间，按容量翻倍增长。
func (b *Buffer) Grow(n int) error {
	if b.Free() >= n {
		return nil
	}
	want := len(b.buf) * 2
	if want < b.w+n {
		want = b.w + n
	}
	if want > MaxCapacity && b.w+n <= MaxCapacity {
		want = MaxCapacity
	}
	return b.Expand(want)
}

// Consume 前进读游标；读空时两个游标都归零以回收空间。
func (b *Buffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if ln := b.Len(); n > ln {
		n = ln
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Write 追加数据，空间不足时自动增长。
func (b *Buffer) Write(p []byte) (int, error) {
	if err := b.Grow(len(p)); err != nil {
		return 0, err
	}
	n := copy(b.buf[b.w:], p)
	b.w += n
	return n, nil
}

func (b *Buffer) WriteString(s string) (int, error) {
	if err := b.Grow(len(s)); err != nil {
		return 0, err
	}
	n := copy(b.buf[b.w:], s)
	b.w += n
	return n, nil
}

// Next 读出并消费最多 n 字节。返回的切片在下一次写入前有效。
func (b *Buffer) Next(n int) []byte {
	if ln := b.Len(); n > ln {
		n = ln
	}
	p := b.buf[b.r : b.r+n]
	b.Consume(n)
	return p
}

// Reset 丢弃全部未读数据。
func (b *Buffer) Reset() { b.r, b.w = 0, 0 }

// Release 释放底层存储，之后不可再使用。
func (b *Buffer) Release() {
	b.buf = nil
	b.r, b.w = 0, 0
}
