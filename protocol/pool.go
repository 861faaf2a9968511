package protocol

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

var gzipPool = sync.Pool{New: func() any {
	w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
	return w
}}

func getGzipWriter() *gzip.Writer  { return gzipPool.Get().(*gzip.Writer) }
func putGzipWriter(w *gzip.Writer) { gzipPool.Put(w) }

// Gzip 把 src 压缩后追加到 dst。
func Gzip(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	w := getGzipWriter()
	defer putGzipWriter(w)
	w.Reset(buf)
	if _, err := w.Write(src); err != nil {
		return dst, err
	}
	if err := w.Close(); err != nil {
		return dst, err
	}
	return buf.Bytes(), nil
}
