//go:build unix

package static

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Resolver 把请求路径映射到文档根目录下的文件。
type Resolver struct {
	root string
}

func NewResolver(root string) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "static: root %q", root)
	}
	var st unix.Stat_t
	if err := unix.Stat(abs, &st); err != nil {
		return nil, errors.Wrapf(err, "static: root %q", abs)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return nil, errors.Newf("static: root %q is not a directory", abs)
	}
	return &Resolver{root: abs}, nil
}

func (r *Resolver) Root() string { return r.root }

// Open 解析 uriPath（未反转义、不含查询串）并打开对应文件。
// 目录映射到其中的 index.html；非普通文件视为不存在。
func (r *Resolver) Open(uriPath string) (*File, error) {
	p, err := url.PathUnescape(uriPath)
	if err != nil || !strings.HasPrefix(p, "/") || strings.IndexByte(p, 0) >= 0 {
		return nil, errors.Wrapf(ErrBadPath, "%q", uriPath)
	}
	name := filepath.Join(r.root, filepath.FromSlash(path.Clean(p)))

	f, err := openRegular(name)
	if errors.Is(err, errIsDir) {
		f, err = openRegular(filepath.Join(name, IndexFile))
		if errors.Is(err, errIsDir) {
			err = ErrNotFound
		}
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

var errIsDir = errors.New("static: is a directory")

func openRegular(name string) (*File, error) {
	fd, err := unix.Open(name, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, mapErrno(err, name)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "static: fstat %s", name)
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
	case unix.S_IFDIR:
		unix.Close(fd)
		return nil, errIsDir
	default:
		unix.Close(fd)
		return nil, errors.Wrapf(ErrNotFound, "%s: not a regular file", name)
	}
	sec, nsec := st.Mtim.Unix()
	return &File{
		FD:          fd,
		Name:        name,
		Size:        st.Size,
		ModTime:     time.Unix(sec, nsec),
		ContentType: ContentType(name),
	}, nil
}

func mapErrno(err error, name string) error {
	switch {
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENOTDIR), errors.Is(err, unix.ENAMETOOLONG):
		return errors.Wrapf(ErrNotFound, "%s", name)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return errors.Wrapf(ErrForbidden, "%s", name)
	}
	return errors.Wrapf(err, "static: open %s", name)
}

// Close 关闭文件描述符，可重复调用。
func (f *File) Close() error {
	if f == nil || f.FD < 0 {
		return nil
	}
	err := unix.Close(f.FD)
	f.FD = -1
	return err
}

// ReadAll 从偏移 0 读取整个文件，不移动文件偏移。
func (f *File) ReadAll() ([]byte, error) {
	buf := make([]byte, f.Size)
	off := 0
	for off < len(buf) {
		n, err := unix.Pread(f.FD, buf[off:], int64(off))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return nil, errors.Wrapf(err, "static: read %s", f.Name)
		}
		if n == 0 {
			break
		}
		off += n
	}
	return buf[:off], nil
}
