//go:build linux

package netutil

import (
	"net"
	"strconv"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func SetNonblock(fd int, nonblock bool) error {
	return unix.SetNonblock(fd, nonblock)
}

func SetReuseAddr(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(enable))
}

func SetNoDelay(fd int, enable bool) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(enable))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Listen 创建非阻塞的 TCP 监听 socket。host 为空时监听所有 IPv4 地址。
func Listen(host string, port int, backlog int) (int, error) {
	fam := unix.AF_INET
	var ip net.IP
	if host != "" {
		ip = net.ParseIP(host)
		if ip == nil {
			addrs, err := net.LookupIP(host)
			if err != nil {
				return -1, errors.Wrapf(err, "resolve %q", host)
			}
			if len(addrs) == 0 {
				return -1, errors.Newf("resolve %q: no addresses", host)
			}
			ip = addrs[0]
		}
		if ip.To4() == nil {
			fam = unix.AF_INET6
		}
	}
	fd, err := unix.Socket(fam, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	_ = SetReuseAddr(fd, true)
	var sa unix.Sockaddr
	if fam == unix.AF_INET6 {
		sa6 := &unix.SockaddrInet6{Port: port}
		copy(sa6.Addr[:], ip.To16())
		sa = sa6
	} else {
		sa4 := &unix.SockaddrInet4{Port: port}
		if ip != nil {
			copy(sa4.Addr[:], ip.To4())
		}
		sa = sa4
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind %s", net.JoinHostPort(host, strconv.Itoa(port)))
	}
	if backlog <= 0 {
		backlog = 1024
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "listen")
	}
	return fd, nil
}

// LocalAddr 返回 fd 绑定的 TCP 地址。
func LocalAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, errors.Wrap(err, "getsockname")
	}
	return ToTCPAddr(sa), nil
}

// ToTCPAddr 把 unix.Sockaddr 转换为 *net.TCPAddr，未知类型返回 nil。
func ToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return nil
	}
}

// SockaddrString 格式化对端地址，例如 "127.0.0.1:5000"；未知类型返回 "?"。
func SockaddrString(sa unix.Sockaddr) string {
	if a := ToTCPAddr(sa); a != nil {
		return a.String()
	}
	return "?"
}
