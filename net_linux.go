//go:build linux
// +build linux

package questdb

import (
	"net"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

type unixNet struct{}

func defaultNetFacade() netFacade { return unixNet{} }

// accept returns -1 with a nil error when the accept queue is drained.
func (unixNet) accept(listenerFd int) (int, error) {
	fd, _, err := unix.Accept4(listenerFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == unix.EAGAIN {
		return -1, nil
	}
	if err != nil {
		return -1, os.NewSyscallError("accept4", err)
	}
	setSocketOptions(fd)
	return fd, nil
}

func (unixNet) close(fd int) error {
	return os.NewSyscallError("close", unix.Close(fd))
}

// peerClosed peeks one byte without blocking; a zero-length read means the
// peer performed an orderly shutdown.
func (unixNet) peerClosed(fd int) bool {
	var b [1]byte
	n, _, err := unix.Recvfrom(fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err == unix.EAGAIN || err == unix.EINTR {
		return false
	}
	if err != nil {
		return true
	}
	return n == 0
}

func setSocketOptions(fd int) {
	err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	if err != nil {
		log.Error().Msgf("got error while setting socket options TCP_NODELAY: %+v", err)
	}
	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, 8192)
	if err != nil {
		log.Error().Msgf("got error while setting socket options SO_RCVBUF: %+v", err)
	}
	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, 8192)
	if err != nil {
		log.Error().Msgf("got error while setting socket options SO_SNDBUF: %+v", err)
	}
}

// Listen opens a nonblocking TCP listener and returns its descriptor, ready
// to be handed to the dispatcher configuration.
func Listen(address string, backlog int) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", address)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt", err)
	}
	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	if err = unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	if err = unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}
	return fd, nil
}
