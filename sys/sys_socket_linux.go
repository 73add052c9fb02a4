//go:build linux

package sys

import "golang.org/x/sys/unix"

// Accept takes one pending connection off a listening fd, already non-blocking.
func Accept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

// Socket opens a non-blocking socket.
func Socket(domain, typ int) (int, error) {
	return unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
}

const (
	TCP_KEEPINTVL = unix.TCP_KEEPINTVL
	TCP_KEEPIDLE  = unix.TCP_KEEPIDLE
)
