//go:build darwin

package sys

import "golang.org/x/sys/unix"

// Accept takes one pending connection off a listening fd, already non-blocking.
func Accept(fd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(nfd)
	if err = unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}

// Socket opens a non-blocking socket.
func Socket(domain, typ int) (int, error) {
	fd, err := unix.Socket(domain, typ, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

const (
	TCP_KEEPINTVL = 0x101
	TCP_KEEPIDLE  = unix.TCP_KEEPALIVE
)
