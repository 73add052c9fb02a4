package socket

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/sys"
	"github.com/moqsien/gkasync/utils"
)

var syscallName string = "setsockopt"

// SetKeepAlive turns on TCP keep-alive probes every secs seconds.
func SetKeepAlive(fd, secs int) error {
	if secs <= 0 {
		return errors.New("invalid keep-alive time!")
	}
	err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	if err != nil {
		return utils.SysError(syscallName, err)
	}
	err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, sys.TCP_KEEPINTVL, secs)
	if err != nil {
		return utils.SysError(syscallName, err)
	}
	err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, sys.TCP_KEEPIDLE, secs)
	if err != nil {
		return utils.SysError(syscallName, err)
	}
	return nil
}
