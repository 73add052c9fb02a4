package utils

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/utils/errs"
)

func SysError(name string, err error) error {
	return os.NewSyscallError(name, err)
}

// Classify maps a raw errno from a transfer attempt onto an error kind.
// A nil result means the call succeeded.
func Classify(name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return errs.ErrWouldBlock
	case errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE),
		errors.Is(err, unix.ENOTCONN), errors.Is(err, unix.EBADF):
		return errors.Join(errs.ErrTransportClosed, SysError(name, err))
	default:
		return SysError(name, err)
	}
}

// StrSliceContains reports whether s is in list.
func StrSliceContains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
