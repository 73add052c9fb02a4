//go:build linux || darwin

// Package sys wraps the syscalls of the readiness layer: one poll context per runner,
// its wake signal, and the non-blocking socket calls used by the transfers.
package sys

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/utils"
)

const (
	MaxPollSize  = 1024
	MinPollSize  = 32
	InitPollSize = 128
)

// Event is one readiness report translated from the platform's event record.
type Event struct {
	Fd    int
	Ready iface.Op // OpRead and/or OpWrite
	Hup   bool     // hang-up or error condition on fd
}

var _zero uintptr

func bytes2iovec(bs [][]byte) []unix.Iovec {
	iovecs := make([]unix.Iovec, len(bs))
	for i, b := range bs {
		iovecs[i].SetLen(len(b))
		if len(b) > 0 {
			iovecs[i].Base = &b[0]
		} else {
			iovecs[i].Base = (*byte)(unsafe.Pointer(&_zero))
		}
	}
	return iovecs
}

func writev(fd int, iovs []unix.Iovec) (n int, err error) {
	var _p0 unsafe.Pointer
	if len(iovs) > 0 {
		_p0 = unsafe.Pointer(&iovs[0])
	} else {
		_p0 = unsafe.Pointer(&_zero)
	}
	r0, _, e1 := unix.Syscall(unix.SYS_WRITEV, uintptr(fd), uintptr(_p0), uintptr(len(iovs)))
	n = int(r0)
	if e1 != 0 {
		n, err = 0, e1
	}
	return
}

func Writev(fd int, iovs [][]byte) (int, error) {
	return writev(fd, bytes2iovec(iovs))
}

func Write(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func Read(fd int, p []byte) (int, error) {
	n, err := unix.Read(fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func Recvfrom(fd int, p []byte) (int, unix.Sockaddr, error) {
	return unix.Recvfrom(fd, p, 0)
}

func Sendto(fd int, p []byte, sa unix.Sockaddr) error {
	return unix.Sendto(fd, p, 0, sa)
}

func CloseFd(fd int) error {
	return unix.Close(fd)
}

func SetNonblock(fd int) error {
	return utils.SysError("setnonblock", unix.SetNonblock(fd, true))
}

// SocketError returns the pending error of a socket, e.g. the outcome of a connect.
func SocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return utils.SysError("getsockopt", err)
	}
	if errno != 0 {
		return utils.SysError("connect", unix.Errno(errno))
	}
	return nil
}

// EventList is the reusable buffer one runner waits into.
type EventList struct {
	size int
	raw  []rawEvent
}

func NewEventList(size int) *EventList {
	if size < MinPollSize {
		size = MinPollSize
	}
	return &EventList{size: size, raw: make([]rawEvent, size)}
}

// grow doubles the list after a wait filled it, up to MaxPollSize.
func (that *EventList) grow(n int) {
	if n == that.size && that.size<<1 <= MaxPollSize {
		that.size <<= 1
		that.raw = make([]rawEvent, that.size)
	}
}

func msec(timeout int64) int {
	if timeout < 0 {
		return -1
	}
	return int(timeout / 1e6)
}
