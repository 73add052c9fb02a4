//go:build linux

package sys

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/utils"
)

type rawEvent = unix.EpollEvent

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents = unix.EPOLLOUT
	hupEvents   = unix.EPOLLHUP | unix.EPOLLERR
)

func toEpoll(ops iface.Op) uint32 {
	var evs uint32
	if ops&(iface.OpRead|iface.OpAccept) != 0 {
		evs |= readEvents
	}
	if ops&(iface.OpWrite|iface.OpConnect) != 0 {
		evs |= writeEvents
	}
	return evs
}

func epollCtl(pollFd, fd, action int, ops iface.Op) error {
	var event *unix.EpollEvent
	if action != unix.EPOLL_CTL_DEL {
		event = &unix.EpollEvent{Fd: int32(fd), Events: toEpoll(ops)}
	}
	err := unix.EpollCtl(pollFd, action, fd, event)
	if err == nil {
		return nil
	}
	var name string
	switch action {
	case unix.EPOLL_CTL_ADD:
		name = "epoll_ctl_add"
	case unix.EPOLL_CTL_MOD:
		name = "epoll_ctl_mod"
	default:
		name = "epoll_ctl_del"
	}
	return utils.SysError(name, err)
}

// Register adds fd to the poll context with interest ops (which may be empty).
func Register(pollFd, fd int, ops iface.Op) error {
	return epollCtl(pollFd, fd, unix.EPOLL_CTL_ADD, ops)
}

// Modify changes the interest of a registered fd from prev to next.
func Modify(pollFd, fd int, prev, next iface.Op) error {
	if toEpoll(prev) == toEpoll(next) {
		return nil
	}
	return epollCtl(pollFd, fd, unix.EPOLL_CTL_MOD, next)
}

// Unregister removes fd from the poll context. A fd that is already gone is not an error.
func Unregister(pollFd, fd int, prev iface.Op) error {
	err := epollCtl(pollFd, fd, unix.EPOLL_CTL_DEL, 0)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Wait blocks up to timeout (negative: forever) and calls cb for every ready fd but the
// wake fd. woken reports a wake signal, which is drained already.
func (that *EventList) Wait(pollFd, wakeFd int, timeout time.Duration, cb func(Event)) (n int, woken bool, err error) {
	n, err = unix.EpollWait(pollFd, that.raw, msec(int64(timeout)))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, false, nil
		}
		return 0, false, utils.SysError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		ev := &that.raw[i]
		fd := int(ev.Fd)
		if fd == wakeFd {
			woken = true
			Drain(wakeFd)
			continue
		}
		e := Event{Fd: fd, Hup: ev.Events&hupEvents != 0}
		if ev.Events&readEvents != 0 {
			e.Ready |= iface.OpRead
		}
		if ev.Events&writeEvents != 0 {
			e.Ready |= iface.OpWrite
		}
		cb(e)
	}
	that.grow(n)
	return n, woken, nil
}

// CreatePoll opens an epoll instance and its eventfd wake signal.
func CreatePoll() (pollFd, wakeFd int, err error) {
	pollFd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		err = utils.SysError("epoll_create1", err)
		return
	}
	wakeFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(pollFd)
		err = utils.SysError("epoll_eventfd", err)
		return
	}
	if err = Register(pollFd, wakeFd, iface.OpRead); err != nil {
		_ = unix.Close(pollFd)
		_ = unix.Close(wakeFd)
		return
	}
	return
}

var wakeBytes = func() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, 1)
	return b
}()

// Trigger wakes the runner blocked on pollFd.
func Trigger(pollFd, wakeFd int) error {
	_, err := unix.Write(wakeFd, wakeBytes)
	if err == nil || errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return utils.SysError("eventfd_write", err)
}

// Drain resets the wake counter.
func Drain(wakeFd int) {
	var b [8]byte
	_, _ = unix.Read(wakeFd, b[:])
}
