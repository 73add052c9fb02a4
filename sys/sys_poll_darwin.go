//go:build darwin

package sys

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/utils"
)

type rawEvent = unix.Kevent_t

const wakeIdent = 0

func changes(fd int, prev, next iface.Op) []unix.Kevent_t {
	var ch []unix.Kevent_t
	in := func(ops iface.Op) bool { return ops&(iface.OpRead|iface.OpAccept) != 0 }
	out := func(ops iface.Op) bool { return ops&(iface.OpWrite|iface.OpConnect) != 0 }
	switch {
	case in(next) && !in(prev):
		ch = append(ch, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD})
	case !in(next) && in(prev):
		ch = append(ch, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	switch {
	case out(next) && !out(prev):
		ch = append(ch, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD})
	case !out(next) && out(prev):
		ch = append(ch, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	return ch
}

func kevent(name string, pollFd int, ch []unix.Kevent_t) error {
	if len(ch) == 0 {
		return nil
	}
	_, err := unix.Kevent(pollFd, ch, nil, nil)
	if err != nil {
		return utils.SysError(name, err)
	}
	return nil
}

// Register adds fd to the poll context with interest ops (which may be empty).
func Register(pollFd, fd int, ops iface.Op) error {
	return kevent("kevent_add", pollFd, changes(fd, 0, ops))
}

// Modify changes the interest of a registered fd from prev to next.
func Modify(pollFd, fd int, prev, next iface.Op) error {
	return kevent("kevent_mod", pollFd, changes(fd, prev, next))
}

// Unregister removes fd from the poll context. A fd that is already gone is not an error.
func Unregister(pollFd, fd int, prev iface.Op) error {
	err := kevent("kevent_del", pollFd, changes(fd, prev, 0))
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Wait blocks up to timeout (negative: forever) and calls cb for every ready fd.
// woken reports a wake signal.
func (that *EventList) Wait(pollFd, wakeFd int, timeout time.Duration, cb func(Event)) (n int, woken bool, err error) {
	var tsp *unix.Timespec
	if timeout >= 0 {
		ts := unix.NsecToTimespec(int64(timeout))
		tsp = &ts
	}
	n, err = unix.Kevent(pollFd, nil, that.raw, tsp)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, false, nil
		}
		return 0, false, utils.SysError("kevent_wait", err)
	}
	for i := 0; i < n; i++ {
		ev := &that.raw[i]
		if ev.Filter == unix.EVFILT_USER {
			woken = true
			continue
		}
		e := Event{Fd: int(ev.Ident), Hup: ev.Flags&unix.EV_ERROR != 0}
		switch ev.Filter {
		case unix.EVFILT_READ:
			// EOF on the read side still leaves buffered bytes to read
			e.Ready = iface.OpRead
		case unix.EVFILT_WRITE:
			e.Ready = iface.OpWrite
			e.Hup = e.Hup || ev.Flags&unix.EV_EOF != 0
		}
		cb(e)
	}
	that.grow(n)
	return n, woken, nil
}

// CreatePoll opens a kqueue with an EVFILT_USER wake signal. There is no wake fd, so
// wakeFd is -1.
func CreatePoll() (pollFd, wakeFd int, err error) {
	pollFd, err = unix.Kqueue()
	if err != nil {
		err = utils.SysError("kqueue", err)
		return
	}
	_, err = unix.Kevent(pollFd, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		_ = unix.Close(pollFd)
		err = utils.SysError("kqueue_user", err)
		return
	}
	return pollFd, -1, nil
}

// Trigger wakes the runner blocked on pollFd.
func Trigger(pollFd, _ int) error {
	_, err := unix.Kevent(pollFd, []unix.Kevent_t{{
		Ident:  wakeIdent,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
	if err != nil {
		return utils.SysError("kevent_trigger", err)
	}
	return nil
}

// Drain is a no-op, EV_CLEAR resets the user event.
func Drain(int) {}
