package conn

import (
	"errors"

	"github.com/moqsien/processes/logger"

	"github.com/moqsien/gkasync/future"
	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/sys"
	"github.com/moqsien/gkasync/utils/errs"
)

// Want implements asyncq.Owner. Off the runner the change is queued as a task; a stale
// "on" is dropped by the runner the next time the queue is found empty.
func (that *Conn) Want(op iface.Op, on bool, direct bool) {
	if direct {
		that.want(op, on)
		return
	}
	if that.loop == nil {
		return
	}
	_ = that.loop.Submit(func() error {
		if !that.IsClosed() {
			that.want(op, on)
		}
		return nil
	})
}

func (that *Conn) want(op iface.Op, on bool) {
	if on {
		that.wants |= op
	} else {
		that.wants &^= op
	}
	that.apply()
}

// SetBase keeps op registered whatever the queues need, e.g. read for a filter chain.
// Runner only.
func (that *Conn) SetBase(op iface.Op, on bool) {
	if on {
		that.base |= op
	} else {
		that.base &^= op
	}
	that.apply()
}

// Base returns the interest set with SetBase. Runner only.
func (that *Conn) Base() iface.Op { return that.base }

// Interest returns what is registered with the poller. Runner only.
func (that *Conn) Interest() iface.Op { return that.interest }

func (that *Conn) apply() {
	if !that.registered || that.IsClosed() {
		return
	}
	next := that.base | that.wants
	if next == that.interest {
		return
	}
	if err := that.loop.Poller().Modify(that.fd, that.interest, next); err != nil {
		logger.Warningf("conn %d: %v", that.id, err)
		_ = that.CloseWith(err)
		return
	}
	that.interest = next
}

// Register adds the connection to its runner's poller with the interest asked for so far.
// Runner only.
func (that *Conn) Register() error {
	if that.IsClosed() {
		return errs.ErrCancelled
	}
	if that.registered {
		return nil
	}
	ops := that.base | that.wants
	if err := that.loop.Poller().Register(that.fd, ops); err != nil {
		return err
	}
	that.registered, that.interest = true, ops
	return nil
}

// HandleReadable services the reader after read readiness. Runner only.
func (that *Conn) HandleReadable() error {
	return that.reader.OnReady()
}

// HandleWritable finishes a pending connect, or services the writer. Runner only.
func (that *Conn) HandleWritable() error {
	if that.connecting != nil {
		return that.finishConnect()
	}
	return that.writer.OnReady()
}

// HandleHangup closes the connection after the poller reported hang-up or error. A
// pending connect is finished from SO_ERROR instead, and queued reads get the bytes still
// buffered in the socket before the close. Runner only.
func (that *Conn) HandleHangup() {
	if that.IsClosed() {
		return
	}
	if that.connecting != nil {
		_ = that.finishConnect()
		return
	}
	if that.reader.Pending() {
		// reads until EOF, which fails the first unsatisfied record and closes
		_ = that.reader.OnReady()
		if that.IsClosed() {
			that.Abort(nil)
			return
		}
	}
	_, err := that.withFd(func(fd int) (int, error) { return 0, sys.SocketError(fd) })
	if err == nil {
		err = errs.ErrTransportClosed
	} else {
		err = errors.Join(errs.ErrTransportClosed, err)
	}
	that.Abort(err)
}

func (that *Conn) finishConnect() error {
	fut := that.connecting
	that.connecting = nil
	that.want(iface.OpConnect, false)
	_, err := that.withFd(func(fd int) (int, error) { return 0, sys.SocketError(fd) })
	if err != nil {
		fut.Complete(future.Result{Err: err})
		that.Abort(err)
		return err
	}
	fut.Complete(future.Result{})
	return nil
}
