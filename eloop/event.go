/*
Readiness handling of one runner: accepts on bound listeners, and per connection the
writer, then the reader or the filter chain, then hang-up.
*/
package eloop

import (
	"errors"
	"fmt"

	"github.com/moqsien/processes/logger"
	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/chain"
	"github.com/moqsien/gkasync/conn"
	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/socket"
	"github.com/moqsien/gkasync/sys"
	"github.com/moqsien/gkasync/utils/errs"
)

// acceptBatch bounds the accepts done for one readiness report.
const acceptBatch = 64

func (that *Eloop) dispatch(ev sys.Event) {
	that.setState(Dispatching)
	if l, ok := that.listeners[ev.Fd]; ok {
		that.accept(l)
		return
	}
	sess, ok := that.conns[ev.Fd]
	if !ok {
		return
	}
	c := sess.c
	defer func() {
		if r := recover(); r != nil {
			logger.Warningf("eventloop %d: conn %d panicked: %v", that.index, c.ID(), r)
			c.Abort(fmt.Errorf("%w: panic: %v", errs.ErrFilter, r))
		}
	}()
	if ev.Ready.Has(iface.OpWrite) {
		if err := c.HandleWritable(); err != nil {
			that.warn(c, err)
		}
	}
	if ev.Ready.Has(iface.OpRead) && !c.IsClosed() {
		that.readable(sess)
	}
	if ev.Hup && !c.IsClosed() {
		c.HandleHangup()
	}
}

// readable sends read readiness to queued reads first, then to the chain. With neither,
// the reader drops its stale interest.
func (that *Eloop) readable(sess *session) {
	c := sess.c
	switch {
	case c.Reader().Pending():
	case sess.served && that.cfg.Chain != nil && sess.ch == nil:
		that.execute(sess, that.cfg.Chain.Acquire(that.chainContext(), c, iface.OpRead, that.resumer(sess)))
		return
	}
	if err := c.HandleReadable(); err != nil {
		that.warn(c, err)
	}
}

func (that *Eloop) resumer(sess *session) func(*chain.Chain) {
	return func(ch *chain.Chain) {
		// never inline: the resume may come from inside another dispatch
		_ = that.Submit(func() error {
			that.execute(sess, ch)
			return nil
		})
	}
}

// execute runs ch, on the processing pool if there is one. Runner only.
func (that *Eloop) execute(sess *session, ch *chain.Chain) {
	c := sess.c
	if c.IsClosed() {
		sess.ch = nil
		that.cfg.Chain.Release(ch)
		return
	}
	sess.seq++
	seq := sess.seq
	sess.ch = ch
	// no new read events for this connection while its chain is out
	c.SetBase(iface.OpRead, false)

	if pool := that.cfg.Pool; pool != nil {
		err := pool.Submit(func() {
			v, err := ch.Execute()
			if serr := that.Submit(func() error {
				that.settle(sess, seq, ch, v, err)
				return nil
			}); serr != nil {
				_ = c.CloseWith(serr)
			}
		})
		if err == nil {
			return
		}
		logger.Warningf("eventloop %d: processing pool: %v", that.index, err)
	}
	v, err := ch.Execute()
	that.settle(sess, seq, ch, v, err)
}

// settle applies the outcome of chain run seq. Runner only.
func (that *Eloop) settle(sess *session, seq uint64, ch *chain.Chain, v chain.Verdict, err error) {
	if seq != sess.seq {
		// a resumed run took over
		return
	}
	c := sess.c
	switch v {
	case chain.Suspend:
		return
	case chain.Error:
		sess.ch = nil
		that.cfg.Chain.Release(ch)
		if !errors.Is(err, errs.ErrTransportClosed) && !errors.Is(err, errs.ErrCancelled) {
			logger.Warningf("eventloop %d: conn %d: %v", that.index, c.ID(), err)
		}
		c.Abort(err)
	default:
		sess.ch = nil
		that.cfg.Chain.Release(ch)
		if !c.IsClosed() {
			c.SetBase(iface.OpRead, true)
		}
	}
}

func (that *Eloop) warn(c *conn.Conn, err error) {
	if errors.Is(err, errs.ErrTransportClosed) || errors.Is(err, errs.ErrCancelled) {
		return
	}
	logger.Warningf("eventloop %d: conn %d: %v", that.index, c.ID(), err)
}

func (that *Eloop) accept(l socket.IListener) {
	for i := 0; i < acceptBatch; i++ {
		nfd, sa, err := sys.Accept(l.GetFd())
		switch {
		case err == nil:
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return
		case errors.Is(err, unix.ECONNABORTED):
			continue
		default:
			logger.Warningf("eventloop %d: %v: %v", that.index, errs.ErrAcceptSocket, err)
			return
		}
		if that.cfg.KeepAlive > 0 {
			if err = socket.SetKeepAlive(nfd, that.cfg.KeepAlive); err != nil {
				logger.Warningf("eventloop %d: keep-alive: %v", that.index, err)
			}
		}
		that.accepted.Add(1)

		target := that
		if that.balancer != nil && that.balancer.Len() > 0 {
			target = that.balancer.Next()
		}
		c := conn.New(nfd, conn.Stream, target, l.Addr(), socket.SockaddrToTCPOrUnixAddr(sa))
		if target == that {
			if err = that.register(c, true); err != nil {
				that.warn(c, err)
			}
			continue
		}
		if err = target.Register(c); err != nil {
			_ = c.CloseWith(err)
		}
	}
}

func dupFd(fd int) (int, error) {
	nfd, err := unix.Dup(fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(nfd)
	if err = unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, err
	}
	return nfd, nil
}
