package conn

import (
	"github.com/moqsien/gkasync/asyncq"
	"github.com/moqsien/gkasync/socket"
	"github.com/moqsien/gkasync/sys"
	"github.com/moqsien/gkasync/utils/errs"
)

type streamWriter struct {
	c *Conn
}

func (that *streamWriter) Attempt(rec *asyncq.Record) (int, error) {
	p := rec.Remaining()
	if len(p) == 0 {
		return 0, nil
	}
	n, err := that.c.withFd(func(fd int) (int, error) {
		return sys.Write(fd, p)
	})
	rec.Progress(n)
	if err != nil {
		if n > 0 {
			return n, nil
		}
		return 0, classify("write", err)
	}
	return n, nil
}

// Writev flushes merged append-mode records.
func (that *streamWriter) Writev(iov [][]byte) (int, error) {
	n, err := that.c.withFd(func(fd int) (int, error) {
		return sys.Writev(fd, iov)
	})
	if err != nil {
		return 0, classify("writev", err)
	}
	return n, nil
}

func (that *streamWriter) Satisfied(rec *asyncq.Record) bool { return asyncq.Full(rec) }

// datagramWriter sends the record's buffer as one datagram, to rec.Addr if set, else to
// the connection's peer.
type datagramWriter struct {
	c *Conn
}

func (that *datagramWriter) Attempt(rec *asyncq.Record) (int, error) {
	var err error
	switch {
	case rec.Addr != nil:
		sa, _, aerr := socket.AddrToSockaddr(rec.Addr)
		if aerr != nil {
			return 0, aerr
		}
		_, err = that.c.withFd(func(fd int) (int, error) { return 0, sys.Sendto(fd, rec.Buf, sa) })
	case that.c.connected.Load():
		_, err = that.c.withFd(func(fd int) (int, error) { return sys.Write(fd, rec.Buf) })
	case that.c.peer != nil:
		_, err = that.c.withFd(func(fd int) (int, error) { return 0, sys.Sendto(fd, rec.Buf, that.c.peer) })
	default:
		return 0, errs.ErrNotConnected
	}
	if err != nil {
		return 0, classify("sendto", err)
	}
	rec.Progress(len(rec.Buf))
	return len(rec.Buf), nil
}

func (that *datagramWriter) Satisfied(rec *asyncq.Record) bool { return asyncq.Full(rec) }
