package conn

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/asyncq"
	"github.com/moqsien/gkasync/socket"
	"github.com/moqsien/gkasync/sys"
	"github.com/moqsien/gkasync/utils"
	"github.com/moqsien/gkasync/utils/errs"
)

// ErrEOF is returned by stream reads after the peer closed its side.
var ErrEOF = errors.Join(errs.ErrTransportClosed, io.EOF)

func classify(name string, err error) error {
	if errors.Is(err, errs.ErrCancelled) {
		return err
	}
	return utils.Classify(name, err)
}

type streamReader struct {
	c *Conn
}

func (that *streamReader) Attempt(rec *asyncq.Record) (int, error) {
	p := rec.Remaining()
	if len(p) == 0 {
		return 0, nil
	}
	n, err := that.c.withFd(func(fd int) (int, error) {
		return sys.Read(fd, p)
	})
	if err != nil {
		return 0, classify("read", err)
	}
	if n == 0 {
		return 0, ErrEOF
	}
	rec.Progress(n)
	return n, nil
}

func (that *streamReader) Satisfied(rec *asyncq.Record) bool { return asyncq.Full(rec) }

// datagramReader receives one datagram per attempt; a datagram larger than the
// remaining buffer is truncated.
type datagramReader struct {
	c *Conn
}

func (that *datagramReader) Attempt(rec *asyncq.Record) (int, error) {
	p := rec.Remaining()
	var sa unix.Sockaddr
	n, err := that.c.withFd(func(fd int) (n int, err error) {
		n, sa, err = sys.Recvfrom(fd, p)
		return
	})
	if err != nil {
		return 0, classify("recvfrom", err)
	}
	if n < 0 {
		n = 0
	}
	rec.Received(n, socket.SockaddrToUDPAddr(sa))
	return n, nil
}

func (that *datagramReader) Satisfied(rec *asyncq.Record) bool { return asyncq.OneDatagram(rec) }
