package chain

import (
	"errors"
	"net"

	"github.com/moqsien/gkasync/future"
	"github.com/moqsien/gkasync/utils/errs"
)

// PeerKey holds the sender address of a datagram read by ReadFilter.
const PeerKey = "chain.peer"

// ReadFilter reads whatever the connection holds into a pooled buffer and passes it on
// as ctx.Message ([]byte). Nothing to read stops the chain.
type ReadFilter struct{}

func (ReadFilter) Handle(ctx *Context) (Verdict, error) {
	c := ctx.Conn
	buf := c.GetBufferFromPool()
	n, addr, err := c.ReadNow(buf)
	switch {
	case errors.Is(err, errs.ErrWouldBlock):
		c.PutBufferToPool(buf)
		return Stop, nil
	case err != nil:
		c.PutBufferToPool(buf)
		return Error, err
	}
	ctx.Message = buf[:n]
	if addr != nil {
		ctx.Set(PeerKey, addr)
	}
	ctx.Release = func() { c.PutBufferToPool(buf) }
	return Continue, nil
}

// EchoFilter writes ctx.Message back to where it came from. It suspends the chain until
// the write completes, so the read buffer is not reused under a pending write.
type EchoFilter struct{}

func (EchoFilter) Handle(ctx *Context) (Verdict, error) {
	msg, _ := ctx.Message.([]byte)
	if len(msg) == 0 {
		return Stop, nil
	}
	var (
		fut *future.Future
		err error
	)
	if addr, ok := ctx.Get(PeerKey).(net.Addr); ok {
		fut, err = ctx.Conn.WriteTo(msg, addr, nil)
	} else {
		fut, err = ctx.Conn.WriteAsync(msg, nil)
	}
	if err != nil {
		return Error, err
	}
	if fut.IsDone() {
		if res, err := fut.Result(); err != nil {
			return Error, res.Err
		}
		return Stop, nil
	}
	ch := ctx.Chain()
	ctx.Save(fut)
	fut.OnComplete(func(future.Result) { _ = ch.Resume() })
	return Suspend, nil
}
