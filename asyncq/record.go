package asyncq

import (
	"net"
	"sync/atomic"

	"github.com/panjf2000/gnet/v2/pkg/buffer/elastic"

	"github.com/moqsien/gkasync/future"
	"github.com/moqsien/gkasync/utils/errs"
)

// Interceptor decides whether a record that has moved some bytes is satisfied.
type Interceptor func(rec *Record) bool

// Full is satisfied once the whole buffer was transferred.
func Full(rec *Record) bool { return rec.Transferred() >= len(rec.Buf) }

// AnyBytes is satisfied by the first attempt that moves at least one byte.
func AnyBytes(rec *Record) bool { return rec.Transferred() > 0 || len(rec.Buf) == 0 }

// OneDatagram is satisfied by the first datagram, whatever its size.
func OneDatagram(rec *Record) bool { return rec.Datagrams() > 0 }

// AtLeast is satisfied after n bytes (or a full buffer, if it is smaller).
func AtLeast(n int) Interceptor {
	return func(rec *Record) bool {
		return rec.Transferred() >= n || rec.Transferred() >= len(rec.Buf)
	}
}

// Record is one pending read or write. Fill it in, then hand it to a Queue; from then on
// it belongs to the queue until its future fires.
type Record struct {
	Buf         []byte
	Addr        net.Addr // destination of a datagram write
	Interceptor Interceptor
	Transform   func(res future.Result) future.Result
	Append      bool // writers only: may be merged into a pending append-mode record

	fut       *future.Future
	n         atomic.Int64
	datagrams atomic.Int32
	source    net.Addr

	out     *elastic.Buffer // merged bytes of an append-mode record
	parts   []part
	total   int
	written int
}

type part struct {
	rec *Record
	end int // cumulative offset in out where this part ends
}

func NewRecord(buf []byte, h future.Handler) *Record {
	return &Record{Buf: buf, fut: future.New(h)}
}

func (that *Record) Future() *future.Future { return that.fut }

// Transferred is the number of bytes moved so far.
func (that *Record) Transferred() int { return int(that.n.Load()) }

// Datagrams counts the datagrams received into this record.
func (that *Record) Datagrams() int { return int(that.datagrams.Load()) }

// Source is the sender of the last datagram read into the record.
func (that *Record) Source() net.Addr { return that.source }

// Remaining returns the untransferred tail of Buf.
func (that *Record) Remaining() []byte {
	if n := that.Transferred(); n < len(that.Buf) {
		return that.Buf[n:]
	}
	return nil
}

// Progress is called by transfers to account moved bytes.
func (that *Record) Progress(n int) {
	if n > 0 {
		that.n.Add(int64(n))
	}
}

// Received marks one datagram of n bytes from src.
func (that *Record) Received(n int, src net.Addr) {
	that.Progress(n)
	that.source = src
	that.datagrams.Add(1)
}

func (that *Record) complete(res future.Result) {
	if that.Transform != nil {
		res = that.Transform(res)
	}
	that.fut.Complete(res)
}

func (that *Record) succeed() {
	that.complete(future.Result{N: that.Transferred(), Addr: that.source})
}

func (that *Record) fail(err error) {
	if that.out != nil {
		for _, p := range that.parts {
			p.rec.complete(future.Result{N: p.rec.Transferred(), Err: err})
		}
		that.parts = nil
		that.out.Release()
		that.out = nil
		return
	}
	that.complete(future.Result{N: that.Transferred(), Err: err})
}

func (that *Record) cancel() { that.fail(errs.ErrCancelled) }
