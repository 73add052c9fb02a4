package conn

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/moqsien/gkasync/asyncq"
	"github.com/moqsien/gkasync/future"
	"github.com/moqsien/gkasync/utils/errs"
)

// BlockingConn adapts a Conn to blocking Read/Write for goroutines that are not runners.
// Every call queues one record and waits for it.
type BlockingConn struct {
	*Conn
	// Timeout bounds each call; zero waits forever. A call that times out closes the
	// connection and reports errs.ErrTimeout.
	Timeout time.Duration
}

// Adapt returns the blocking view of the connection.
func (that *Conn) Adapt(timeout time.Duration) *BlockingConn {
	return &BlockingConn{Conn: that, Timeout: timeout}
}

// Read returns as soon as some bytes (or one datagram) arrived.
func (that *BlockingConn) Read(p []byte) (int, error) {
	rec := asyncq.NewRecord(p, nil)
	if that.kind == Stream {
		rec.Interceptor = asyncq.AnyBytes
	}
	fut, _ := that.Conn.Read(rec)
	res, err := that.await(fut)
	if errors.Is(err, io.EOF) {
		err = io.EOF
	}
	return res.N, err
}

// ReadFull returns once p is full.
func (that *BlockingConn) ReadFull(p []byte) (int, error) {
	fut, _ := that.Conn.ReadAsync(p, nil)
	res, err := that.await(fut)
	return res.N, err
}

// Write returns once all of p is written.
func (that *BlockingConn) Write(p []byte) (int, error) {
	fut, _ := that.Conn.WriteAsync(p, nil)
	res, err := that.await(fut)
	return res.N, err
}

func (that *BlockingConn) await(fut *future.Future) (future.Result, error) {
	ctx := context.Background()
	if that.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, that.Timeout)
		defer cancel()
	}
	res, err := fut.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		_ = that.Conn.CloseWith(errs.ErrTimeout)
		// the record owns the buffer until the cancellation lands
		res, _ = fut.Await(context.Background())
		return res, errs.ErrTimeout
	}
	return res, err
}
