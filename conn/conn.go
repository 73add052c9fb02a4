// Package conn wraps one transport endpoint with its reader and writer queues.
//
// A Conn is shared: its queues accept records from any goroutine and Close may be called
// from anywhere. Everything else (registration, interest, connect state) belongs to the
// runner the Conn is registered with and is only touched on that runner's goroutine.
package conn

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/moqsien/processes/logger"
	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/asyncq"
	"github.com/moqsien/gkasync/buffer"
	"github.com/moqsien/gkasync/future"
	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/sys"
	"github.com/moqsien/gkasync/utils"
	"github.com/moqsien/gkasync/utils/errs"
)

var nextID atomic.Uint64

type Conn struct {
	id         uint64
	fd         int
	kind       Kind
	loop       Loop
	AddrLocal  net.Addr
	AddrRemote net.Addr
	peer       unix.Sockaddr // destination of datagram writes without an address
	connected  atomic.Bool   // datagram socket is connected to peer
	reader     *asyncq.Queue
	writer     *asyncq.Queue
	readPool   *buffer.Pool
	Ctx        interface{}

	// owned by the runner
	registered bool
	interest   iface.Op // registered with the poller
	base       iface.Op // asked for by the chain
	wants      iface.Op // asked for by the queues
	connecting *future.Future

	fdMu     sync.RWMutex
	fdClosed bool
	closed   atomic.Bool
	released atomic.Bool
	cause    atomic.Pointer[error]
	hooksMu  sync.Mutex
	hooks    []CloseHook
}

// New wraps fd, which must be non-blocking. The Conn is not watched until the runner
// behind loop registers it.
func New(fd int, kind Kind, loop Loop, local, remote net.Addr) (c *Conn) {
	c = &Conn{
		id:         nextID.Add(1),
		fd:         fd,
		kind:       kind,
		loop:       loop,
		AddrLocal:  local,
		AddrRemote: remote,
	}
	if kind == Datagram {
		c.reader = asyncq.New(iface.OpRead, &datagramReader{c}, c)
		c.writer = asyncq.New(iface.OpWrite, &datagramWriter{c}, c)
	} else {
		c.reader = asyncq.New(iface.OpRead, &streamReader{c}, c)
		c.writer = asyncq.New(iface.OpWrite, &streamWriter{c}, c)
	}
	return
}

func (that *Conn) ID() uint64 { return that.id }

func (that *Conn) GetFd() int { return that.fd }

func (that *Conn) Kind() Kind { return that.kind }

func (that *Conn) Loop() Loop { return that.loop }

func (that *Conn) Reader() *asyncq.Queue { return that.reader }

func (that *Conn) Writer() *asyncq.Queue { return that.writer }

func (that *Conn) IsClosed() bool { return that.closed.Load() }

// Err is the close cause, nil while open or after a plain Close.
func (that *Conn) Err() error {
	if p := that.cause.Load(); p != nil {
		return *p
	}
	return nil
}

// SetPeer sets the default destination of datagram writes.
func (that *Conn) SetPeer(sa unix.Sockaddr) {
	that.peer = sa
}

// SetWriteBufferCap bounds the buffer merged append-mode writes share.
func (that *Conn) SetWriteBufferCap(n int) {
	that.writer.SetMergeCap(n)
}

// OnClose registers h. A hook added after release runs right away.
func (that *Conn) OnClose(h CloseHook) {
	that.hooksMu.Lock()
	if !that.released.Load() {
		that.hooks = append(that.hooks, h)
		that.hooksMu.Unlock()
		return
	}
	that.hooksMu.Unlock()
	h(that, that.Err())
}

// Close is CloseWith(nil).
func (that *Conn) Close() error {
	return that.CloseWith(nil)
}

// CloseWith marks the connection closed, so both queues reject new records, and hands the
// release to the runner. Calling it again has no effect.
func (that *Conn) CloseWith(cause error) error {
	if !that.markClosed(cause) {
		return nil
	}
	if that.loop == nil {
		that.release()
		return nil
	}
	if err := that.loop.Submit(func() error {
		that.release()
		return nil
	}); err != nil {
		// runner is gone, nobody else will do it
		that.release()
	}
	return nil
}

// Abort closes and releases the connection at once. Runner goroutine only.
func (that *Conn) Abort(cause error) {
	that.markClosed(cause)
	that.release()
}

func (that *Conn) markClosed(cause error) bool {
	if !that.closed.CompareAndSwap(false, true) {
		return false
	}
	if cause != nil {
		that.cause.Store(&cause)
	}
	that.reader.Close()
	that.writer.Close()
	return true
}

// release cancels every queued record, deregisters and closes the fd, then runs the hooks.
func (that *Conn) release() {
	if !that.released.CompareAndSwap(false, true) {
		return
	}
	that.reader.CancelAll()
	that.writer.CancelAll()
	if f := that.connecting; f != nil {
		that.connecting = nil
		f.Cancel()
	}
	if that.registered && that.loop != nil {
		if err := that.loop.Poller().Unregister(that.fd, that.interest); err != nil {
			logger.Warningf("failed to delete fd=%d from poller: %v", that.fd, err)
		}
		that.registered = false
		that.interest = 0
	}
	if that.loop != nil {
		that.loop.Forget(that)
	}

	that.fdMu.Lock()
	that.fdClosed = true
	err := sys.CloseFd(that.fd)
	that.fdMu.Unlock()
	if err != nil {
		logger.Warningf("failed to close fd=%d: %v", that.fd, err)
	}

	that.hooksMu.Lock()
	hooks := that.hooks
	that.hooks = nil
	that.hooksMu.Unlock()
	cause := that.Err()
	for _, h := range hooks {
		h(that, cause)
	}
}

// Fail closes the connection after a transfer failure. A datagram socket outlives
// failures of single datagrams.
func (that *Conn) Fail(err error) {
	if that.kind == Datagram && !errors.Is(err, errs.ErrTransportClosed) && !errors.Is(err, errs.ErrCancelled) {
		logger.Warningf("conn %d: datagram dropped: %v", that.id, err)
		return
	}
	_ = that.CloseWith(err)
}

// withFd runs f while fd cannot be closed underneath it.
func (that *Conn) withFd(f func(fd int) (int, error)) (int, error) {
	that.fdMu.RLock()
	defer that.fdMu.RUnlock()
	if that.fdClosed {
		return 0, errs.ErrCancelled
	}
	return f(that.fd)
}

func (that *Conn) ReadAsync(buf []byte, h future.Handler) (*future.Future, error) {
	return that.Read(asyncq.NewRecord(buf, h))
}

// Read queues rec on the reader. A failure of the fast path is returned as well as sent
// to rec's future.
func (that *Conn) Read(rec *asyncq.Record) (*future.Future, error) {
	err := that.reader.EnqueueOrExecute(rec)
	return rec.Future(), err
}

func (that *Conn) WriteAsync(buf []byte, h future.Handler) (*future.Future, error) {
	return that.Write(asyncq.NewRecord(buf, h))
}

// WriteTo queues one datagram for addr.
func (that *Conn) WriteTo(buf []byte, addr net.Addr, h future.Handler) (*future.Future, error) {
	if that.kind != Datagram {
		return future.Completed(future.Result{Err: errs.ErrUnsupportedOp}), errs.ErrUnsupportedOp
	}
	rec := asyncq.NewRecord(buf, h)
	rec.Addr = addr
	return that.Write(rec)
}

func (that *Conn) Write(rec *asyncq.Record) (*future.Future, error) {
	err := that.writer.EnqueueOrExecute(rec)
	return rec.Future(), err
}

// ReadNow reads what is available without queueing. It returns errs.ErrWouldBlock when
// nothing is, or when queued reads come first.
func (that *Conn) ReadNow(p []byte) (int, net.Addr, error) {
	rec := asyncq.NewRecord(p, nil)
	n, err := that.reader.AttemptNow(rec)
	return n, rec.Source(), err
}

// WriteNow writes what the transport takes without queueing.
func (that *Conn) WriteNow(p []byte) (int, error) {
	return that.writer.AttemptNow(asyncq.NewRecord(p, nil))
}

// Connect starts a non-blocking connect to sa. The future fires once the transport is
// connected or failed; a failed connect closes the connection. Writes queued before the
// future fires fail with ENOTCONN.
//
// Call it before the Conn is registered: epoll reports hang-up for a stream socket that
// has not started connecting, and the runner would close it.
func (that *Conn) Connect(sa unix.Sockaddr) *future.Future {
	_, err := that.withFd(func(fd int) (int, error) {
		return 0, unix.Connect(fd, sa)
	})
	switch {
	case err == nil:
		that.onConnected(sa)
		return future.Completed(future.Result{})
	case errors.Is(err, unix.EINPROGRESS):
	case errors.Is(err, errs.ErrCancelled):
		return future.Completed(future.Result{Err: err})
	default:
		err = utils.SysError("connect", err)
		_ = that.CloseWith(err)
		return future.Completed(future.Result{Err: err})
	}

	fut := future.New(nil)
	if serr := that.loop.Submit(func() error {
		if that.IsClosed() {
			fut.Cancel()
			return nil
		}
		that.connecting = fut
		that.want(iface.OpConnect, true)
		return nil
	}); serr != nil {
		fut.Complete(future.Result{Err: serr})
	}
	return fut
}

// onConnected runs before the Conn is handed to other goroutines: datagram connects
// never go through EINPROGRESS.
func (that *Conn) onConnected(sa unix.Sockaddr) {
	if that.kind == Datagram {
		that.peer = sa
		that.connected.Store(true)
	}
}

// Connecting reports an outbound connect waiting for write readiness. Runner only.
func (that *Conn) Connecting() bool {
	return that.connecting != nil
}
