package engine

import (
	"context"
	"errors"
	"net"

	"github.com/moqsien/gkasync/conn"
	"github.com/moqsien/gkasync/future"
	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/socket"
	"github.com/moqsien/gkasync/utils/errs"
)

// ConnectorHandle is a client connection served by one of the engine's runners.
// Blocking calls are bounded by Options.IOTimeout; one that times out closes the
// connection.
type ConnectorHandle struct {
	engine   *Engine
	protocol iface.Protocol
	c        *conn.Conn
	bc       *conn.BlockingConn
}

// AcquireConnectorHandle returns an unconnected handle for protocol p.
func (that *Engine) AcquireConnectorHandle(p iface.Protocol) (*ConnectorHandle, error) {
	if !that.IsRunning() {
		return nil, errs.ErrNotStarted
	}
	if p != iface.TCP && p != iface.UDP {
		return nil, errs.ErrUnsupportedOp
	}
	h := that.connectors[p].Get().(*ConnectorHandle)
	h.engine = that
	return h, nil
}

// ReleaseConnectorHandle closes h and takes it back. h must not be used afterwards.
func (that *Engine) ReleaseConnectorHandle(h *ConnectorHandle) {
	if h == nil || h.engine != that {
		return
	}
	_ = h.Close()
	h.engine, h.c, h.bc = nil, nil, nil
	that.connectors[h.protocol].Put(h)
}

func (that *ConnectorHandle) Protocol() iface.Protocol { return that.protocol }

// Conn is the underlying connection, nil before Connect.
func (that *ConnectorHandle) Conn() *conn.Conn { return that.c }

// Connect connects to address and waits for the outcome or ctx.
func (that *ConnectorHandle) Connect(ctx context.Context, address string) error {
	if that.engine == nil {
		return errs.ErrNotStarted
	}
	if that.c != nil && !that.c.IsClosed() {
		return errs.ErrUnsupportedOp
	}
	kind, network := conn.Stream, "tcp"
	if that.protocol == iface.UDP {
		kind, network = conn.Datagram, "udp"
	}
	fd, sa, remote, err := socket.Dial(network, address)
	if err != nil {
		return err
	}
	el := that.engine.balancer.Next()
	c := conn.New(fd, kind, el, nil, remote)
	// connect first, an idle unconnected stream socket polls as hung up
	fut := c.Connect(sa)
	if err = el.RegisterClient(c); err != nil {
		_ = c.CloseWith(err)
		return err
	}
	res, err := fut.Await(ctx)
	if err == nil {
		err = res.Err
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(errs.ErrTimeout, err)
		}
		_ = c.CloseWith(err)
		return err
	}
	c.AddrLocal = socket.LocalAddr(fd, kind == conn.Datagram)
	that.c = c
	that.bc = c.Adapt(that.engine.opts.IOTimeout.Duration)
	return nil
}

// Read reads into buf. Blocking, it waits for some bytes (one datagram for UDP);
// otherwise it returns what is there, possibly nothing.
func (that *ConnectorHandle) Read(buf []byte, blocking bool) (int, error) {
	if that.c == nil {
		return 0, errs.ErrNotConnected
	}
	if blocking {
		return that.bc.Read(buf)
	}
	n, _, err := that.c.ReadNow(buf)
	if errors.Is(err, errs.ErrWouldBlock) {
		return 0, nil
	}
	return n, err
}

// Write writes buf. Blocking, it returns once all of buf is out; otherwise it writes
// what the transport takes right now.
func (that *ConnectorHandle) Write(buf []byte, blocking bool) (int, error) {
	if that.c == nil {
		return 0, errs.ErrNotConnected
	}
	if blocking {
		return that.bc.Write(buf)
	}
	n, err := that.c.WriteNow(buf)
	if errors.Is(err, errs.ErrWouldBlock) {
		return 0, nil
	}
	return n, err
}

func (that *ConnectorHandle) ReadAsync(buf []byte, h future.Handler) (*future.Future, error) {
	if that.c == nil {
		return nil, errs.ErrNotConnected
	}
	return that.c.ReadAsync(buf, h)
}

func (that *ConnectorHandle) WriteAsync(buf []byte, h future.Handler) (*future.Future, error) {
	if that.c == nil {
		return nil, errs.ErrNotConnected
	}
	return that.c.WriteAsync(buf, h)
}

func (that *ConnectorHandle) LocalAddr() net.Addr {
	if that.c == nil {
		return nil
	}
	return that.c.AddrLocal
}

func (that *ConnectorHandle) RemoteAddr() net.Addr {
	if that.c == nil {
		return nil
	}
	return that.c.AddrRemote
}

// Close closes the connection; pending operations complete with errs.ErrCancelled.
func (that *ConnectorHandle) Close() error {
	if that.c == nil {
		return nil
	}
	return that.c.Close()
}
