// Package eloop is the selector runner: one goroutine owning one poll context, the
// connections registered with it, and the listeners bound to it.
package eloop

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moqsien/processes/logger"
	"github.com/panjf2000/ants/v2"

	"github.com/moqsien/gkasync/balancer"
	"github.com/moqsien/gkasync/chain"
	"github.com/moqsien/gkasync/conn"
	"github.com/moqsien/gkasync/future"
	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/poll"
	"github.com/moqsien/gkasync/socket"
	"github.com/moqsien/gkasync/sys"
	"github.com/moqsien/gkasync/utils/errs"
)

type State int32

const (
	Idle State = iota
	Waiting
	Dispatching
	Stopped
)

func (that State) String() string {
	switch that {
	case Idle:
		return "idle"
	case Waiting:
		return "waiting"
	case Dispatching:
		return "dispatching"
	}
	return "stopped"
}

type Config struct {
	Index          int
	PollTimeout    time.Duration // wait bound of one Run iteration, negative waits for events
	ReadBufferSize int
	WriteBufferCap int
	KeepAlive      int // seconds, accepted TCP connections only
	LockOSThread   bool
	Chain          *chain.Template // run on read readiness; nil leaves reads to the queues
	Pool           *ants.Pool      // if set, chains run there instead of on the runner
	OnOpen         func(c *conn.Conn)
}

type session struct {
	c      *conn.Conn
	served bool // accepted or bound here, run through the chain
	ch     *chain.Chain // in flight or suspended
	seq    uint64       // number of the latest chain run
}

type Eloop struct {
	cfg       Config
	index     int
	poller    *poll.Poller
	ctx       context.Context
	workerCtx context.Context // given to chains run on the processing pool
	conns     map[int]*session
	listeners map[int]socket.IListener
	balancer  balancer.IBalancer[*Eloop]
	onEvent   func(sys.Event)

	state     atomic.Int32
	connCount atomic.Int32
	accepted  atomic.Uint64
	running   atomic.Bool
	done      chan struct{}
	stopOnce  sync.Once
}

type loopKey struct{}

func New(cfg Config) (*Eloop, error) {
	p, err := poll.New()
	if err != nil {
		return nil, err
	}
	that := &Eloop{
		cfg:       cfg,
		index:     cfg.Index,
		poller:    p,
		conns:     map[int]*session{},
		listeners: map[int]socket.IListener{},
		done:      make(chan struct{}),
	}
	that.ctx = context.WithValue(future.WithRunner(context.Background(), cfg.Index), loopKey{}, that)
	that.workerCtx = context.Background()
	that.onEvent = that.dispatch
	return that, nil
}

func (that *Eloop) Index() int { return that.index }

func (that *Eloop) Poller() *poll.Poller { return that.poller }

// Context is the runner context given to filters; blocking awaits on it are refused.
func (that *Eloop) Context() context.Context { return that.ctx }

// chainContext is Context for chains run on the runner. Pool workers get a plain context,
// so RegisterInterest from their filters is queued to the runner.
func (that *Eloop) chainContext() context.Context {
	if that.cfg.Pool != nil {
		return that.workerCtx
	}
	return that.ctx
}

func (that *Eloop) State() State { return State(that.state.Load()) }

func (that *Eloop) setState(s State) {
	if that.State() != Stopped {
		that.state.Store(int32(s))
	}
}

func (that *Eloop) ConnCount() int32 { return that.connCount.Load() }

// SetBalancer sets where accepted connections go. Without one they stay on this runner.
func (that *Eloop) SetBalancer(b balancer.IBalancer[*Eloop]) {
	that.balancer = b
}

// Submit runs f on the runner before its next wait.
func (that *Eloop) Submit(f func() error) error {
	if that.State() == Stopped {
		return errs.ErrEngineShutdown
	}
	return that.poller.AddTask(runFunc, f)
}

func (that *Eloop) submitPrior(f func() error) error {
	if that.State() == Stopped {
		return errs.ErrEngineShutdown
	}
	return that.poller.AddPriorTask(runFunc, f)
}

func runFunc(arg poll.TaskArg) error {
	return arg.(func() error)()
}

// Register hands a served connection to this runner; it is watched from the runner's
// next iteration on.
func (that *Eloop) Register(c *conn.Conn) error {
	return that.submitPrior(func() error {
		return that.register(c, true)
	})
}

// RegisterClient is Register for outbound connections: the chain never sees them and
// reads are left to their queues.
func (that *Eloop) RegisterClient(c *conn.Conn) error {
	return that.submitPrior(func() error {
		return that.register(c, false)
	})
}

func (that *Eloop) register(c *conn.Conn, served bool) error {
	if that.State() == Stopped {
		c.Abort(errs.ErrEngineShutdown)
		return nil
	}
	if c.IsClosed() {
		c.Abort(nil)
		return nil
	}
	c.SetReadBufferSize(that.cfg.ReadBufferSize)
	c.SetWriteBufferCap(that.cfg.WriteBufferCap)
	sess := &session{c: c, served: served}
	that.conns[c.GetFd()] = sess
	that.connCount.Add(1)
	if served && that.cfg.Chain != nil {
		c.SetBase(iface.OpRead, true)
	}
	if err := c.Register(); err != nil {
		c.Abort(err)
		return err
	}
	if served && that.cfg.OnOpen != nil {
		that.cfg.OnOpen(c)
	}
	return nil
}

// Forget implements conn.Loop.
func (that *Eloop) Forget(c *conn.Conn) {
	if sess, ok := that.conns[c.GetFd()]; ok && sess.c == c {
		delete(that.conns, c.GetFd())
		that.connCount.Add(-1)
	}
}

// RegisterInterest asks for (on) or drops readiness interest of c in op. From the
// runner's own context the registration changes in place, from anywhere else the change
// is queued and the runner woken.
func (that *Eloop) RegisterInterest(ctx context.Context, c *conn.Conn, op iface.Op, on bool) {
	owner, _ := ctx.Value(loopKey{}).(*Eloop)
	c.Want(op, on, owner == that && c.Loop() == conn.Loop(that))
}

// Bind watches l for accepts (or, for datagram endpoints, serves it as one connection).
// Call it before Run.
func (that *Eloop) Bind(l socket.IListener) error {
	if l.IsUDP() {
		fd, err := dupFd(l.GetFd())
		if err != nil {
			return errors.Join(errs.ErrRegistration, err)
		}
		c := conn.New(fd, conn.Datagram, that, l.Addr(), nil)
		return that.register(c, true)
	}
	if err := that.poller.Register(l.GetFd(), iface.OpAccept); err != nil {
		return err
	}
	that.listeners[l.GetFd()] = l
	return nil
}

// LoopOnce runs the pending tasks, then waits up to timeout and dispatches what is ready.
// It returns at once when tasks are pending.
func (that *Eloop) LoopOnce(timeout time.Duration) error {
	if that.State() == Stopped {
		return errs.ErrEngineShutdown
	}
	if err := that.poller.RunTasks(); err != nil {
		if errors.Is(err, errs.ErrEngineShutdown) {
			that.shutdown()
		}
		return err
	}
	that.setState(Waiting)
	_, err := that.poller.Wait(timeout, that.onEvent)
	that.setState(Idle)
	return err
}

// Run loops until Stop. It returns nil after a regular stop.
func (that *Eloop) Run() error {
	if !that.running.CompareAndSwap(false, true) {
		return errs.ErrUnsupportedOp
	}
	defer close(that.done)
	if that.cfg.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for {
		err := that.LoopOnce(that.cfg.PollTimeout)
		switch {
		case err == nil:
		case errors.Is(err, errs.ErrEngineShutdown):
			return nil
		default:
			logger.Errorf("error occurs in eventloop %d: %v", that.index, err)
			that.shutdown()
			return err
		}
	}
}

// Stop closes every connection of the runner and waits for Run to return. A runner that
// never ran is shut down inline. Stop must not be called from the runner itself.
func (that *Eloop) Stop() error {
	if that.State() == Stopped {
		return nil
	}
	if !that.running.Load() {
		that.shutdown()
		return nil
	}
	if err := that.poller.AddPriorTask(func(poll.TaskArg) error {
		return errs.ErrEngineShutdown
	}, nil); err != nil {
		return err
	}
	<-that.done
	return nil
}

func (that *Eloop) shutdown() {
	that.stopOnce.Do(func() {
		// let queued registrations and closes land first
		for i := 0; i < 4 && that.poller.HasTasks(); i++ {
			_ = that.poller.RunTasks()
		}
		that.state.Store(int32(Stopped))
		for _, sess := range that.conns {
			sess.c.Abort(errs.ErrEngineShutdown)
		}
		for fd := range that.listeners {
			_ = that.poller.Unregister(fd, iface.OpAccept)
			delete(that.listeners, fd)
		}
		if err := that.poller.Close(); err != nil {
			logger.Warningf("eventloop %d: %v", that.index, err)
		}
	})
}

type Stats struct {
	Index    int    `json:"index"`
	State    string `json:"state"`
	Conns    int32  `json:"conns"`
	Accepted uint64 `json:"accepted"`
}

func (that *Eloop) Stats() Stats {
	return Stats{
		Index:    that.index,
		State:    that.State().String(),
		Conns:    that.ConnCount(),
		Accepted: that.accepted.Load(),
	}
}
