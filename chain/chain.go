// Package chain runs the ordered filters a connection's readiness events go through.
//
// A Template is the immutable filter list shared by every connection. A Chain is one
// execution of it for one event, pooled and reset to the first filter between uses. A
// filter that cannot finish without waiting returns Suspend; the chain keeps its
// position and continues with the next filter once Resume is called.
package chain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/moqsien/gkasync/conn"
	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/utils/errs"
)

type Verdict int

const (
	Continue Verdict = iota // run the next filter
	Stop                    // the event is handled, skip the remaining filters
	Suspend                 // park the event until Resume
	Error                   // abort; the connection is closed
)

func (that Verdict) String() string {
	switch that {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	case Suspend:
		return "suspend"
	case Error:
		return "error"
	}
	return fmt.Sprintf("verdict(%d)", int(that))
}

// Filter handles one readiness event given what the filters before it left in ctx.
type Filter interface {
	Handle(ctx *Context) (Verdict, error)
}

type FilterFunc func(ctx *Context) (Verdict, error)

func (that FilterFunc) Handle(ctx *Context) (Verdict, error) { return that(ctx) }

type Template struct {
	filters []Filter
	pool    sync.Pool
}

func NewTemplate(filters ...Filter) *Template {
	t := &Template{filters: append([]Filter(nil), filters...)}
	t.pool.New = func() any { return &Chain{tpl: t} }
	return t
}

func (that *Template) Len() int { return len(that.filters) }

// Acquire returns a chain positioned on the first filter. resume is how a suspended
// chain gets back to its runner, it must not run the chain inline.
func (that *Template) Acquire(ctx context.Context, c *conn.Conn, event iface.Op, resume func(*Chain)) *Chain {
	ch := that.pool.Get().(*Chain)
	ch.ctx = Context{Context: ctx, Conn: c, Event: event, chain: ch}
	ch.resume = resume
	ch.state.Store(int32(stIdle))
	return ch
}

// Release ends ch, frees its message buffer and hands ch back to the pool. A suspended
// chain is left alone.
func (that *Template) Release(ch *Chain) {
	if ch.getState() == stSuspended {
		return
	}
	if f := ch.ctx.Release; f != nil {
		ch.ctx.Release = nil
		f()
	}
	ch.ctx = Context{}
	ch.resume = nil
	ch.err = nil
	that.pool.Put(ch)
}

type chainState int

const (
	stIdle chainState = iota
	stRunning
	stSuspended
	stDone
	stResumed // resumed before the suspending filter returned
)

type Chain struct {
	tpl    *Template
	ctx    Context
	resume func(*Chain)
	state  atomic.Int32
	err    error
}

func (that *Chain) getState() chainState { return chainState(that.state.Load()) }

func (that *Chain) Context() *Context { return &that.ctx }

func (that *Chain) Suspended() bool { return that.getState() == stSuspended }

func (that *Chain) Done() bool { return that.getState() == stDone }

// Err is the failure that ended the chain with Error.
func (that *Chain) Err() error { return that.err }

// Execute runs filters from the saved position. The verdict is Suspend while the chain
// is parked, else the final verdict: Stop or Continue for success, Error with a
// non-nil error for failures.
func (that *Chain) Execute() (Verdict, error) {
	if that.getState() == stDone {
		return Stop, nil
	}
	that.state.Store(int32(stRunning))
	filters := that.tpl.filters
	for that.ctx.index < len(filters) {
		v, err := that.run(filters[that.ctx.index])
		if err != nil {
			v = Error
		}
		switch v {
		case Continue:
			that.ctx.index++
		case Suspend:
			that.ctx.index++
			if that.state.CompareAndSwap(int32(stRunning), int32(stSuspended)) {
				return Suspend, nil
			}
			// the condition fired already
			that.state.Store(int32(stRunning))
		case Error:
			if err == nil {
				err = errs.ErrFilter
			} else {
				err = fmt.Errorf("%w: %w", errs.ErrFilter, err)
			}
			that.err = err
			that.state.Store(int32(stDone))
			return Error, err
		default:
			that.state.Store(int32(stDone))
			return Stop, nil
		}
	}
	that.state.Store(int32(stDone))
	return Continue, nil
}

func (that *Chain) run(f Filter) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = Error, fmt.Errorf("filter panicked: %v", r)
		}
	}()
	return f.Handle(&that.ctx)
}

// Resume hands a suspended chain back to its runner. It may be called from any
// goroutine, once per suspension.
func (that *Chain) Resume() error {
	if that.state.CompareAndSwap(int32(stRunning), int32(stResumed)) {
		return nil
	}
	if !that.state.CompareAndSwap(int32(stSuspended), int32(stIdle)) {
		return fmt.Errorf("resume a %v chain: %w", that.getState(), errs.ErrUnsupportedOp)
	}
	if that.resume == nil {
		return errs.ErrNotStarted
	}
	that.resume(that)
	return nil
}

func (that chainState) String() string {
	switch that {
	case stIdle:
		return "idle"
	case stRunning:
		return "running"
	case stSuspended:
		return "suspended"
	case stResumed:
		return "resumed"
	}
	return "done"
}
