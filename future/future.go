// Package future is the completion sink of every queued operation.
//
// One Future backs one operation and fires exactly once. Two facades read it: callbacks
// (OnComplete, fired on whatever goroutine completes the operation, usually a runner, so
// they must not block) and Await for callers that can block.
package future

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/moqsien/gkasync/utils/errs"
)

var ErrNotReady = errors.New("future is still pending")

// Result is the terminal outcome of one operation: a byte count, or an error kind.
type Result struct {
	N    int
	Addr net.Addr // peer address for datagram reads
	Err  error
}

func (that Result) OK() bool { return that.Err == nil }

// Handler receives the outcome of an operation.
type Handler interface {
	OnComplete(res Result)
}

type HandlerFunc func(res Result)

func (that HandlerFunc) OnComplete(res Result) { that(res) }

type Future struct {
	fired     atomic.Bool
	mu        sync.Mutex
	done      chan struct{}
	res       Result
	callbacks []func(Result)
}

// New returns a pending Future; h, if not nil, is fired on completion.
func New(h Handler) *Future {
	f := &Future{done: make(chan struct{})}
	if h != nil {
		f.callbacks = append(f.callbacks, h.OnComplete)
	}
	return f
}

// Completed returns a Future that already holds res.
func Completed(res Result) *Future {
	f := New(nil)
	f.Complete(res)
	return f
}

// Complete stores res and fires the callbacks. Only the first call has any effect;
// it reports whether this call was the one that completed the Future.
func (that *Future) Complete(res Result) bool {
	if !that.fired.CompareAndSwap(false, true) {
		return false
	}
	that.mu.Lock()
	that.res = res
	callbacks := that.callbacks
	that.callbacks = nil
	close(that.done)
	that.mu.Unlock()

	for _, cb := range callbacks {
		cb(res)
	}
	return true
}

// Cancel completes the Future with errs.ErrCancelled.
func (that *Future) Cancel() bool {
	return that.Complete(Result{Err: errs.ErrCancelled})
}

// OnComplete registers cb. If the Future is already done, cb runs immediately.
func (that *Future) OnComplete(cb func(Result)) *Future {
	that.mu.Lock()
	select {
	case <-that.done:
		res := that.res
		that.mu.Unlock()
		cb(res)
	default:
		that.callbacks = append(that.callbacks, cb)
		that.mu.Unlock()
	}
	return that
}

func (that *Future) IsDone() bool {
	select {
	case <-that.done:
		return true
	default:
		return false
	}
}

func (that *Future) Done() <-chan struct{} {
	return that.done
}

// Result returns the outcome, or ErrNotReady while the operation is pending.
func (that *Future) Result() (Result, error) {
	select {
	case <-that.done:
		return that.res, that.res.Err
	default:
		return Result{}, ErrNotReady
	}
}

// Await blocks until the Future completes or ctx is done. A ctx that belongs to a runner
// is refused, blocking there would stall every connection of that runner.
// A ctx timeout does not cancel the operation.
func (that *Future) Await(ctx context.Context) (Result, error) {
	if OnRunner(ctx) {
		return Result{}, errs.ErrAwaitOnRunner
	}
	select {
	case <-that.done:
		return that.res, that.res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type runnerKey struct{}

// WithRunner marks ctx as belonging to a runner goroutine.
func WithRunner(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, runnerKey{}, index)
}

// OnRunner reports whether ctx was marked by WithRunner.
func OnRunner(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	_, ok := ctx.Value(runnerKey{}).(int)
	return ok
}

// RunnerIndex returns the index given to WithRunner, or -1.
func RunnerIndex(ctx context.Context) int {
	if ctx == nil {
		return -1
	}
	if i, ok := ctx.Value(runnerKey{}).(int); ok {
		return i
	}
	return -1
}
