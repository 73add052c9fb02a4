package comet

import (
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/moqsien/processes/logger"
	"github.com/panjf2000/ants/v2"

	"github.com/moqsien/gkasync/future"
)

const defaultPoolSize = 1024

type Option func(*Notifier)

// WithBlocking makes Notify call the handlers one after another on the calling
// goroutine.
func WithBlocking(b bool) Option {
	return func(n *Notifier) { n.blocking.Store(b) }
}

// WithPool runs non-blocking notifications on p, which should be a non-blocking pool.
// The Notifier does not release it.
func WithPool(p *ants.Pool) Option {
	return func(n *Notifier) { n.pool = p }
}

// Notifier delivers one event to a set of subscriptions, each at most once per call.
// In non-blocking mode every handler runs on its own worker, so a slow handler delays
// nobody else.
type Notifier struct {
	blocking atomic.Bool
	pool     *ants.Pool
	ownPool  bool
}

func NewNotifier(opts ...Option) (*Notifier, error) {
	that := new(Notifier)
	for _, opt := range opts {
		opt(that)
	}
	if that.pool == nil {
		p, err := ants.NewPool(defaultPoolSize, ants.WithNonblocking(true), ants.WithPanicHandler(func(r interface{}) {
			logger.Warningf("comet: handler panicked: %v", r)
		}))
		if err != nil {
			return nil, err
		}
		that.pool, that.ownPool = p, true
	}
	return that, nil
}

func (that *Notifier) IsBlocking() bool { return that.blocking.Load() }

func (that *Notifier) SetBlocking(b bool) { that.blocking.Store(b) }

// Notify sends ev to every subscription subs yields, once each. It returns how many were
// notified or handed to a worker. Blocking, the handler errors come back joined;
// non-blocking, they are logged.
func (that *Notifier) Notify(ev Event, subs iter.Seq[*Subscription]) (int, error) {
	seen := map[*Subscription]struct{}{}
	var errList []error
	for s := range subs {
		if _, ok := seen[s]; ok || !s.Active() {
			continue
		}
		seen[s] = struct{}{}
		if that.IsBlocking() {
			if err := call(s, ev); err != nil {
				errList = append(errList, err)
			}
			continue
		}
		that.dispatch(s, ev)
	}
	return len(seen), errors.Join(errList...)
}

// NotifyOne sends ev to s alone. Non-blocking, the future fires once the handler returned.
func (that *Notifier) NotifyOne(ev Event, s *Subscription) *future.Future {
	if that.IsBlocking() {
		return future.Completed(future.Result{Err: call(s, ev)})
	}
	fut := future.New(nil)
	that.submit(func() { fut.Complete(future.Result{Err: call(s, ev)}) })
	return fut
}

func (that *Notifier) dispatch(s *Subscription, ev Event) {
	that.submit(func() {
		if err := call(s, ev); err != nil {
			logger.Warningf("comet: %v", err)
		}
	})
}

func (that *Notifier) submit(task func()) {
	if err := that.pool.Submit(task); err != nil {
		// pool saturated or released, never make the caller wait
		go task()
	}
}

func call(s *Subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscription %d on %q panicked: %v", s.id, s.topic, r)
		}
	}()
	if err = s.handler.OnEvent(ev); err != nil {
		err = fmt.Errorf("subscription %d on %q: %w", s.id, s.topic, err)
	}
	return
}

// Close releases the worker pool the Notifier created itself.
func (that *Notifier) Close() {
	if that.ownPool {
		that.pool.Release()
	}
}
