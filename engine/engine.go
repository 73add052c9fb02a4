// Package engine is the controller: it starts the runners, binds the configured endpoints
// to them and hands out client connections.
package engine

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/moqsien/processes/logger"
	"github.com/panjf2000/ants/v2"

	"github.com/moqsien/gkasync/balancer"
	"github.com/moqsien/gkasync/eloop"
	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/socket"
	"github.com/moqsien/gkasync/utils/errs"
)

type state int32

const (
	stIdle state = iota
	stRunning
	stStopped
)

type Engine struct {
	opts       Options
	loops      []*eloop.Eloop
	balancer   balancer.IBalancer[*eloop.Eloop]
	listeners  []socket.IListener
	pool       *ants.Pool
	connectors [2]sync.Pool // by iface.Protocol

	mu    sync.Mutex
	state atomic.Int32
	wg    sync.WaitGroup
}

func New(opts *Options) *Engine {
	that := new(Engine)
	if opts != nil {
		that.opts = *opts
		that.opts.Endpoints = append([]Endpoint(nil), opts.Endpoints...)
	}
	that.opts.normalize()
	for i := range that.connectors {
		p := iface.Protocol(i)
		that.connectors[i].New = func() interface{} {
			return &ConnectorHandle{protocol: p}
		}
	}
	return that
}

func (that *Engine) Options() Options { return that.opts }

func (that *Engine) IsRunning() bool { return state(that.state.Load()) == stRunning }

// Start creates the runners, binds every endpoint (endpoint i goes to runner i modulo the
// number of runners) and runs them. On a bind failure everything already set up is torn
// down and the error, joined with errs.ErrRegistration, returned.
func (that *Engine) Start() (err error) {
	that.mu.Lock()
	defer that.mu.Unlock()
	switch state(that.state.Load()) {
	case stRunning:
		return nil
	case stStopped:
		return errs.ErrEngineShutdown
	}

	defer func() {
		if err != nil {
			that.unwind()
		}
	}()
	if n := that.opts.ProcessorPoolSize; n > 0 {
		that.pool, err = ants.NewPool(n, ants.WithPanicHandler(func(r interface{}) {
			logger.Warningf("processor pool: task panicked: %v", r)
		}))
		if err != nil {
			return err
		}
	}
	that.balancer = balancer.New[*eloop.Eloop](that.opts.LoadBalancer)
	for i := 0; i < that.opts.NumOfLoops; i++ {
		el, err := eloop.New(eloop.Config{
			Index:          i,
			PollTimeout:    that.opts.PollTimeout.Duration,
			ReadBufferSize: that.opts.ReadBuffer,
			WriteBufferCap: that.opts.WriteBuffer,
			KeepAlive:      int(that.opts.ConnKeepAlive.Seconds()),
			LockOSThread:   that.opts.LockOSThread,
			Chain:          that.opts.Chain,
			Pool:           that.pool,
			OnOpen:         that.opts.OnOpen,
		})
		if err != nil {
			return err
		}
		el.SetBalancer(that.balancer)
		that.balancer.Register(el)
		that.loops = append(that.loops, el)
	}
	for i, ep := range that.opts.Endpoints {
		ln, err := socket.Listen(ep.Network, ep.Address)
		if err != nil {
			return errors.Join(errs.ErrRegistration, fmt.Errorf("listen %v: %w", ep, err))
		}
		that.listeners = append(that.listeners, ln)
		if err = that.loops[i%len(that.loops)].Bind(ln); err != nil {
			return errors.Join(errs.ErrRegistration, fmt.Errorf("bind %v: %w", ep, err))
		}
	}

	for _, el := range that.loops {
		that.wg.Add(1)
		go func(el *eloop.Eloop) {
			defer that.wg.Done()
			if err := el.Run(); err != nil {
				logger.Errorf("eventloop %d exits: %v", el.Index(), err)
			}
		}(el)
	}
	that.state.Store(int32(stRunning))
	return nil
}

// unwind releases what a failed Start left behind. None of the runners ran.
func (that *Engine) unwind() {
	for _, el := range that.loops {
		_ = el.Stop()
	}
	for _, ln := range that.listeners {
		_ = ln.Close()
	}
	if that.pool != nil {
		that.pool.Release()
	}
	that.loops, that.listeners, that.pool, that.balancer = nil, nil, nil, nil
}

// Stop stops every runner, which cancels all their connections, and waits for them.
// Calling it again, or on an engine never started, does nothing.
func (that *Engine) Stop() error {
	that.mu.Lock()
	defer that.mu.Unlock()
	if state(that.state.Load()) != stRunning {
		return nil
	}
	that.state.Store(int32(stStopped))
	var errList []error
	for _, el := range that.loops {
		if err := el.Stop(); err != nil {
			errList = append(errList, err)
		}
	}
	that.wg.Wait()
	for _, ln := range that.listeners {
		if err := ln.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if that.pool != nil {
		that.pool.Release()
	}
	return errors.Join(errList...)
}

// Addrs returns the bound address of every endpoint, in configuration order.
func (that *Engine) Addrs() []net.Addr {
	that.mu.Lock()
	defer that.mu.Unlock()
	addrs := make([]net.Addr, 0, len(that.listeners))
	for _, ln := range that.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

type Stats struct {
	Running   bool          `json:"running"`
	Endpoints []string      `json:"endpoints"`
	Conns     int32         `json:"conns"`
	Accepted  uint64        `json:"accepted"`
	Loops     []eloop.Stats `json:"loops"`
	Pool      *PoolStats    `json:"pool,omitempty"`
}

type PoolStats struct {
	Cap     int `json:"cap"`
	Running int `json:"running"`
}

func (that *Engine) Stats() Stats {
	that.mu.Lock()
	defer that.mu.Unlock()
	st := Stats{Running: that.IsRunning(), Endpoints: []string{}, Loops: []eloop.Stats{}}
	for _, ln := range that.listeners {
		st.Endpoints = append(st.Endpoints, ln.Addr().Network()+"://"+ln.Addr().String())
	}
	for _, el := range that.loops {
		ls := el.Stats()
		st.Conns += ls.Conns
		st.Accepted += ls.Accepted
		st.Loops = append(st.Loops, ls)
	}
	if that.pool != nil {
		st.Pool = &PoolStats{Cap: that.pool.Cap(), Running: that.pool.Running()}
	}
	return st
}
