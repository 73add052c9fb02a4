package eloop

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/balancer"
	"github.com/moqsien/gkasync/chain"
	"github.com/moqsien/gkasync/conn"
	"github.com/moqsien/gkasync/future"
	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/socket"
	"github.com/moqsien/gkasync/utils/errs"
)

func newLoop(t *testing.T, cfg Config) *Eloop {
	el, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = el.Stop() })
	return el
}

// listen opens a listener closed after the runners of the test have stopped.
func listen(t *testing.T, network string) socket.IListener {
	ln, err := socket.Listen(network, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func newPool(t *testing.T, size int) *ants.Pool {
	pool, err := ants.NewPool(size)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return pool
}

func start(t *testing.T, el *Eloop) {
	go func() { _ = el.Run() }()
}

func socketPair(t *testing.T) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return fds[0], fds[1]
}

func TestLoopOnceWithPendingTasks(t *testing.T) {
	el := newLoop(t, Config{})
	assert.Equal(t, Idle, el.State())

	var ran atomic.Bool
	require.NoError(t, el.Submit(func() error {
		ran.Store(true)
		return nil
	}))
	begin := time.Now()
	require.NoError(t, el.LoopOnce(5*time.Second))
	assert.True(t, ran.Load())
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, Idle, el.State())
}

func TestStopNeverRun(t *testing.T) {
	el := newLoop(t, Config{})
	require.NoError(t, el.Stop())
	assert.Equal(t, Stopped, el.State())
	assert.ErrorIs(t, el.Submit(func() error { return nil }), errs.ErrEngineShutdown)
	assert.ErrorIs(t, el.LoopOnce(0), errs.ErrEngineShutdown)
	assert.NoError(t, el.Stop())
}

func TestForeignInterestWakesBlockedRunner(t *testing.T) {
	el := newLoop(t, Config{PollTimeout: -1})
	start(t, el)

	fd, peer := socketPair(t)
	c := conn.New(fd, conn.Stream, el, nil, nil)
	require.NoError(t, el.Register(c))
	require.Eventually(t, func() bool { return el.ConnCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return el.State() == Waiting }, 2*time.Second, time.Millisecond)

	buf := make([]byte, 4)
	fut, err := c.ReadAsync(buf, nil)
	require.NoError(t, err)
	_, err = unix.Write(peer, []byte("ping"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fut.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.N)
	assert.Equal(t, "ping", string(buf))
}

func TestRegisterInterestFromRunnerIsDirect(t *testing.T) {
	el := newLoop(t, Config{})
	fd, _ := socketPair(t)
	c := conn.New(fd, conn.Stream, el, nil, nil)
	require.NoError(t, el.register(c, true))

	el.RegisterInterest(el.Context(), c, iface.OpWrite, true)
	assert.True(t, c.Interest().Has(iface.OpWrite))
	assert.False(t, el.Poller().HasTasks())

	el.RegisterInterest(context.Background(), c, iface.OpWrite, false)
	assert.True(t, c.Interest().Has(iface.OpWrite))
	assert.True(t, el.Poller().HasTasks())
	require.NoError(t, el.LoopOnce(0))
	assert.False(t, c.Interest().Has(iface.OpWrite))
}

func TestStopAbortsConnections(t *testing.T) {
	el := newLoop(t, Config{})
	start(t, el)

	fd, _ := socketPair(t)
	c := conn.New(fd, conn.Stream, el, nil, nil)
	require.NoError(t, el.Register(c))
	require.Eventually(t, func() bool { return el.ConnCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	fut, err := c.ReadAsync(make([]byte, 8), nil)
	require.NoError(t, err)
	require.NoError(t, el.Stop())

	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.Err(), errs.ErrEngineShutdown)
	select {
	case <-fut.Done():
	case <-time.After(time.Second):
		t.Fatal("pending read not cancelled")
	}
	_, err = fut.Result()
	assert.ErrorIs(t, err, errs.ErrCancelled)
	assert.Equal(t, int32(0), el.ConnCount())
	assert.Equal(t, "stopped", el.Stats().State)
}

func echo(t *testing.T, addr string, msgs ...string) {
	nc, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer nc.Close()
	_ = nc.SetDeadline(time.Now().Add(3 * time.Second))
	for _, m := range msgs {
		_, err = nc.Write([]byte(m))
		require.NoError(t, err)
		got := make([]byte, len(m))
		_, err = io.ReadFull(nc, got)
		require.NoError(t, err)
		assert.Equal(t, m, string(got))
	}
}

func TestEchoThroughChain(t *testing.T) {
	ln := listen(t, "tcp")

	var opened atomic.Int32
	el := newLoop(t, Config{
		PollTimeout: 50 * time.Millisecond,
		KeepAlive:   30,
		Chain:       chain.NewTemplate(chain.ReadFilter{}, chain.EchoFilter{}),
		OnOpen:      func(*conn.Conn) { opened.Add(1) },
	})
	require.NoError(t, el.Bind(ln))
	start(t, el)

	echo(t, ln.Addr().String(), "hello", "async", "world")
	echo(t, ln.Addr().String(), "again")
	assert.Equal(t, int32(2), opened.Load())
	assert.Equal(t, uint64(2), el.Stats().Accepted)
	require.Eventually(t, func() bool { return el.ConnCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEchoOnProcessingPool(t *testing.T) {
	pool := newPool(t, 4)
	ln := listen(t, "tcp")

	el := newLoop(t, Config{
		PollTimeout: 50 * time.Millisecond,
		Chain:       chain.NewTemplate(chain.ReadFilter{}, chain.EchoFilter{}),
		Pool:        pool,
	})
	require.NoError(t, el.Bind(ln))
	start(t, el)

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			echo(t, ln.Addr().String(), "one", "two", "three")
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}

func TestPoolChainsQueueInterestChanges(t *testing.T) {
	pool := newPool(t, 2)
	ln := listen(t, "tcp")

	var el *Eloop
	seen := make(chan bool, 16)
	watch := chain.FilterFunc(func(ctx *chain.Context) (chain.Verdict, error) {
		seen <- ctx.Value(loopKey{}) != nil
		el.RegisterInterest(ctx, ctx.Conn, iface.OpWrite, true)
		return chain.Stop, nil
	})
	el = newLoop(t, Config{
		PollTimeout: 50 * time.Millisecond,
		Chain:       chain.NewTemplate(chain.ReadFilter{}, watch),
		Pool:        pool,
	})
	require.NoError(t, el.Bind(ln))
	start(t, el)

	nc, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer nc.Close()
	_, err = nc.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case onRunner := <-seen:
		assert.False(t, onRunner, "pool workers must not change registrations in place")
	case <-time.After(2 * time.Second):
		t.Fatal("chain did not run")
	}
	assert.Nil(t, el.chainContext().Value(loopKey{}))
	assert.NotNil(t, el.Context().Value(loopKey{}))
}

func TestUDPEcho(t *testing.T) {
	ln := listen(t, "udp")

	el := newLoop(t, Config{
		PollTimeout: 50 * time.Millisecond,
		Chain:       chain.NewTemplate(chain.ReadFilter{}, chain.EchoFilter{}),
	})
	require.NoError(t, el.Bind(ln))
	assert.Equal(t, int32(1), el.ConnCount())
	start(t, el)

	nc, err := net.Dial("udp", ln.Addr().String())
	require.NoError(t, err)
	defer nc.Close()
	_ = nc.SetDeadline(time.Now().Add(3 * time.Second))
	for _, m := range []string{"a", "datagram"} {
		_, err = nc.Write([]byte(m))
		require.NoError(t, err)
		got := make([]byte, 64)
		n, err := nc.Read(got)
		require.NoError(t, err)
		assert.Equal(t, m, string(got[:n]))
	}
}

func TestAcceptSpreadsOverBalancer(t *testing.T) {
	ln := listen(t, "tcp")

	lb := balancer.New[*Eloop](iface.RoundRobinLB)
	loops := make([]*Eloop, 2)
	for i := range loops {
		loops[i] = newLoop(t, Config{Index: i, PollTimeout: 50 * time.Millisecond})
		loops[i].SetBalancer(lb)
		lb.Register(loops[i])
	}
	require.NoError(t, loops[0].Bind(ln))
	for _, el := range loops {
		start(t, el)
	}

	var clients []net.Conn
	for i := 0; i < 4; i++ {
		nc, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
		require.NoError(t, err)
		clients = append(clients, nc)
	}
	defer func() {
		for _, nc := range clients {
			_ = nc.Close()
		}
	}()
	require.Eventually(t, func() bool {
		return loops[0].ConnCount() == 2 && loops[1].ConnCount() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAwaitOnRunnerContextRefused(t *testing.T) {
	el := newLoop(t, Config{})
	_, err := future.New(nil).Await(el.Context())
	assert.ErrorIs(t, err, errs.ErrAwaitOnRunner)
}
