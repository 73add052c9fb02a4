package conn

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/future"
	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/poll"
	"github.com/moqsien/gkasync/socket"
	"github.com/moqsien/gkasync/sys"
	"github.com/moqsien/gkasync/utils/errs"
)

// testLoop is a bare runner: tasks, wait, dispatch straight to the connection.
type testLoop struct {
	p     *poll.Poller
	conns map[int]*Conn
	stop  chan struct{}
	done  chan struct{}
}

func newTestLoop(t *testing.T) *testLoop {
	p, err := poll.New()
	require.NoError(t, err)
	l := &testLoop{p: p, conns: map[int]*Conn{}, stop: make(chan struct{}), done: make(chan struct{})}
	go l.run()
	t.Cleanup(func() {
		close(l.stop)
		<-l.done
		_ = l.p.Close()
	})
	return l
}

func (that *testLoop) run() {
	defer close(that.done)
	for {
		select {
		case <-that.stop:
			for _, c := range that.conns {
				c.Abort(errs.ErrEngineShutdown)
			}
			return
		default:
		}
		_ = that.p.RunTasks()
		_, _ = that.p.Wait(10*time.Millisecond, func(ev sys.Event) {
			c, ok := that.conns[ev.Fd]
			if !ok {
				return
			}
			if ev.Ready.Has(iface.OpWrite) {
				_ = c.HandleWritable()
			}
			if ev.Ready.Has(iface.OpRead) {
				_ = c.HandleReadable()
			}
			if ev.Hup {
				c.HandleHangup()
			}
		})
	}
}

func (that *testLoop) Index() int { return 0 }

func (that *testLoop) Poller() *poll.Poller { return that.p }

func (that *testLoop) Submit(f func() error) error {
	return that.p.AddTask(func(poll.TaskArg) error { return f() }, nil)
}

func (that *testLoop) Forget(c *Conn) { delete(that.conns, c.GetFd()) }

func (that *testLoop) register(t *testing.T, c *Conn) {
	registered := make(chan error, 1)
	require.NoError(t, that.Submit(func() error {
		that.conns[c.GetFd()] = c
		registered <- c.Register()
		return nil
	}))
	require.NoError(t, <-registered)
}

// pair returns a registered stream Conn and the blocking fd of its peer.
func pair(t *testing.T, l *testLoop) (*Conn, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	c := New(fds[0], Stream, l, nil, nil)
	l.register(t, c)
	t.Cleanup(func() {
		_ = c.Close()
		_ = unix.Close(fds[1])
	})
	return c, fds[1]
}

func TestReadCompletesAfterBothChunks(t *testing.T) {
	l := newTestLoop(t)
	c, peer := pair(t, l)

	var (
		calls atomic.Int32
		got   = make(chan future.Result, 2)
	)
	buf := make([]byte, 10)
	_, err := c.ReadAsync(buf, future.HandlerFunc(func(res future.Result) {
		calls.Add(1)
		got <- res
	}))
	require.NoError(t, err)

	start := time.Now()
	_, err = unix.Write(peer, []byte("hello"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "no completion after the first half")
	_, err = unix.Write(peer, []byte("world"))
	require.NoError(t, err)

	select {
	case res := <-got:
		require.NoError(t, res.Err)
		assert.Equal(t, 10, res.N)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not complete")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "helloworld", string(buf))
}

func TestWritesCompleteInOrder(t *testing.T) {
	l := newTestLoop(t)
	c, peer := pair(t, l)

	const chunks, size = 64, 32 << 10
	var (
		mu     sync.Mutex
		order  []int
		expect bytes.Buffer
		wg     sync.WaitGroup
	)
	for i := 0; i < chunks; i++ {
		i := i
		p := bytes.Repeat([]byte{byte(i)}, size)
		expect.Write(p)
		wg.Add(1)
		_, err := c.WriteAsync(p, future.HandlerFunc(func(res future.Result) {
			assert.NoError(t, res.Err)
			assert.Equal(t, size, res.N)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		}))
		require.NoError(t, err)
	}

	received := make([]byte, 0, chunks*size)
	tmp := make([]byte, 64<<10)
	for len(received) < chunks*size {
		n, err := unix.Read(peer, tmp)
		require.NoError(t, err)
		received = append(received, tmp[:n]...)
	}
	wg.Wait()

	assert.True(t, bytes.Equal(expect.Bytes(), received))
	for i := range order {
		require.Equal(t, i, order[i])
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	l := newTestLoop(t)
	c, _ := pair(t, l)

	var hooks, completions atomic.Int32
	c.OnClose(func(*Conn, error) { hooks.Add(1) })
	fut, err := c.ReadAsync(make([]byte, 4), future.HandlerFunc(func(res future.Result) {
		completions.Add(1)
		assert.ErrorIs(t, res.Err, errs.ErrCancelled)
	}))
	require.NoError(t, err)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	<-fut.Done()
	assert.Eventually(t, func() bool { return hooks.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), completions.Load())
	assert.Equal(t, int32(1), hooks.Load())

	late, err := c.WriteAsync([]byte("x"), nil)
	assert.ErrorIs(t, err, errs.ErrCancelled)
	_, err = late.Result()
	assert.ErrorIs(t, err, errs.ErrCancelled)
}

func TestCloseFromOtherGoroutineCancelsEverything(t *testing.T) {
	l := newTestLoop(t)
	c, _ := pair(t, l)

	// nobody reads the peer, so the socket buffer fills and writes queue up
	var futs []*future.Future
	for i := 0; i < 64; i++ {
		f, _ := c.WriteAsync(make([]byte, 64<<10), nil)
		futs = append(futs, f)
	}
	go c.Close()

	for _, f := range futs {
		select {
		case <-f.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("record never completed")
		}
	}
	_, err := futs[len(futs)-1].Result()
	assert.ErrorIs(t, err, errs.ErrCancelled)
}

func TestPeerCloseFailsPendingRead(t *testing.T) {
	l := newTestLoop(t)
	c, peer := pair(t, l)

	fut, err := c.ReadAsync(make([]byte, 4), nil)
	require.NoError(t, err)
	require.NoError(t, unix.Shutdown(peer, unix.SHUT_RDWR))

	select {
	case <-fut.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read did not fail")
	}
	_, err = fut.Result()
	assert.ErrorIs(t, err, errs.ErrTransportClosed)
	assert.Eventually(t, c.IsClosed, time.Second, time.Millisecond)
}

func TestHangupDeliversBufferedBytes(t *testing.T) {
	l := newTestLoop(t)
	for i := 0; i < 50; i++ {
		c, peer := pair(t, l)

		buf := make([]byte, 4)
		fut, err := c.ReadAsync(buf, nil)
		require.NoError(t, err)
		_, err = unix.Write(peer, []byte("ping"))
		require.NoError(t, err)
		require.NoError(t, unix.Shutdown(peer, unix.SHUT_RDWR))

		select {
		case <-fut.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("read did not complete")
		}
		res, err := fut.Result()
		require.NoError(t, err, "run %d", i)
		assert.Equal(t, 4, res.N)
		assert.Equal(t, "ping", string(buf))
		assert.Eventually(t, c.IsClosed, time.Second, time.Millisecond)
	}
}

func TestDatagramEcho(t *testing.T) {
	l := newTestLoop(t)
	ln, err := socket.Listen("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fd, err := unix.Dup(ln.GetFd())
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fd, true))
	c := New(fd, Datagram, l, ln.Addr(), nil)
	l.register(t, c)
	defer c.Close()

	client, err := net.DialUDP("udp", nil, ln.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	buf := make([]byte, 64)
	fut, err := c.ReadAsync(buf, nil)
	require.NoError(t, err)
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	<-fut.Done()
	res, err := fut.Result()
	require.NoError(t, err)
	assert.Equal(t, 4, res.N)
	require.NotNil(t, res.Addr)
	assert.Equal(t, client.LocalAddr().String(), res.Addr.String())

	wfut, err := c.WriteTo(buf[:res.N], res.Addr, nil)
	require.NoError(t, err)
	<-wfut.Done()

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = c.WriteAsync([]byte("nowhere"), nil)
	assert.ErrorIs(t, err, errs.ErrNotConnected)
	assert.False(t, c.IsClosed(), "a bad datagram keeps the socket open")
}

func TestConnect(t *testing.T) {
	l := newTestLoop(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fd, sa, remote, err := socket.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c := New(fd, Stream, l, nil, remote)
	fut := c.Connect(sa)
	l.register(t, c)
	defer c.Close()

	res, err := fut.Await(contextWithTimeout(t))
	require.NoError(t, err)
	assert.True(t, res.OK())

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	bc := c.Adapt(time.Second)
	_, err = bc.Write([]byte("hi"))
	require.NoError(t, err)
	got := make([]byte, 2)
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = server.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}

func TestConnectRefused(t *testing.T) {
	l := newTestLoop(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	fd, sa, remote, err := socket.Dial("tcp", addr)
	require.NoError(t, err)
	c := New(fd, Stream, l, nil, remote)
	fut := c.Connect(sa)
	l.register(t, c)

	_, err = fut.Await(contextWithTimeout(t))
	assert.Error(t, err)
	assert.Eventually(t, c.IsClosed, time.Second, time.Millisecond)
}

func TestBlockingReadTimeout(t *testing.T) {
	l := newTestLoop(t)
	c, _ := pair(t, l)

	bc := c.Adapt(50 * time.Millisecond)
	start := time.Now()
	_, err := bc.Read(make([]byte, 8))
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.Err(), errs.ErrTimeout)
}

func TestReadBufferPool(t *testing.T) {
	c := New(-1, Stream, nil, nil, nil)
	buf := c.GetBufferFromPool()
	assert.Len(t, buf, iface.DefaultReadBuffer)
	c.PutBufferToPool(buf)

	c.SetReadBufferSize(100)
	for i := 0; i < 3; i++ {
		buf = c.GetBufferFromPool()
		assert.Len(t, buf, 100)
		c.PutBufferToPool(buf)
	}
}
