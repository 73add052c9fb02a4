package poll

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/sys"
	"github.com/moqsien/gkasync/utils/errs"
)

func TestTaskWakesBlockedWait(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	var ran atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = p.AddTask(func(TaskArg) error {
			ran.Store(true)
			return nil
		}, nil)
	}()

	start := time.Now()
	_, err = p.Wait(5*time.Second, func(sys.Event) {})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, p.HasTasks())

	require.NoError(t, p.RunTasks())
	assert.True(t, ran.Load())
	assert.False(t, p.HasTasks())
}

func TestWaitDoesNotBlockWithPendingTasks(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.AddTask(func(TaskArg) error { return nil }, nil))
	start := time.Now()
	_, err = p.Wait(5*time.Second, func(sys.Event) {})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunTasksBounded(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	var count atomic.Int32
	for i := 0; i < iface.MaxTasks+10; i++ {
		_ = p.AddTask(func(TaskArg) error {
			count.Add(1)
			return nil
		}, nil)
	}
	require.NoError(t, p.RunTasks())
	assert.Equal(t, int32(iface.MaxTasks), count.Load())
	assert.True(t, p.HasTasks())
	require.NoError(t, p.RunTasks())
	assert.Equal(t, int32(iface.MaxTasks+10), count.Load())
}

func TestPriorTaskShutdown(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	var normal atomic.Bool
	_ = p.AddTask(func(TaskArg) error {
		normal.Store(true)
		return nil
	}, nil)
	_ = p.AddPriorTask(func(TaskArg) error { return errs.ErrEngineShutdown }, nil)
	assert.ErrorIs(t, p.RunTasks(), errs.ErrEngineShutdown)
	assert.False(t, normal.Load())
}

func TestReadinessReported(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	require.NoError(t, p.Register(fds[0], iface.OpRead))
	_, err = unix.Write(fds[1], []byte("ping"))
	require.NoError(t, err)

	var got sys.Event
	n, err := p.Wait(time.Second, func(ev sys.Event) { got = ev })
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, fds[0], got.Fd)
	assert.True(t, got.Ready.Has(iface.OpRead))

	require.NoError(t, p.Modify(fds[0], iface.OpRead, iface.OpRead|iface.OpWrite))
	got = sys.Event{}
	_, err = p.Wait(time.Second, func(ev sys.Event) { got.Ready |= ev.Ready })
	require.NoError(t, err)
	assert.True(t, got.Ready.Has(iface.OpWrite))

	require.NoError(t, p.Unregister(fds[0], iface.OpRead|iface.OpWrite))
	n, err = p.Wait(10*time.Millisecond, func(sys.Event) {})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
