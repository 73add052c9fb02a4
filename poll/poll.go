/*
Poller provides an encapsulation of methods provided by package sys which is a generalization of syscalls from different platforms.

A Poller is owned by one runner goroutine: only that goroutine waits on it and changes
registrations. Other goroutines hand it work through AddTask / AddPriorTask, which wake a
blocked Wait.
*/
package poll

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/moqsien/processes/logger"

	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/sys"
	"github.com/moqsien/gkasync/utils"
	"github.com/moqsien/gkasync/utils/errs"
	"github.com/moqsien/gkasync/utils/queue"
)

type Poller struct {
	pollFd     int                 // poll file descriptor
	wakeFd     int                 // wake signal file descriptor, -1 if the platform has none
	priorTasks *queue.Queue[*Task] // tasks with priority
	tasks      *queue.Queue[*Task] // tasks
	toTrigger  atomic.Int32        // a wake signal is outstanding
	events     *sys.EventList
}

func New() (p *Poller, err error) {
	p = new(Poller)
	p.pollFd, p.wakeFd, err = sys.CreatePoll()
	if err != nil {
		return nil, errors.Join(errs.ErrRegistration, err)
	}
	p.priorTasks = queue.New[*Task]()
	p.tasks = queue.New[*Task]()
	p.events = sys.NewEventList(sys.InitPollSize)
	return
}

func (that *Poller) GetFd() int {
	return that.pollFd
}

func (that *Poller) trigger() (err error) {
	if that.toTrigger.CompareAndSwap(0, 1) {
		err = sys.Trigger(that.pollFd, that.wakeFd)
	}
	return
}

// AddTask queues f to run on the owning goroutine before its next wait.
func (that *Poller) AddTask(f TaskFunc, arg TaskArg) error {
	task := GetTask()
	task.Go, task.Arg = f, arg
	that.tasks.Enqueue(task)
	return that.trigger()
}

// AddPriorTask is AddTask for work that must not wait behind ordinary tasks.
func (that *Poller) AddPriorTask(f TaskFunc, arg TaskArg) error {
	task := GetTask()
	task.Go, task.Arg = f, arg
	that.priorTasks.Enqueue(task)
	return that.trigger()
}

func (that *Poller) HasTasks() bool {
	return !that.tasks.IsEmpty() || !that.priorTasks.IsEmpty()
}

func (that *Poller) runTask(task *Task) (err error) {
	err = task.Go(task.Arg)
	PutTask(task)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrEngineShutdown), errors.Is(err, errs.ErrAcceptSocket):
		return err
	default:
		logger.Warningf("error occurs in poller task, %v", err)
	}
	return nil
}

// RunTasks runs every prior task and at most iface.MaxTasks ordinary ones. Tasks left
// over re-arm the wake signal, so the next Wait does not block.
func (that *Poller) RunTasks() error {
	for t, ok := that.priorTasks.Dequeue(); ok; t, ok = that.priorTasks.Dequeue() {
		if err := that.runTask(t); err != nil {
			return err
		}
	}
	for i := 0; i < iface.MaxTasks; i++ {
		t, ok := that.tasks.Dequeue()
		if !ok {
			break
		}
		if err := that.runTask(t); err != nil {
			return err
		}
	}
	that.toTrigger.Store(0)
	if that.HasTasks() {
		return that.trigger()
	}
	return nil
}

// Wait blocks up to timeout for readiness and calls cb on every ready fd. It does not
// block while tasks are pending.
func (that *Poller) Wait(timeout time.Duration, cb func(sys.Event)) (int, error) {
	if that.HasTasks() {
		timeout = 0
	}
	n, _, err := that.events.Wait(that.pollFd, that.wakeFd, timeout, cb)
	return n, err
}

func (that *Poller) Close() error {
	if err := utils.SysError("pollfd_close", sys.CloseFd(that.pollFd)); err != nil {
		return err
	}
	if that.wakeFd >= 0 && that.wakeFd != that.pollFd {
		return utils.SysError("wakefd_close", sys.CloseFd(that.wakeFd))
	}
	return nil
}

// Register adds fd with interest ops.
func (that *Poller) Register(fd int, ops iface.Op) error {
	if err := sys.Register(that.pollFd, fd, ops); err != nil {
		return errors.Join(errs.ErrRegistration, err)
	}
	return nil
}

// Modify moves the interest of fd from prev to next.
func (that *Poller) Modify(fd int, prev, next iface.Op) error {
	if err := sys.Modify(that.pollFd, fd, prev, next); err != nil {
		return errors.Join(errs.ErrRegistration, err)
	}
	return nil
}

func (that *Poller) Unregister(fd int, prev iface.Op) error {
	return sys.Unregister(that.pollFd, fd, prev)
}
