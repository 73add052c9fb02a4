package poll

import "sync"

type TaskArg interface{}

type TaskFunc func(arg TaskArg) error

type Task struct {
	Go  TaskFunc
	Arg TaskArg
}

var taskPool = sync.Pool{
	New: func() interface{} {
		return &Task{}
	},
}

func PutTask(t *Task) {
	t.Go, t.Arg = nil, nil
	taskPool.Put(t)
}

func GetTask() *Task {
	return taskPool.Get().(*Task)
}
