package queue

import (
	"sync/atomic"
)

// Queue is a lock-free multi-producer queue (Michael-Scott). Any goroutine may Enqueue;
// Dequeue is safe from several goroutines as well but is used by a single consumer here.
type Queue[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	length atomic.Int32
}

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	n := &node[T]{} // the first node is blank.
	q.head.Store(n)
	q.tail.Store(n)
	return q
}

func (that *Queue[T]) Enqueue(v T) {
	n := &node[T]{value: v}
	for {
		tail := that.tail.Load()
		next := tail.next.Load()
		if tail != that.tail.Load() {
			continue
		}
		if next != nil {
			that.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			that.tail.CompareAndSwap(tail, n)
			that.length.Add(1)
			return
		}
	}
}

// Dequeue pops the oldest value; ok is false when the queue is empty.
func (that *Queue[T]) Dequeue() (v T, ok bool) {
	for {
		head := that.head.Load()
		tail := that.tail.Load()
		next := head.next.Load()
		if head != that.head.Load() {
			continue
		}
		if head == tail {
			if next == nil {
				return v, false
			}
			that.tail.CompareAndSwap(tail, next)
			continue
		}
		if that.head.CompareAndSwap(head, next) {
			v = next.value
			var zero T
			next.value = zero
			that.length.Add(-1)
			return v, true
		}
	}
}

func (that *Queue[T]) IsEmpty() bool {
	return that.length.Load() == 0
}

func (that *Queue[T]) Len() int {
	return int(that.length.Load())
}
