package balancer

import (
	"sync/atomic"
)

// RoundRobin hands out targets in registration order. Register before first use; Next is
// safe for concurrent callers.
type RoundRobin[T Target] struct {
	eloopList []T
	nextIndex atomic.Uint64
}

func (that *RoundRobin[T]) Len() int { return len(that.eloopList) }

func (that *RoundRobin[T]) Iterator(f IterFunc[T]) {
	for key, val := range that.eloopList {
		if !f(key, val) {
			break
		}
	}
}

func (that *RoundRobin[T]) Register(e T) {
	that.eloopList = append(that.eloopList, e)
}

func (that *RoundRobin[T]) Next() (e T) {
	if len(that.eloopList) == 0 {
		return
	}
	i := that.nextIndex.Add(1) - 1
	return that.eloopList[i%uint64(len(that.eloopList))]
}
