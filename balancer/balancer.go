// Package balancer picks the runner a new connection is assigned to.
package balancer

import (
	"github.com/moqsien/gkasync/iface"
)

// Target is anything connections can be spread over.
type Target interface {
	ConnCount() int32
}

type IterFunc[T Target] func(key int, val T) bool

type IBalancer[T Target] interface {
	Register(T)
	Next() T
	Iterator(f IterFunc[T])
	Len() int
}

// New returns the balancer of the given kind, round-robin for unknown kinds.
func New[T Target](kind iface.Balancer) IBalancer[T] {
	if kind == iface.LeastConnLB {
		return &LeastConn[T]{}
	}
	return &RoundRobin[T]{}
}
