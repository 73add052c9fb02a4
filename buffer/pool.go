// Package buffer holds the reusable byte buffers backing reads and writes.
//
// A buffer taken from the pool is owned by whoever took it until it is handed back with Put.
// Queue records keep ownership until their completion fires; after that the buffer belongs
// to the completion handler, which may Put it back.
package buffer

import (
	"github.com/panjf2000/gnet/v2/pkg/pool/byteslice"
)

// Get returns a byte slice of length size from the size-classed pool.
func Get(size int) []byte {
	return byteslice.Get(size)
}

// Put hands buf back to the pool. buf must not be used afterwards.
func Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	byteslice.Put(buf)
}

// Pool hands out buffers of one fixed size, e.g. the per-runner read buffer size.
type Pool struct {
	size int
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size}
}

func (that *Pool) Size() int { return that.size }

func (that *Pool) Get() []byte { return Get(that.size) }

func (that *Pool) Put(buf []byte) { Put(buf) }
