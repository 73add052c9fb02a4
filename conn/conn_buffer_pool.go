package conn

import (
	"github.com/moqsien/gkasync/buffer"
	"github.com/moqsien/gkasync/iface"
)

var readBufferPool = buffer.NewPool(iface.DefaultReadBuffer)

// SetReadBufferSize sizes the buffers handed out by GetBufferFromPool.
func (that *Conn) SetReadBufferSize(n int) {
	if n > 0 {
		that.readPool = buffer.NewPool(n)
	}
}

func (that *Conn) GetBufferFromPool() []byte {
	if that.readPool != nil {
		return that.readPool.Get()
	}
	return readBufferPool.Get()
}

func (that *Conn) PutBufferToPool(buf []byte) {
	if that.readPool != nil {
		that.readPool.Put(buf)
		return
	}
	readBufferPool.Put(buf)
}
