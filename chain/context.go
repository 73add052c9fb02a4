package chain

import (
	"context"

	"github.com/moqsien/gkasync/conn"
	"github.com/moqsien/gkasync/iface"
)

// Context is what one chain execution carries from filter to filter. It embeds the
// runner's context, so blocking waits on it are refused.
type Context struct {
	context.Context
	Conn    *conn.Conn
	Event   iface.Op
	Message interface{} // output of the previous filter, e.g. the bytes read
	// Release, if set, is called once on the message buffer when the chain ends.
	Release func()

	index int
	saved map[int]interface{}
	attrs map[string]interface{}
	chain *Chain
}

// Index is the position of the running filter.
func (that *Context) Index() int { return that.index }

// Save keeps v for the running filter, e.g. across a suspension.
func (that *Context) Save(v interface{}) {
	if that.saved == nil {
		that.saved = map[int]interface{}{}
	}
	that.saved[that.index] = v
}

// Saved returns what the filter at index saved.
func (that *Context) Saved(index int) (interface{}, bool) {
	v, ok := that.saved[index]
	return v, ok
}

func (that *Context) Set(key string, v interface{}) {
	if that.attrs == nil {
		that.attrs = map[string]interface{}{}
	}
	that.attrs[key] = v
}

func (that *Context) Get(key string) interface{} {
	return that.attrs[key]
}

// Chain returns the execution ctx belongs to, to Resume it later.
func (that *Context) Chain() *Chain { return that.chain }
