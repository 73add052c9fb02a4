package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetPut(t *testing.T) {
	b := Get(100)
	assert.Len(t, b, 100)
	assert.GreaterOrEqual(t, cap(b), 100)
	Put(b)
	Put(nil)

	p := NewPool(4096)
	assert.Equal(t, 4096, p.Size())
	c := p.Get()
	assert.Len(t, c, 4096)
	p.Put(c)
}
