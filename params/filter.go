package params

import (
	"github.com/moqsien/gkasync/chain"
)

// Key holds the *Parameters decoded by Filter.
const Key = "params"

// Filter decodes ctx.Message ([]byte) as form data and stores the result under Key.
// A message that is not bytes passes untouched.
type Filter struct {
	Charset string
}

func (that Filter) Handle(ctx *chain.Context) (chain.Verdict, error) {
	raw, ok := ctx.Message.([]byte)
	if !ok {
		return chain.Continue, nil
	}
	p, _ := ctx.Get(Key).(*Parameters)
	if p == nil {
		p = New(that.Charset)
		ctx.Set(Key, p)
	}
	if _, err := p.Process(raw); err != nil {
		return chain.Error, err
	}
	return chain.Continue, nil
}
