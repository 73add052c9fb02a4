// Package params decodes request parameters and scopes them for nested requests.
package params

import (
	"errors"
)

var ErrPopWithoutPush = errors.New("params: pop without a push")

// Parameters is the parameter set of a request plus the stack of nested scopes pushed on
// it. Reads go to the current scope, where a scope's own values come before those of the
// scopes below it. Not safe for concurrent use.
type Parameters struct {
	names   []string
	values  Values
	charset string

	parent  *Parameters
	child   *Parameters // kept after a pop, reused by the next push
	current *Parameters // top of the stack, nil when nothing is pushed
}

func New(charset string) *Parameters {
	return &Parameters{values: Values{}, charset: charset}
}

func (that *Parameters) Charset() string { return that.top().charset }

func (that *Parameters) top() *Parameters {
	if that.current == nil {
		return that
	}
	return that.current
}

// Depth is the number of scopes pushed.
func (that *Parameters) Depth() int {
	d := 0
	for p := that.top(); p.parent != nil; p = p.parent {
		d++
	}
	return d
}

// Push opens a nested scope.
func (that *Parameters) Push() {
	top := that.top()
	if top.child == nil {
		top.child = &Parameters{values: Values{}, parent: top}
	}
	top.child.charset = top.charset
	that.current = top.child
}

// Pop drops the values of the current scope and makes its parent current again.
func (that *Parameters) Pop() error {
	if that.current == nil {
		return ErrPopWithoutPush
	}
	cur := that.current
	cur.reset()
	if cur.parent == that {
		that.current = nil
	} else {
		that.current = cur.parent
	}
	return nil
}

func (that *Parameters) reset() {
	that.names = that.names[:0]
	that.values = Values{}
}

// Add appends values under name to the current scope.
func (that *Parameters) Add(name string, values ...string) {
	that.top().add(name, values...)
}

func (that *Parameters) add(name string, values ...string) {
	old, ok := that.values[name]
	if !ok {
		that.names = append(that.names, name)
	}
	that.values[name] = append(old, values...)
}

// Process decodes raw into the current scope with the scope's charset. Pairs that do not
// decode are skipped and counted.
func (that *Parameters) Process(raw []byte) (skipped int, err error) {
	top := that.top()
	return decodeInto(raw, top.charset, func(name, value string) {
		top.add(name, value)
	})
}

// Values returns the values of name seen from the current scope, nil if it has none.
// The result is a copy.
func (that *Parameters) Values(name string) []string {
	var out []string
	for p := that.top(); p != nil; p = p.parent {
		if vs, ok := p.values[name]; ok {
			if out == nil {
				out = make([]string, 0, len(vs))
			}
			out = append(out, vs...)
		}
	}
	return out
}

// Get returns the first value of name and whether it is set in any visible scope.
func (that *Parameters) Get(name string) (string, bool) {
	vs := that.Values(name)
	if vs == nil {
		return "", false
	}
	if len(vs) == 0 {
		return "", true
	}
	return vs[0], true
}

// Names lists the visible names, those of the current scope first, each once.
func (that *Parameters) Names() []string {
	seen := map[string]bool{}
	var out []string
	for p := that.top(); p != nil; p = p.parent {
		for _, n := range p.names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// Merged returns a copy of everything visible from the current scope.
func (that *Parameters) Merged() Values {
	vs := Values{}
	for _, n := range that.Names() {
		vs[n] = that.Values(n)
	}
	return vs
}
