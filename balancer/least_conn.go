package balancer

// LeastConn picks the target with the fewest connections, the earliest one on ties.
type LeastConn[T Target] struct {
	eloopList []T
}

func (that *LeastConn[T]) Len() int { return len(that.eloopList) }

func (that *LeastConn[T]) Iterator(f IterFunc[T]) {
	for k, v := range that.eloopList {
		if !f(k, v) {
			break
		}
	}
}

func (that *LeastConn[T]) Register(e T) {
	that.eloopList = append(that.eloopList, e)
}

func (that *LeastConn[T]) Next() (e T) {
	if len(that.eloopList) == 0 {
		return
	}
	e = that.eloopList[0]
	min := e.ConnCount()
	for _, v := range that.eloopList[1:] {
		if n := v.ConnCount(); n < min {
			e, min = v, n
		}
	}
	return e
}
