package static

import (
	"errors"
	"io"
	"os"
	"sync/atomic"

	"github.com/moqsien/processes/logger"
	"github.com/panjf2000/ants/v2"

	"github.com/moqsien/gkasync/buffer"
	"github.com/moqsien/gkasync/future"
)

// Writer is the write side of a connection; *conn.Conn is one.
type Writer interface {
	WriteAsync(buf []byte, h future.Handler) (*future.Future, error)
}

var notFoundPage = []byte("<html><head><title>Not Found</title></head>" +
	"<body><h1>404 Not Found</h1></body></html>")

// NotFoundPage is the body sent for StatusNotFound.
func NotFoundPage() []byte { return notFoundPage }

// SetPool sets the workers that open and read served files. Without one the ants default
// pool is used. File reads never run in write completions, which may be on a runner.
func (that *Resources) SetPool(p *ants.Pool) {
	that.mu.Lock()
	that.pool = p
	that.mu.Unlock()
}

func (that *Resources) submit(task func()) {
	that.mu.RLock()
	p := that.pool
	that.mu.RUnlock()
	var err error
	if p != nil {
		err = p.Submit(task)
	} else {
		err = ants.Submit(task)
	}
	if err != nil {
		logger.Warningf("static: file pool: %v", err)
		go task()
	}
}

// Serve writes the body for r to w: the file in chunks of ChunkSize, one chunk queued at
// a time, or the not-found page. The future reports the bytes written.
func (that *Resources) Serve(w Writer, r Resolution, h future.Handler) *future.Future {
	done := future.New(h)
	switch r.Status {
	case StatusOK:
	case StatusNotFound:
		fut, err := w.WriteAsync(notFoundPage, nil)
		if err != nil {
			done.Complete(future.Result{Err: err})
			return done
		}
		fut.OnComplete(func(res future.Result) { done.Complete(res) })
		return done
	default:
		done.Complete(future.Result{})
		return done
	}

	s := &sender{res: that, w: w, done: done}
	that.submit(func() { s.open(r.Path) })
	return done
}

// ServeURI resolves uri and serves it.
func (that *Resources) ServeURI(w Writer, uri string, h future.Handler) (Resolution, *future.Future) {
	r := that.Resolve(uri)
	return r, that.Serve(w, r, h)
}

type sender struct {
	res   *Resources
	w     Writer
	f     *os.File
	buf   []byte
	total int
	done  *future.Future
	ended atomic.Bool
}

func (that *sender) open(name string) {
	f, err := os.Open(name)
	if err != nil {
		logger.Warningf("static: %v", err)
		that.done.Complete(future.Result{Err: err})
		return
	}
	that.f, that.buf = f, buffer.Get(ChunkSize)
	that.next()
}

// next runs on a file worker.
func (that *sender) next() {
	for {
		n, err := that.f.Read(that.buf)
		if n == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				that.finish(nil)
			} else {
				that.finish(err)
			}
			return
		}
		fut, err := that.w.WriteAsync(that.buf[:n], nil)
		if err != nil {
			that.finish(err)
			return
		}
		if !fut.IsDone() {
			fut.OnComplete(func(res future.Result) {
				if res.Err != nil {
					that.finish(res.Err)
					return
				}
				that.total += res.N
				that.res.submit(that.next)
			})
			return
		}
		res, err := fut.Result()
		if err != nil {
			that.finish(err)
			return
		}
		that.total += res.N
	}
}

func (that *sender) finish(err error) {
	if !that.ended.CompareAndSwap(false, true) {
		return
	}
	_ = that.f.Close()
	buffer.Put(that.buf)
	that.done.Complete(future.Result{N: that.total, Err: err})
}
