// Package asyncq implements the per-connection, per-direction queue of pending operations.
//
// A Queue is pushed to from any goroutine. Records are serviced (transferred, completed,
// popped) only by the goroutine holding the queue's in-service token, taken with one CAS:
// either a caller on the fast path or the runner reacting to readiness.
package asyncq

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/gnet/v2/pkg/buffer/elastic"

	"github.com/moqsien/gkasync/iface"
	"github.com/moqsien/gkasync/utils/errs"
)

// Transfer is one direction of one transport endpoint.
type Transfer interface {
	// Attempt moves bytes for rec without blocking. It reports errs.ErrWouldBlock when the
	// endpoint is not ready, and accounts progress on rec itself.
	Attempt(rec *Record) (int, error)
	// Satisfied is the predicate used for records without an Interceptor.
	Satisfied(rec *Record) bool
}

// VectorWriter is implemented by stream writers able to flush merged records.
type VectorWriter interface {
	Writev(iov [][]byte) (int, error)
}

// Owner is the connection a queue belongs to.
type Owner interface {
	// Want asks for (on) or drops readiness interest in op. direct is true on the owning
	// runner's goroutine, where the registration may be changed in place.
	Want(op iface.Op, on bool, direct bool)
	// Fail reports a failed transfer. The owner usually closes itself.
	Fail(err error)
}

type state int

const (
	stEmpty state = iota
	stBlocked
	stFailed
)

type Queue struct {
	op        iface.Op
	transfer  Transfer
	owner     Owner
	mergeCap  int
	inService atomic.Bool

	mu      sync.Mutex
	records []*Record
	closed  bool
}

func New(op iface.Op, t Transfer, owner Owner) *Queue {
	return &Queue{op: op, transfer: t, owner: owner, mergeCap: iface.MaxStreamBufferCap}
}

// SetMergeCap sets the static capacity of merged write buffers.
func (that *Queue) SetMergeCap(n int) {
	if n > 0 {
		that.mergeCap = n
	}
}

func (that *Queue) Op() iface.Op { return that.op }

// Len is the number of queued records, the one in service included.
func (that *Queue) Len() int {
	that.mu.Lock()
	defer that.mu.Unlock()
	return len(that.records)
}

func (that *Queue) Pending() bool { return that.Len() > 0 }

func (that *Queue) IsClosed() bool {
	that.mu.Lock()
	defer that.mu.Unlock()
	return that.closed
}

// EnqueueOrExecute appends rec and, when it is the only record, tries to satisfy it right
// away on the calling goroutine. It never blocks. A transfer failure on the fast path is
// returned as well as delivered to rec's future.
func (that *Queue) EnqueueOrExecute(rec *Record) error {
	that.mu.Lock()
	if that.closed {
		that.mu.Unlock()
		rec.cancel()
		return errs.ErrCancelled
	}
	if rec.Append {
		if that.mergeLocked(rec) {
			that.mu.Unlock()
			return nil
		}
		if err := that.prepareAppend(rec); err != nil {
			that.mu.Unlock()
			rec.fail(err)
			return err
		}
	}
	that.records = append(that.records, rec)
	first := len(that.records) == 1
	that.mu.Unlock()

	if !first {
		// the head is in service or waiting on registered interest
		return nil
	}
	err := that.drain(false)
	if errors.Is(err, errs.ErrCancelled) {
		return nil
	}
	return err
}

// AttemptNow makes one transfer for rec on the calling goroutine without queueing it.
// It reports errs.ErrWouldBlock when other records are pending or in service, or when
// the endpoint is not ready. rec's future is not fired; the caller reads rec directly.
func (that *Queue) AttemptNow(rec *Record) (int, error) {
	if that.IsClosed() {
		return 0, errs.ErrCancelled
	}
	if !that.inService.CompareAndSwap(false, true) {
		return 0, errs.ErrWouldBlock
	}
	if that.Pending() {
		that.inService.Store(false)
		_ = that.drain(false)
		return 0, errs.ErrWouldBlock
	}
	n, err := that.transfer.Attempt(rec)
	that.inService.Store(false)
	if that.Pending() {
		// a push raced with the attempt and found the token taken
		_ = that.drain(false)
	}
	switch {
	case err == nil, errors.Is(err, errs.ErrWouldBlock):
	default:
		that.owner.Fail(err)
	}
	return n, err
}

// OnReady services the queue after the runner saw the direction ready.
func (that *Queue) OnReady() error {
	return that.drain(true)
}

// Close rejects every later push. Records already queued are cancelled by CancelAll.
func (that *Queue) Close() {
	that.mu.Lock()
	that.closed = true
	that.mu.Unlock()
}

// CancelAll closes the queue and fails every queued record with errs.ErrCancelled, in FIFO
// order. If another goroutine holds the token, that goroutine does the draining.
func (that *Queue) CancelAll() {
	that.Close()
	_ = that.drain(true)
}

func (that *Queue) drain(direct bool) (failure error) {
	for {
		if !that.inService.CompareAndSwap(false, true) {
			return
		}
		st, err := that.service()
		that.inService.Store(false)

		switch st {
		case stFailed:
			failure = err
			that.owner.Fail(err)
			if that.IsClosed() || !that.Pending() {
				return
			}
			// the owner survived the failure, e.g. one bad datagram
		case stBlocked:
			if that.IsClosed() {
				continue
			}
			that.owner.Want(that.op, true, direct)
			return
		default:
			if that.IsClosed() {
				if that.Pending() {
					continue
				}
				return
			}
			if direct {
				that.owner.Want(that.op, false, true)
			}
			if that.Pending() {
				continue
			}
			return
		}
	}
}

// service runs with the token held.
func (that *Queue) service() (state, error) {
	for {
		that.mu.Lock()
		if that.closed {
			recs := that.records
			that.records = nil
			that.mu.Unlock()
			for _, r := range recs {
				r.cancel()
			}
			return stEmpty, nil
		}
		if len(that.records) == 0 {
			that.mu.Unlock()
			return stEmpty, nil
		}
		rec := that.records[0]
		if rec.out != nil {
			st, done, err := that.flushLocked(rec)
			that.mu.Unlock()
			for _, p := range done {
				p.succeed()
			}
			if st == stFailed {
				rec.fail(err)
				return st, err
			}
			if st == stBlocked {
				return st, nil
			}
			continue
		}
		that.mu.Unlock()

		_, err := that.transfer.Attempt(rec)
		switch {
		case errors.Is(err, errs.ErrWouldBlock):
			return stBlocked, nil
		case err != nil:
			that.pop(rec)
			rec.fail(err)
			return stFailed, err
		}
		if that.satisfied(rec) {
			that.pop(rec)
			rec.succeed()
			continue
		}
		// zero or partial progress: wait for the next readiness
		return stBlocked, nil
	}
}

func (that *Queue) satisfied(rec *Record) bool {
	if rec.Interceptor != nil {
		return rec.Interceptor(rec)
	}
	return that.transfer.Satisfied(rec)
}

func (that *Queue) pop(rec *Record) {
	that.mu.Lock()
	if len(that.records) > 0 && that.records[0] == rec {
		that.records[0] = nil
		that.records = that.records[1:]
	}
	that.mu.Unlock()
}

func (that *Queue) prepareAppend(rec *Record) (err error) {
	if _, ok := that.transfer.(VectorWriter); !ok || rec.Addr != nil {
		rec.Append = false
		return nil
	}
	if rec.out, err = elastic.New(that.mergeCap); err != nil {
		return err
	}
	_, _ = rec.out.Write(rec.Buf)
	rec.total = len(rec.Buf)
	rec.parts = []part{{rec: rec, end: rec.total}}
	return nil
}

// mergeLocked folds rec into the single pending append-mode record.
func (that *Queue) mergeLocked(rec *Record) bool {
	if len(that.records) != 1 || rec.Addr != nil {
		return false
	}
	tail := that.records[0]
	if !tail.Append || tail.out == nil {
		return false
	}
	_, _ = tail.out.Write(rec.Buf)
	tail.total += len(rec.Buf)
	tail.parts = append(tail.parts, part{rec: rec, end: tail.total})
	return true
}

// flushLocked writes the merged bytes of rec; q.mu is held so merges wait for it.
// It returns the parts whose bytes are all out.
func (that *Queue) flushLocked(rec *Record) (st state, done []*Record, err error) {
	vw := that.transfer.(VectorWriter)
	if !rec.out.IsEmpty() {
		iov := rec.out.Peek(-1)
		if len(iov) > iface.IovMax {
			iov = iov[:iface.IovMax]
		}
		var n int
		n, err = vw.Writev(iov)
		switch {
		case errors.Is(err, errs.ErrWouldBlock):
			return stBlocked, nil, nil
		case err != nil:
			that.records[0] = nil
			that.records = that.records[1:]
			return stFailed, nil, err
		}
		rec.out.Discard(n)
		rec.written += n
	}
	for len(rec.parts) > 0 && rec.parts[0].end <= rec.written {
		p := rec.parts[0].rec
		p.Progress(len(p.Buf) - p.Transferred())
		done = append(done, p)
		rec.parts = rec.parts[1:]
	}
	if len(rec.parts) == 0 {
		rec.out.Release()
		rec.out = nil
		that.records[0] = nil
		that.records = that.records[1:]
		return stEmpty, done, nil
	}
	return stBlocked, done, nil
}
