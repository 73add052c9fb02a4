package errs

import "errors"

var (
	// ErrWouldBlock means the endpoint is not ready. It never reaches a completion handler.
	ErrWouldBlock      = errors.New("operation would block")
	ErrTransportClosed = errors.New("transport is closed")
	ErrCancelled       = errors.New("operation cancelled")
	ErrRegistration    = errors.New("registration rejected")
	ErrFilter          = errors.New("filter chain error")
	ErrTimeout         = errors.New("operation timed out")

	ErrAcceptSocket   = errors.New("accept a new connection error")
	ErrEngineShutdown = errors.New("server is going to be shutdown")
	ErrUnsupportedOp  = errors.New("unsupported operation")
	ErrAwaitOnRunner  = errors.New("blocking await on a runner goroutine")
	ErrNotStarted     = errors.New("engine is not started")
	ErrNotConnected   = errors.New("connector is not connected")
)
