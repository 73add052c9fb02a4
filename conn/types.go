package conn

import (
	"github.com/moqsien/gkasync/poll"
)

// Kind is the transport flavour of a connection.
type Kind int

const (
	Stream Kind = iota
	Datagram
)

func (that Kind) String() string {
	if that == Datagram {
		return "datagram"
	}
	return "stream"
}

// Loop is the runner a connection is registered with.
type Loop interface {
	Index() int
	Poller() *poll.Poller
	// Submit runs f on the runner's goroutine before its next wait.
	Submit(f func() error) error
	// Forget drops c from the runner once c is released.
	Forget(c *Conn)
}

// CloseHook runs on the runner after the connection is released; err is the close cause.
type CloseHook func(c *Conn, err error)
