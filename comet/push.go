package comet

import (
	"fmt"

	"github.com/moqsien/gkasync/future"
)

// Writer is the write side of a connection; *conn.Conn is one.
type Writer interface {
	WriteAsync(buf []byte, h future.Handler) (*future.Future, error)
}

// PushHandler queues the attachment of every Notify event ([]byte or string) on w.
// Other event types are ignored. It does not wait for the write.
func PushHandler(w Writer) Handler {
	return HandlerFunc(func(ev Event) error {
		if ev.Type != Notify {
			return nil
		}
		var buf []byte
		switch v := ev.Attachment.(type) {
		case []byte:
			buf = v
		case string:
			buf = []byte(v)
		case nil:
			return nil
		default:
			return fmt.Errorf("push %T: unsupported attachment", v)
		}
		_, err := w.WriteAsync(buf, nil)
		return err
	})
}
