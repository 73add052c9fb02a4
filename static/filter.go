package static

import (
	"bytes"
	"fmt"

	"github.com/moqsien/gkasync/chain"
	"github.com/moqsien/gkasync/future"
)

// ResolutionKey holds the Resolution of the request handled by Filter.
const ResolutionKey = "static.resolution"

// Filter answers a one-line request ("GET /path" or just "/path") in ctx.Message with a
// header line "<status> <content type or location> <size>" and then the body. Anything
// else goes on to the next filter. While the body is out the chain is suspended; a body
// that fails closes the connection.
type Filter struct {
	Resources *Resources
}

func (that Filter) Handle(ctx *chain.Context) (chain.Verdict, error) {
	msg, _ := ctx.Message.([]byte)
	uri := requestPath(msg)
	if uri == "" {
		return chain.Continue, nil
	}
	r := that.Resources.Resolve(uri)
	ctx.Set(ResolutionKey, r)

	if _, err := ctx.Conn.WriteAsync(header(r), nil); err != nil {
		return chain.Error, err
	}
	fut := that.Resources.Serve(ctx.Conn, r, nil)
	if fut.IsDone() {
		res, _ := fut.Result()
		if res.Err != nil {
			return chain.Error, res.Err
		}
		return chain.Stop, nil
	}
	c, ch := ctx.Conn, ctx.Chain()
	ctx.Save(fut)
	// the request is answered, later filters see no message
	ctx.Message = nil
	fut.OnComplete(func(res future.Result) {
		if res.Err != nil {
			_ = c.CloseWith(res.Err)
		}
		_ = ch.Resume()
	})
	return chain.Suspend, nil
}

func requestPath(msg []byte) string {
	if i := bytes.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	fields := bytes.Fields(msg)
	switch {
	case len(fields) >= 2 && string(fields[0]) == "GET":
		return string(fields[1])
	case len(fields) == 1 && bytes.HasPrefix(fields[0], []byte("/")):
		return string(fields[0])
	}
	return ""
}

func header(r Resolution) []byte {
	switch r.Status {
	case StatusOK:
		return []byte(fmt.Sprintf("%d %s %d\n", r.Status, r.ContentType, r.Size))
	case StatusFound:
		return []byte(fmt.Sprintf("%d %s 0\n", r.Status, r.Location))
	}
	return []byte(fmt.Sprintf("%d text/html %d\n", r.Status, len(notFoundPage)))
}
