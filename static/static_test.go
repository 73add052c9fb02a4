package static

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moqsien/gkasync/future"
)

func writeFile(t *testing.T, dir, name string, data []byte) {
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

// recorder completes writes on another goroutine, one at a time, like a write queue.
type recorder struct {
	mu     sync.Mutex
	chunks [][]byte
	inline bool
	fail   error
	trace  func()
	// held while a write completes, inline callbacks run under it
	completing sync.Mutex
}

func (that *recorder) WriteAsync(buf []byte, h future.Handler) (*future.Future, error) {
	that.mu.Lock()
	that.chunks = append(that.chunks, append([]byte(nil), buf...))
	fail := that.fail
	that.mu.Unlock()
	if that.trace != nil {
		that.trace()
	}
	if fail != nil {
		return nil, fail
	}
	if that.inline {
		return future.Completed(future.Result{N: len(buf)}), nil
	}
	fut := future.New(h)
	go func() {
		time.Sleep(time.Millisecond)
		that.completing.Lock()
		fut.Complete(future.Result{N: len(buf)})
		that.completing.Unlock()
	}()
	return fut, nil
}

func (that *recorder) joined() []byte {
	that.mu.Lock()
	defer that.mu.Unlock()
	return bytes.Join(that.chunks, nil)
}

func await(t *testing.T, fut *future.Future) (future.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return fut.Await(ctx)
}

func TestResolve(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	writeFile(t, first, "index.html", []byte("<html></html>"))
	writeFile(t, second, "css/site.css", []byte("body{}"))
	writeFile(t, second, "README", []byte("plain"))
	require.NoError(t, os.Mkdir(filepath.Join(first, "docs"), 0o755))

	res := New(first, second)
	res.SetContextPath("/static/")
	assert.Equal(t, "/static", res.ContextPath())

	r := res.Resolve("/static/index.html")
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, filepath.Join(first, "index.html"), r.Path)
	assert.Contains(t, r.ContentType, "text/html")
	assert.Equal(t, int64(13), r.Size)

	r = res.Resolve("/static/css/site.css?v=2")
	assert.Equal(t, StatusOK, r.Status)
	assert.Equal(t, filepath.Join(second, "css", "site.css"), r.Path)
	assert.Contains(t, r.ContentType, "text/css")

	res.SetDefaultContentType("text/plain")
	assert.Equal(t, "text/plain", res.Resolve("/static/README").ContentType)

	r = res.Resolve("/static/docs")
	assert.Equal(t, StatusFound, r.Status)
	assert.Equal(t, "/index.html", r.Location)

	for _, uri := range []string{"/static/../secret", "/other/index.html", "/static/missing.js"} {
		assert.Equal(t, StatusNotFound, res.Resolve(uri).Status, uri)
	}
}

func TestResolveCacheFollowsRemovedFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", []byte("a"))
	res := New(dir)
	require.Equal(t, StatusOK, res.Resolve("/a.txt").Status)
	require.NoError(t, os.Remove(filepath.Join(dir, "a.txt")))
	assert.Equal(t, StatusNotFound, res.Resolve("/a.txt").Status)
}

func TestServeInChunks(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("0123456789abcdef"), 1300) // 20800 bytes
	writeFile(t, dir, "big.bin", data)
	res := New(dir)

	for _, inline := range []bool{false, true} {
		w := &recorder{inline: inline}
		r, fut := res.ServeURI(w, "/big.bin", nil)
		require.Equal(t, StatusOK, r.Status)
		out, err := await(t, fut)
		require.NoError(t, err)
		assert.Equal(t, len(data), out.N)
		assert.Equal(t, data, w.joined())
		require.Len(t, w.chunks, 3)
		assert.Len(t, w.chunks[0], ChunkSize)
		assert.Len(t, w.chunks[2], len(data)-2*ChunkSize)
	}
}

// outsideCompletion reports whether the caller is not inside a write completion of w.
func outsideCompletion(w *recorder) bool {
	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if w.completing.TryLock() {
			w.completing.Unlock()
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestServeReadsOutsideWriteCompletions(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("x"), 3*ChunkSize+1)
	writeFile(t, dir, "f.bin", data)
	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	defer pool.Release()
	res := New(dir)
	res.SetPool(pool)

	var (
		mu      sync.Mutex
		outside []bool
	)
	w := &recorder{}
	w.trace = func() {
		ok := outsideCompletion(w)
		mu.Lock()
		outside = append(outside, ok)
		mu.Unlock()
	}
	_, fut := res.ServeURI(w, "/f.bin", nil)
	out, err := await(t, fut)
	require.NoError(t, err)
	assert.Equal(t, len(data), out.N)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outside, 4)
	for i, ok := range outside {
		assert.True(t, ok, "chunk %d was read inside a write completion", i)
	}
}

func TestServeNotFoundAndRedirect(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	res := New(dir)

	w := &recorder{inline: true}
	_, fut := res.ServeURI(w, "/nothing.here", nil)
	out, err := await(t, fut)
	require.NoError(t, err)
	assert.Equal(t, len(NotFoundPage()), out.N)
	assert.Equal(t, NotFoundPage(), w.joined())

	w = &recorder{}
	r, fut := res.ServeURI(w, "/sub", nil)
	assert.Equal(t, StatusFound, r.Status)
	out, err = await(t, fut)
	require.NoError(t, err)
	assert.Equal(t, 0, out.N)
	assert.Empty(t, w.chunks)
}

func TestServeWriteFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "f.txt", []byte("data"))
	res := New(dir)
	boom := errors.New("boom")

	var got future.Result
	_, fut := res.ServeURI(&recorder{fail: boom}, "/f.txt", future.HandlerFunc(func(r future.Result) { got = r }))
	_, err := await(t, fut)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, got.Err, boom)
}

func TestRequestPath(t *testing.T) {
	assert.Equal(t, "/a.html", requestPath([]byte("GET /a.html\r\n")))
	assert.Equal(t, "/b", requestPath([]byte("/b\n")))
	assert.Equal(t, "", requestPath([]byte("hello world")))
	assert.Equal(t, "200 text/plain 4\n", string(header(Resolution{Status: StatusOK, ContentType: "text/plain", Size: 4})))
	assert.Equal(t, "302 /index.html 0\n", string(header(Resolution{Status: StatusFound, Location: "/index.html"})))
}
