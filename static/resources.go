// Package static resolves request paths against root folders and streams the files
// through a connection's write queue.
package static

import (
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
)

const (
	StatusOK       = 200
	StatusFound    = 302
	StatusNotFound = 404

	ChunkSize          = 8 << 10
	DefaultContentType = "text/html"
)

// Resolution is where a request path leads.
type Resolution struct {
	Status      int
	Path        string // file on disk, StatusOK only
	Location    string // StatusFound only
	ContentType string
	Size        int64
}

type Resources struct {
	mu                 sync.RWMutex
	rootFolders        []string
	contextPath        string
	defaultContentType string
	cache              sync.Map // request path -> file path
	pool               *ants.Pool
}

// New serves from rootFolders, searched in order; none means the working directory.
func New(rootFolders ...string) *Resources {
	that := &Resources{defaultContentType: DefaultContentType}
	for _, r := range rootFolders {
		that.AddRootFolder(r)
	}
	return that
}

// AddRootFolder appends dir to the folders searched.
func (that *Resources) AddRootFolder(dir string) {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	that.mu.Lock()
	that.rootFolders = append(that.rootFolders, dir)
	that.mu.Unlock()
	that.cache.Range(func(k, _ interface{}) bool {
		that.cache.Delete(k)
		return true
	})
}

func (that *Resources) RootFolders() []string {
	that.mu.RLock()
	defer that.mu.RUnlock()
	if len(that.rootFolders) == 0 {
		wd, _ := os.Getwd()
		return []string{wd}
	}
	return append([]string(nil), that.rootFolders...)
}

// SetContextPath sets the prefix every served path starts with, e.g. "/static".
func (that *Resources) SetContextPath(p string) {
	that.mu.Lock()
	that.contextPath = strings.TrimSuffix(p, "/")
	that.mu.Unlock()
}

func (that *Resources) ContextPath() string {
	that.mu.RLock()
	defer that.mu.RUnlock()
	return that.contextPath
}

// SetDefaultContentType is used for files whose extension says nothing.
func (that *Resources) SetDefaultContentType(ct string) {
	that.mu.Lock()
	that.defaultContentType = ct
	that.mu.Unlock()
}

func (that *Resources) DefaultContentType() string {
	that.mu.RLock()
	defer that.mu.RUnlock()
	return that.defaultContentType
}

// Resolve maps a request path to a file. Paths with "..", or outside the context path,
// are not found; a directory redirects to /index.html.
func (that *Resources) Resolve(uri string) Resolution {
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	ctxPath := that.ContextPath()
	if strings.Contains(uri, "..") || !strings.HasPrefix(uri, ctxPath) {
		return Resolution{Status: StatusNotFound}
	}
	rel := strings.TrimPrefix(uri, ctxPath)
	if rel == "" {
		rel = "/"
	}

	file, info := that.lookup(rel)
	if info == nil {
		return Resolution{Status: StatusNotFound}
	}
	if info.IsDir() {
		return Resolution{Status: StatusFound, Location: "/index.html"}
	}
	return Resolution{
		Status:      StatusOK,
		Path:        file,
		ContentType: that.contentType(rel),
		Size:        info.Size(),
	}
}

func (that *Resources) lookup(rel string) (string, os.FileInfo) {
	if v, ok := that.cache.Load(rel); ok {
		file := v.(string)
		if info, err := os.Stat(file); err == nil {
			return file, info
		}
		that.cache.Delete(rel)
	}
	for _, root := range that.RootFolders() {
		file := filepath.Join(root, filepath.FromSlash(rel))
		if info, err := os.Stat(file); err == nil {
			that.cache.Store(rel, file)
			return file, info
		}
	}
	return "", nil
}

func (that *Resources) contentType(rel string) string {
	if ext := path.Ext(rel); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return that.DefaultContentType()
}
