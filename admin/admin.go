// Package admin serves the status endpoints of a running engine over HTTP.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/moqsien/processes/logger"

	"github.com/moqsien/gkasync/comet"
	"github.com/moqsien/gkasync/engine"
)

// Source is what the endpoints report on; *engine.Engine is one.
type Source interface {
	IsRunning() bool
	Stats() engine.Stats
}

type Admin struct {
	*gin.Engine
	source   Source
	registry *comet.Registry
	notifier *comet.Notifier
	server   *http.Server
}

type Option func(*Admin)

// WithComet adds GET /topics and POST /topics/:topic, which publishes the request body.
func WithComet(reg *comet.Registry, n *comet.Notifier) Option {
	return func(a *Admin) {
		a.registry, a.notifier = reg, n
	}
}

func New(src Source, opts ...Option) *Admin {
	gin.SetMode(gin.ReleaseMode)
	that := &Admin{Engine: gin.New(), source: src}
	for _, opt := range opts {
		opt(that)
	}
	that.Use(gin.Recovery())
	that.GET("/healthz", that.healthz)
	that.GET("/stats", that.stats)
	if that.registry != nil && that.notifier != nil {
		that.GET("/topics", that.topics)
		that.POST("/topics/:topic", that.publish)
	}
	return that
}

func (that *Admin) healthz(c *gin.Context) {
	if !that.source.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (that *Admin) stats(c *gin.Context) {
	c.JSON(http.StatusOK, that.source.Stats())
}

func (that *Admin) topics(c *gin.Context) {
	out := gin.H{}
	for _, t := range that.registry.Topics() {
		out[t] = that.registry.Len(t)
	}
	c.JSON(http.StatusOK, out)
}

func (that *Admin) publish(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	topic := c.Param("topic")
	n, err := that.notifier.Notify(comet.Event{Type: comet.Notify, Topic: topic, Attachment: body},
		that.registry.Subscriptions(topic))
	if err != nil {
		logger.Warningf("admin: publish to %s: %v", topic, err)
	}
	c.JSON(http.StatusOK, gin.H{"topic": topic, "notified": n})
}

// Start serves on address in the background and returns the bound address.
func (that *Admin) Start(address string) (net.Addr, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	that.server = &http.Server{Handler: that.Engine, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := that.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("admin server: %v", err)
		}
	}()
	return ln.Addr(), nil
}

func (that *Admin) Shutdown(ctx context.Context) error {
	if that.server == nil {
		return nil
	}
	return that.server.Shutdown(ctx)
}
