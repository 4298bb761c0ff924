package api

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workbeat/worker/internal/messenger"
	"github.com/workbeat/worker/internal/middleware"
	"github.com/workbeat/worker/internal/notify"
	"github.com/workbeat/worker/internal/strategy"
	"github.com/workbeat/worker/internal/syncer"
)

// Deps carries the services the HTTP surface exposes.
type Deps struct {
	Engine      *strategy.Engine
	Hub         *messenger.Hub
	Coordinator *syncer.Coordinator
	Dispatcher  *notify.Dispatcher
	// Origin is the upstream the worker fronts, e.g. http://app:3000.
	Origin string
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
// Every path not claimed by a worker endpoint is treated as page traffic
// and answered by the caching strategies.
func NewRouter(deps Deps) (*gin.Engine, error) {
	if deps.Engine == nil {
		return nil, fmt.Errorf("strategy engine must be provided")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("messenger hub must be provided")
	}
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("sync coordinator must be provided")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("notification dispatcher must be provided")
	}
	origin, err := url.Parse(deps.Origin)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("upstream origin %q is not a valid URL", deps.Origin)
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())

	r.GET("/healthz", healthHandler(deps.Hub))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ws", func(c *gin.Context) {
		deps.Hub.Serve(c.Writer, c.Request)
	})

	registerSyncRoutes(r, deps.Coordinator)
	registerNotificationRoutes(r, deps.Dispatcher)

	proxy := newProxyHandler(deps.Engine, origin)
	r.NoRoute(proxy.handle)

	return r, nil
}

func healthHandler(hub *messenger.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"pages":  hub.ClientCount(),
		})
	}
}
