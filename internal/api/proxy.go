package api

import (
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/workbeat/worker/internal/classify"
	"github.com/workbeat/worker/internal/strategy"
	"github.com/workbeat/worker/pkg/metrics"
)

// proxyHandler answers page traffic. GET requests flow through the caching
// strategies; everything else is passed to the upstream untouched.
type proxyHandler struct {
	engine  *strategy.Engine
	origin  *url.URL
	reverse *httputil.ReverseProxy
}

func newProxyHandler(engine *strategy.Engine, origin *url.URL) *proxyHandler {
	reverse := httputil.NewSingleHostReverseProxy(origin)
	return &proxyHandler{
		engine:  engine,
		origin:  origin,
		reverse: reverse,
	}
}

func (p *proxyHandler) handle(c *gin.Context) {
	start := time.Now()

	target := c.Request.URL.RequestURI()
	classification := classify.Classify(c.Request.Method, target, p.origin.Host)

	if classification == classify.Bypass {
		p.reverse.ServeHTTP(c.Writer, c.Request)
		metrics.ProxyLatency.
			WithLabelValues(string(classification), strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
		return
	}

	req := strategy.Request{
		Method:       c.Request.Method,
		URL:          target,
		IsNavigation: isNavigation(c),
	}
	resp := p.engine.Respond(c.Request.Context(), classification, req)

	for name, values := range resp.Header {
		for _, value := range values {
			c.Writer.Header().Add(name, value)
		}
	}
	c.Status(resp.Status)
	_, _ = c.Writer.Write(resp.Body)

	metrics.ProxyLatency.
		WithLabelValues(string(classification), strconv.Itoa(resp.Status)).
		Observe(time.Since(start).Seconds())
}

// isNavigation treats document requests as navigations, which may fall
// back to the cached app shell when offline.
func isNavigation(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/html")
}
