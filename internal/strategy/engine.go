package strategy

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/workbeat/worker/internal/cache"
	"github.com/workbeat/worker/internal/classify"
	apperrors "github.com/workbeat/worker/pkg/errors"
	"github.com/workbeat/worker/pkg/logger"
	"github.com/workbeat/worker/pkg/metrics"
)

const offlineBody = "Offline - No cached version available"

// Request is one intercepted request as seen by the strategy engine.
type Request struct {
	Method string
	URL    string
	// IsNavigation marks document navigations, which are allowed to fall
	// back to the cached app shell when nothing else is available.
	IsNavigation bool
}

// Engine applies one of three caching policies per request classification.
// Every policy resolves to a response; no error ever escapes to the
// responder.
type Engine struct {
	store   *cache.Manager
	fetcher cache.Fetcher
	log     *zap.Logger

	revalidations sync.WaitGroup
}

// NewEngine constructs a strategy engine over the cache manager and fetcher.
func NewEngine(store *cache.Manager, fetcher cache.Fetcher) *Engine {
	return &Engine{
		store:   store,
		fetcher: fetcher,
		log:     logger.WithComponent("strategy"),
	}
}

// Respond dispatches the request to the policy matching its classification.
// Bypass classifications must be filtered out by the caller.
func (e *Engine) Respond(ctx context.Context, c classify.Classification, req Request) *cache.CapturedResponse {
	parts := e.store.Partitions()

	switch c {
	case classify.StaticAsset:
		return e.CacheFirst(ctx, parts.Static, req)
	case classify.API:
		return e.NetworkFirst(ctx, parts.API, req)
	case classify.AppShell:
		return e.StaleWhileRevalidate(ctx, parts.Critical, req)
	default:
		return e.NetworkFirst(ctx, parts.Runtime, req)
	}
}

// CacheFirst serves a hit without touching the network. A miss fetches,
// stores 200s, and synthesizes a 503 on total network failure.
func (e *Engine) CacheFirst(ctx context.Context, partition string, req Request) *cache.CapturedResponse {
	if cached, err := e.store.Match(ctx, partition, req.Method, req.URL); err == nil {
		return cached
	}

	resp, err := e.fetcher.Fetch(ctx, req.Method, req.URL)
	if err != nil {
		metrics.StrategyFallbacks.WithLabelValues("cache_first", "offline").Inc()
		return offlineResponse()
	}

	e.storeBestEffort(ctx, partition, req, resp)
	return resp
}

// NetworkFirst always fetches. A 200 is stored and returned; on network
// failure it falls back to the cache, then (for navigations) to the cached
// shell document, then to a synthesized 503.
func (e *Engine) NetworkFirst(ctx context.Context, partition string, req Request) *cache.CapturedResponse {
	resp, err := e.fetcher.Fetch(ctx, req.Method, req.URL)
	if err == nil && resp != nil {
		e.storeBestEffort(ctx, partition, req, resp)
		return resp
	}

	if cached, cacheErr := e.store.Match(ctx, partition, req.Method, req.URL); cacheErr == nil {
		metrics.StrategyFallbacks.WithLabelValues("network_first", "cache").Inc()
		return cached
	}

	if req.IsNavigation {
		if shell := e.matchShell(ctx); shell != nil {
			metrics.StrategyFallbacks.WithLabelValues("network_first", "shell").Inc()
			return shell
		}
	}

	metrics.StrategyFallbacks.WithLabelValues("network_first", "offline").Inc()
	return offlineResponse()
}

// StaleWhileRevalidate returns a hit immediately while refreshing the entry
// in the background. On a miss the caller's response is the awaited fetch.
func (e *Engine) StaleWhileRevalidate(ctx context.Context, partition string, req Request) *cache.CapturedResponse {
	if cached, err := e.store.Match(ctx, partition, req.Method, req.URL); err == nil {
		e.revalidate(ctx, partition, req)
		return cached
	}

	resp, err := e.fetcher.Fetch(ctx, req.Method, req.URL)
	if err != nil {
		metrics.StrategyFallbacks.WithLabelValues("stale_while_revalidate", "offline").Inc()
		return offlineResponse()
	}

	e.storeBestEffort(ctx, partition, req, resp)
	return resp
}

// Wait blocks until every background revalidation has settled. Called at
// shutdown so in-flight cache refreshes are not torn down mid-write.
func (e *Engine) Wait() {
	e.revalidations.Wait()
}

func (e *Engine) revalidate(ctx context.Context, partition string, req Request) {
	// the refresh must outlive the request that triggered it
	detached := context.WithoutCancel(ctx)

	e.revalidations.Add(1)
	go func() {
		defer e.revalidations.Done()

		resp, err := e.fetcher.Fetch(detached, req.Method, req.URL)
		if err != nil {
			e.log.Debug("background revalidation failed",
				zap.String("url", req.URL), zap.Error(err))
			return
		}
		e.storeBestEffort(detached, partition, req, resp)
	}()
}

// storeBestEffort writes a response to the cache; write failures are logged
// and never fail the returned response.
func (e *Engine) storeBestEffort(ctx context.Context, partition string, req Request, resp *cache.CapturedResponse) {
	if err := e.store.Put(ctx, partition, req.Method, req.URL, resp); err != nil {
		e.log.Warn("cache write failed",
			zap.String("partition", partition),
			zap.String("url", req.URL),
			zap.Error(err))
	}
}

// matchShell returns the cached shell document, trying "/" then "/index.html".
func (e *Engine) matchShell(ctx context.Context) *cache.CapturedResponse {
	critical := e.store.Partitions().Critical
	for _, path := range []string{"/", "/index.html"} {
		if cached, err := e.store.Match(ctx, critical, http.MethodGet, path); err == nil {
			return cached
		} else if !apperrors.Is(err, apperrors.ErrCacheMiss) {
			e.log.Warn("shell lookup failed", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

func offlineResponse() *cache.CapturedResponse {
	return &cache.CapturedResponse{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte(offlineBody),
	}
}
