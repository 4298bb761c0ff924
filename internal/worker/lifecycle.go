package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/workbeat/worker/internal/cache"
	"github.com/workbeat/worker/internal/maintenance"
	apperrors "github.com/workbeat/worker/pkg/errors"
	"github.com/workbeat/worker/pkg/logger"
)

// Lifecycle runs the install and activate phases of the worker: warming
// the cache partitions on startup and sweeping out partitions left behind
// by earlier versions.
type Lifecycle struct {
	store      *cache.Manager
	fetcher    cache.Fetcher
	partitions cache.Partitions
	critical   []string
	static     []string
	cleaner    *maintenance.Cleaner
	log        *zap.Logger

	background sync.WaitGroup
}

// NewLifecycle constructs the install/activate runner.
func NewLifecycle(store *cache.Manager, fetcher cache.Fetcher, partitions cache.Partitions, critical, static []string, cleaner *maintenance.Cleaner) (*Lifecycle, error) {
	if store == nil {
		return nil, errors.New("worker: cache store is required")
	}
	if fetcher == nil {
		return nil, errors.New("worker: fetcher is required")
	}

	return &Lifecycle{
		store:      store,
		fetcher:    fetcher,
		partitions: partitions,
		critical:   critical,
		static:     static,
		cleaner:    cleaner,
		log:        logger.WithComponent("lifecycle"),
	}, nil
}

// Install warms the critical partition sequentially, retrying each asset
// once. A critical asset that still fails is logged and skipped; install
// never aborts over a single asset. Static assets warm in the background
// so startup is not gated on them.
func (l *Lifecycle) Install(ctx context.Context) {
	for _, asset := range l.critical {
		l.warmWithRetry(ctx, l.partitions.Critical, asset)
	}

	assets := make([]string, len(l.static))
	copy(assets, l.static)

	l.background.Add(1)
	go func() {
		defer l.background.Done()
		for _, asset := range assets {
			l.warmWithRetry(ctx, l.partitions.Static, asset)
		}
	}()

	l.log.Info("install phase started",
		zap.Int("critical_assets", len(l.critical)),
		zap.Int("static_assets", len(l.static)))
}

// Activate deletes cache partitions that belong to older worker versions
// and runs one maintenance pass over the surviving ones.
func (l *Lifecycle) Activate(ctx context.Context) error {
	stale, err := l.store.StalePartitions(ctx)
	if err != nil {
		return err
	}

	for _, partition := range stale {
		if err := l.store.DeletePartition(ctx, partition); err != nil {
			l.log.Warn("stale partition not removed",
				zap.String("partition", partition), zap.Error(err))
			continue
		}
		l.log.Info("stale partition removed", zap.String("partition", partition))
	}

	if l.cleaner != nil {
		if err := l.cleaner.RunOnce(ctx); err != nil {
			l.log.Warn("activation maintenance pass failed", zap.Error(err))
		}
	}
	return nil
}

// Wait blocks until background warmups have finished.
func (l *Lifecycle) Wait() {
	l.background.Wait()
}

func (l *Lifecycle) warmWithRetry(ctx context.Context, partition, asset string) {
	if err := l.warm(ctx, partition, asset); err == nil {
		return
	}

	if err := l.warm(ctx, partition, asset); err != nil {
		l.log.Warn("asset warmup failed",
			zap.String("partition", partition),
			zap.String("asset", asset),
			zap.Error(err))
	}
}

func (l *Lifecycle) warm(ctx context.Context, partition, asset string) error {
	resp, err := l.fetcher.Fetch(ctx, http.MethodGet, asset)
	if err != nil {
		return err
	}
	// Put skips non-200 responses silently; a warmup that did not cache
	// anything is a failure, not a success
	if resp.Status != http.StatusOK {
		return apperrors.HTTPFailure(resp.Status)
	}
	return l.store.Put(ctx, partition, http.MethodGet, asset, resp)
}
