package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/workbeat/worker/internal/cache"
	"github.com/workbeat/worker/internal/models"
	apperrors "github.com/workbeat/worker/pkg/errors"
	"github.com/workbeat/worker/pkg/logger"
	"github.com/workbeat/worker/pkg/metrics"
)

const defaultSchedule = "@hourly"

// Cleaner coordinates cache maintenance: age-based eviction of the API
// partition and count-based eviction of the runtime partition. Failures
// are logged, never rethrown.
type Cleaner struct {
	store      *cache.Manager
	cron       *cron.Cron
	now        func() time.Time
	log        *zap.Logger
	apiMaxAge  time.Duration
	runtimeMax int
	schedule   string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for age comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSchedule overrides the cron specification for periodic maintenance.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with the supplied limits.
func NewCleaner(store *cache.Manager, apiMaxAge time.Duration, runtimeMax int, opts ...Option) (*Cleaner, error) {
	if store == nil {
		return nil, errors.New("maintenance: cache manager is required")
	}
	if apiMaxAge <= 0 {
		return nil, errors.New("maintenance: api max age must be positive")
	}
	if runtimeMax <= 0 {
		return nil, errors.New("maintenance: runtime max entries must be positive")
	}

	cleaner := &Cleaner{
		store:      store,
		now:        time.Now,
		apiMaxAge:  apiMaxAge,
		runtimeMax: runtimeMax,
		schedule:   defaultSchedule,
		log:        logger.WithComponent("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner, nil
}

// Start registers the maintenance job with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if _, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			c.log.Warn("scheduled maintenance failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running pass to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes the API and runtime eviction passes sequentially,
// aggregating failures. A failed pass never aborts the other.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if _, err := c.CleanAPI(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	if _, err := c.CleanRuntime(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}

	if errs != nil {
		return apperrors.ErrMaintenanceFailure.WithInternal(errs)
	}
	return nil
}

// CleanAPI evicts API-partition entries older than the configured max age.
// Age is measured from the response's Date header; entries without a
// parseable Date are treated as infinitely old and evicted.
func (c *Cleaner) CleanAPI(ctx context.Context) (int64, error) {
	partition := c.store.Partitions().API

	entries, err := c.store.Entries(ctx, partition)
	if err != nil {
		return 0, fmt.Errorf("maintenance: api pass: %w", err)
	}

	cutoff := c.now().Add(-c.apiMaxAge)

	var expired []uint
	for _, entry := range entries {
		date := responseDate(entry)
		if date.IsZero() || date.Before(cutoff) {
			expired = append(expired, entry.ID)
		}
	}

	if len(expired) == 0 {
		return 0, nil
	}

	result := c.store.DB().WithContext(ctx).
		Where("id IN ?", expired).
		Delete(&models.CacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("maintenance: evict api entries: %w", result.Error)
	}

	metrics.CacheEvictions.WithLabelValues(partition).Add(float64(result.RowsAffected))
	c.log.Debug("api partition cleaned", zap.Int64("evicted", result.RowsAffected))
	return result.RowsAffected, nil
}

// CleanRuntime trims the runtime partition down to the configured maximum,
// evicting the oldest entries by insertion order.
func (c *Cleaner) CleanRuntime(ctx context.Context) (int64, error) {
	partition := c.store.Partitions().Runtime

	count, err := c.store.Count(ctx, partition)
	if err != nil {
		return 0, fmt.Errorf("maintenance: runtime pass: %w", err)
	}

	excess := count - int64(c.runtimeMax)
	if excess <= 0 {
		return 0, nil
	}

	var oldest []uint
	err = c.store.DB().WithContext(ctx).
		Model(&models.CacheEntry{}).
		Where("partition = ?", partition).
		Order("id ASC").
		Limit(int(excess)).
		Pluck("id", &oldest).Error
	if err != nil {
		return 0, fmt.Errorf("maintenance: select oldest runtime entries: %w", err)
	}

	result := c.store.DB().WithContext(ctx).
		Where("id IN ?", oldest).
		Delete(&models.CacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("maintenance: evict runtime entries: %w", result.Error)
	}

	metrics.CacheEvictions.WithLabelValues(partition).Add(float64(result.RowsAffected))
	c.log.Debug("runtime partition cleaned", zap.Int64("evicted", result.RowsAffected))
	return result.RowsAffected, nil
}

func responseDate(entry models.CacheEntry) time.Time {
	if len(entry.Header) == 0 {
		return time.Time{}
	}

	header := http.Header{}
	if err := json.Unmarshal(entry.Header, &header); err != nil {
		return time.Time{}
	}

	value := header.Get("Date")
	if value == "" {
		return time.Time{}
	}

	parsed, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}
