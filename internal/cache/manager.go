package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/workbeat/worker/internal/models"
	apperrors "github.com/workbeat/worker/pkg/errors"
	"github.com/workbeat/worker/pkg/logger"
	"github.com/workbeat/worker/pkg/metrics"
)

// Partitions names the four cache partitions owned by the manager. The set
// is injected so tests can substitute fake partition names.
type Partitions struct {
	Critical string
	Static   string
	API      string
	Runtime  string
}

// All returns every expected partition name.
func (p Partitions) All() []string {
	return []string{p.Critical, p.Static, p.API, p.Runtime}
}

// Contains reports whether name is one of the expected partitions.
func (p Partitions) Contains(name string) bool {
	for _, known := range p.All() {
		if known == name {
			return true
		}
	}
	return false
}

// CapturedResponse is the cached representation of an upstream response.
type CapturedResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Date returns the response's Date header, or the zero time when the
// header is missing or unparseable. Maintenance treats a zero date as
// infinitely old.
func (r *CapturedResponse) Date() time.Time {
	if r == nil {
		return time.Time{}
	}
	value := r.Header.Get("Date")
	if value == "" {
		return time.Time{}
	}
	parsed, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// Manager owns the named cache partitions. All access goes through the
// (partition, method, url) identity; concurrent writes to the same identity
// are last-write-wins.
type Manager struct {
	db         *gorm.DB
	partitions Partitions
	log        *zap.Logger
}

// NewManager constructs a cache manager over the supplied database handle.
func NewManager(db *gorm.DB, partitions Partitions) (*Manager, error) {
	if db == nil {
		return nil, errors.New("cache: database handle is required")
	}
	for _, name := range partitions.All() {
		if name == "" {
			return nil, errors.New("cache: all four partition names must be set")
		}
	}

	return &Manager{
		db:         db,
		partitions: partitions,
		log:        logger.WithComponent("cache"),
	}, nil
}

// Partitions returns the injected partition name set.
func (m *Manager) Partitions() Partitions {
	return m.partitions
}

// Match looks up a cached response. A miss returns ErrCacheMiss; callers
// treat it as normal control flow, not a failure.
func (m *Manager) Match(ctx context.Context, partition, method, url string) (*CapturedResponse, error) {
	if err := m.ensurePartition(partition); err != nil {
		return nil, err
	}

	var entry models.CacheEntry
	err := m.db.WithContext(ctx).
		Take(&entry, "partition = ? AND method = ? AND url = ?", partition, method, url).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.CacheLookups.WithLabelValues(partition, "miss").Inc()
		return nil, apperrors.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: match %s %s: %w", method, url, err)
	}

	metrics.CacheLookups.WithLabelValues(partition, "hit").Inc()
	return decodeEntry(&entry)
}

// Put stores a captured response under the partition's identity. Only
// status-200 responses are written; anything else is silently skipped so
// strategies can call Put unconditionally.
func (m *Manager) Put(ctx context.Context, partition, method, url string, resp *CapturedResponse) error {
	if err := m.ensurePartition(partition); err != nil {
		return err
	}
	if resp == nil || resp.Status != http.StatusOK {
		return nil
	}

	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("cache: encode header: %w", err)
	}

	entry := models.CacheEntry{
		Partition: partition,
		Method:    method,
		URL:       url,
		Status:    resp.Status,
		Header:    datatypes.JSON(header),
		Body:      resp.Body,
		FetchedAt: time.Now(),
	}

	return m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "partition"}, {Name: "method"}, {Name: "url"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "header", "body", "fetched_at", "updated_at",
			}),
		}).Create(&entry).Error
}

// Delete removes one entry from a partition.
func (m *Manager) Delete(ctx context.Context, partition, method, url string) error {
	if err := m.ensurePartition(partition); err != nil {
		return err
	}

	return m.db.WithContext(ctx).
		Where("partition = ? AND method = ? AND url = ?", partition, method, url).
		Delete(&models.CacheEntry{}).Error
}

// DeletePartition drops every entry in the named partition. Unlike the
// other operations it accepts unknown names: activation uses it to clear
// partitions left behind by previous worker versions.
func (m *Manager) DeletePartition(ctx context.Context, name string) error {
	return m.db.WithContext(ctx).
		Where("partition = ?", name).
		Delete(&models.CacheEntry{}).Error
}

// StalePartitions lists partition names present in the store that are not
// part of the expected set.
func (m *Manager) StalePartitions(ctx context.Context) ([]string, error) {
	var names []string
	err := m.db.WithContext(ctx).
		Model(&models.CacheEntry{}).
		Distinct("partition").
		Where("partition NOT IN ?", m.partitions.All()).
		Pluck("partition", &names).Error
	if err != nil {
		return nil, fmt.Errorf("cache: list stale partitions: %w", err)
	}
	return names, nil
}

// Entries returns every entry in a partition ordered by insertion.
func (m *Manager) Entries(ctx context.Context, partition string) ([]models.CacheEntry, error) {
	if err := m.ensurePartition(partition); err != nil {
		return nil, err
	}

	var entries []models.CacheEntry
	err := m.db.WithContext(ctx).
		Where("partition = ?", partition).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("cache: list %s: %w", partition, err)
	}
	return entries, nil
}

// Count returns the number of entries in a partition.
func (m *Manager) Count(ctx context.Context, partition string) (int64, error) {
	if err := m.ensurePartition(partition); err != nil {
		return 0, err
	}

	var count int64
	err := m.db.WithContext(ctx).
		Model(&models.CacheEntry{}).
		Where("partition = ?", partition).
		Count(&count).Error
	return count, err
}

// DB exposes the underlying handle for the maintenance scheduler.
func (m *Manager) DB() *gorm.DB {
	return m.db
}

func (m *Manager) ensurePartition(name string) error {
	if !m.partitions.Contains(name) {
		return fmt.Errorf("cache: unknown partition %q", name)
	}
	return nil
}

func decodeEntry(entry *models.CacheEntry) (*CapturedResponse, error) {
	header := http.Header{}
	if len(entry.Header) > 0 {
		if err := json.Unmarshal(entry.Header, &header); err != nil {
			return nil, fmt.Errorf("cache: decode header: %w", err)
		}
	}

	return &CapturedResponse{
		Status: entry.Status,
		Header: header,
		Body:   entry.Body,
	}, nil
}
