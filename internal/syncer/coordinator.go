package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/workbeat/worker/internal/maintenance"
	"github.com/workbeat/worker/internal/messenger"
	"github.com/workbeat/worker/internal/models"
	apperrors "github.com/workbeat/worker/pkg/errors"
	"github.com/workbeat/worker/pkg/logger"
	"github.com/workbeat/worker/pkg/metrics"
)

// Background-sync tags delivered to the coordinator.
const (
	TagAttendanceSync = "attendance-sync"
	TagCacheCleanup   = "cache-cleanup"
	TagAnalyticsSync  = "analytics-sync"
)

// State of the coordinator's sync cycle. Idle only before the first
// delivery; afterwards the terminal state of the most recent cycle stays
// observable until the next delivery flips it back to running.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Counts is the running tally of one sync pass.
type Counts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// PageMessenger is the slice of the messenger hub the coordinator needs.
type PageMessenger interface {
	Call(ctx context.Context, msgType string, data any, timeout time.Duration) (json.RawMessage, error)
	Notify(msgType string, data any)
}

// Notifier shows sync outcome notifications.
type Notifier interface {
	ShowSyncSummary(ctx context.Context, succeeded, failed int) error
	ShowSyncError(ctx context.Context, cause error) error
}

// Config tunes the sync coordinator. MaxRetries caps how often a failing
// record is replayed across cycles; records at the cap are skipped instead
// of hammering a permanently broken payload.
type Config struct {
	AttendanceEndpoint string
	MessageTimeout     time.Duration
	MaxRetries         int
	Notifications      bool
}

// Coordinator replays queued offline attendance records against the API
// when a background-sync tag is delivered. One cycle runs per delivery;
// deliveries of the same tag never overlap.
type Coordinator struct {
	cfg      Config
	pages    PageMessenger
	notifier Notifier
	cleaner  *maintenance.Cleaner
	client   *http.Client
	log      *zap.Logger

	mu     sync.Mutex
	state  State
	counts Counts

	tagMu sync.Mutex
	tags  map[string]*sync.Mutex
}

// New constructs a sync coordinator.
func New(cfg Config, pages PageMessenger, notifier Notifier, cleaner *maintenance.Cleaner, client *http.Client) (*Coordinator, error) {
	if cfg.AttendanceEndpoint == "" {
		return nil, errors.New("syncer: attendance endpoint is required")
	}
	if pages == nil {
		return nil, errors.New("syncer: page messenger is required")
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = messenger.DefaultCallTimeout
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &Coordinator{
		cfg:      cfg,
		pages:    pages,
		notifier: notifier,
		cleaner:  cleaner,
		client:   client,
		log:      logger.WithComponent("syncer"),
		state:    StateIdle,
		tags:     make(map[string]*sync.Mutex),
	}, nil
}

// State returns the coordinator's current cycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Counts returns the tally of the current or most recent attendance pass.
func (c *Coordinator) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}

// HandleSync runs one cycle for a delivered tag. It does not return until
// the whole cycle has settled, so callers can extend the delivery's
// lifetime by awaiting it. Unknown tags are logged and ignored.
func (c *Coordinator) HandleSync(ctx context.Context, tag string) error {
	// the platform is assumed to serialise deliveries per tag, but that
	// assumption does not survive a worker restart; guard explicitly
	lock := c.tagLock(tag)
	lock.Lock()
	defer lock.Unlock()

	switch tag {
	case TagAttendanceSync:
		return c.syncAttendance(ctx)
	case TagCacheCleanup:
		return c.runCleanup(ctx)
	case TagAnalyticsSync:
		// placeholder until the analytics pipeline lands
		return nil
	default:
		c.log.Warn("unknown sync tag", zap.String("tag", tag))
		return nil
	}
}

func (c *Coordinator) tagLock(tag string) *sync.Mutex {
	c.tagMu.Lock()
	defer c.tagMu.Unlock()

	lock, ok := c.tags[tag]
	if !ok {
		lock = &sync.Mutex{}
		c.tags[tag] = lock
	}
	return lock
}

func (c *Coordinator) syncAttendance(ctx context.Context) (err error) {
	c.setState(StateRunning)
	c.resetCounts()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("syncer: attendance pass panicked: %v", r)
		}
		if err != nil {
			c.setState(StateFailed)
			c.log.Error("attendance sync aborted", zap.Error(err))
			if c.notifier != nil && c.cfg.Notifications {
				if notifyErr := c.notifier.ShowSyncError(ctx, err); notifyErr != nil {
					c.log.Warn("sync error notification failed", zap.Error(notifyErr))
				}
			}
		} else {
			c.setState(StateCompleted)
		}
	}()

	records := c.fetchPendingRecords(ctx)

	for _, record := range records {
		if !record.Pending() {
			continue
		}

		if c.cfg.MaxRetries > 0 && record.RetryCount >= c.cfg.MaxRetries {
			c.addSkipped()
			metrics.SyncRecords.WithLabelValues("skipped").Inc()
			c.log.Warn("record exhausted its retries",
				zap.String("record_id", record.ID),
				zap.Int("retry_count", record.RetryCount))
			continue
		}

		if replayErr := c.replayRecord(ctx, record); replayErr != nil {
			c.addFailed()
			metrics.SyncRecords.WithLabelValues("failure").Inc()
			c.log.Warn("record replay failed",
				zap.String("record_id", record.ID),
				zap.Error(replayErr))
			c.instructRetryIncrement(ctx, record.ID)
			continue
		}

		c.addSucceeded()
		metrics.SyncRecords.WithLabelValues("success").Inc()
		c.instructMarkSynced(ctx, record.ID)
	}

	counts := c.Counts()
	if counts.Succeeded+counts.Failed > 0 {
		if c.notifier != nil && c.cfg.Notifications {
			if notifyErr := c.notifier.ShowSyncSummary(ctx, counts.Succeeded, counts.Failed); notifyErr != nil {
				c.log.Warn("sync summary notification failed", zap.Error(notifyErr))
			}
		}

		// every connected page hears about the outcome, not only the one
		// that supplied the queue
		c.pages.Notify(messenger.TypeSyncEvent, map[string]any{
			"eventType": "attendance-sync-completed",
			"data":      counts,
			"timestamp": time.Now().UnixMilli(),
		})
	}

	c.log.Info("attendance sync pass finished",
		zap.Int("succeeded", counts.Succeeded),
		zap.Int("failed", counts.Failed),
		zap.Int("skipped", counts.Skipped))
	return nil
}

// fetchPendingRecords asks the pages for the offline queue. Absence of
// pages, timeouts, and malformed replies all resolve to an empty list.
func (c *Coordinator) fetchPendingRecords(ctx context.Context) []models.OfflineRecord {
	reply, err := c.pages.Call(ctx, messenger.TypeGetOfflineAttendance, nil, c.cfg.MessageTimeout)
	if err != nil {
		c.log.Info("no offline queue available", zap.Error(err))
		return nil
	}
	if len(reply) == 0 || bytes.Equal(bytes.TrimSpace(reply), []byte("null")) {
		return nil
	}

	var records []models.OfflineRecord
	if err := json.Unmarshal(reply, &records); err != nil {
		c.log.Warn("malformed offline queue reply", zap.Error(err))
		return nil
	}
	return records
}

// replayRecord POSTs one record to the attendance endpoint. Only an HTTP
// 200 with a parseable JSON body counts as success. Records whose captured
// token has already expired fail without a network round trip.
func (c *Coordinator) replayRecord(ctx context.Context, record models.OfflineRecord) error {
	if tokenExpired(record.AuthToken) {
		return errors.New("captured auth token has expired")
	}

	payload := map[string]any{
		"employeeId":     record.EmployeeID,
		"organizationId": record.OrganizationID,
		"type":           record.Type,
		"timestamp":      record.Timestamp,
		"deviceId":       record.DeviceID,
		"offline":        false,
	}
	if len(record.BiometricData) > 0 {
		payload["biometricData"] = record.BiometricData
	}
	if len(record.LocationData) > 0 {
		payload["locationData"] = record.LocationData
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AttendanceEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+record.AuthToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post attendance: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return apperrors.HTTPFailure(resp.StatusCode)
	}
	if !json.Valid(respBody) {
		return errors.New("attendance endpoint returned unparseable body")
	}
	return nil
}

// instructMarkSynced tells the page to remove the record from its pending
// set. Fire-and-forget: a messaging failure leaves the record pending and
// the next cycle replays it again, which the endpoint tolerates.
func (c *Coordinator) instructMarkSynced(ctx context.Context, recordID string) {
	_, err := c.pages.Call(ctx, messenger.TypeMarkRecordSynced,
		map[string]any{"recordId": recordID}, c.cfg.MessageTimeout)
	if err != nil {
		c.log.Warn("mark-record-synced not acknowledged",
			zap.String("record_id", recordID), zap.Error(err))
	}
}

func (c *Coordinator) instructRetryIncrement(ctx context.Context, recordID string) {
	_, err := c.pages.Call(ctx, messenger.TypeUpdateRetryCount,
		map[string]any{"recordId": recordID}, c.cfg.MessageTimeout)
	if err != nil {
		c.log.Warn("update-retry-count not acknowledged",
			zap.String("record_id", recordID), zap.Error(err))
	}
}

func (c *Coordinator) runCleanup(ctx context.Context) error {
	if c.cleaner == nil {
		return nil
	}

	if err := c.cleaner.RunOnce(ctx); err != nil {
		// maintenance failures are logged, never rethrown
		c.log.Warn("cache cleanup pass failed", zap.Error(err))
	}
	return nil
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Coordinator) resetCounts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = Counts{}
}

func (c *Coordinator) addSucceeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts.Succeeded++
}

func (c *Coordinator) addFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts.Failed++
}

func (c *Coordinator) addSkipped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts.Skipped++
}

// tokenExpired reports whether the captured bearer token is a JWT whose
// expiry has passed. Tokens that are not parseable JWTs are replayed as-is
// and left for the endpoint to judge.
func tokenExpired(token string) bool {
	if token == "" {
		return false
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false
	}

	expiry, err := parsed.Claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return false
	}
	return expiry.Before(time.Now())
}
