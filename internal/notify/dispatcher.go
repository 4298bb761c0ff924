package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/workbeat/worker/internal/messenger"
	"github.com/workbeat/worker/internal/models"
	"github.com/workbeat/worker/pkg/logger"
)

// Defaults applied to push payloads with missing or unparseable fields.
const (
	DefaultTitle = "WorkBeat Notification"
	DefaultBody  = "You have a new update"
	DefaultIcon  = "/icons/icon-192.png"
	DefaultBadge = "/icons/badge-72.png"
	DefaultTag   = "workbeat-notification"
)

// Notification types and the routes their clicks resolve to.
var clickRoutes = map[string]string{
	"attendance":   "/attendance",
	"organization": "/organization",
	"system":       "/settings",
}

const defaultRoute = "/"

// Action identifiers rendered on every notification.
var Actions = []NotificationAction{
	{Action: "view", Title: "View"},
	{Action: "dismiss", Title: "Dismiss"},
}

// NotificationAction is one tappable action on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// PushPayload is the JSON body of an inbound push event.
type PushPayload struct {
	Title              string          `json:"title"`
	Body               string          `json:"body"`
	Icon               string          `json:"icon"`
	Badge              string          `json:"badge"`
	Tag                string          `json:"tag"`
	Type               string          `json:"type"`
	RequireInteraction bool            `json:"requireInteraction"`
	Data               json.RawMessage `json:"data"`
}

// Broadcaster is the slice of the messenger hub the dispatcher needs.
type Broadcaster interface {
	Notify(msgType string, data any)
	ClientCount() int
}

// ClickResolution tells the caller how a notification click was handled.
type ClickResolution struct {
	Route string `json:"route"`
	// Focused is true when an already-open page was told to navigate;
	// false means the caller should open a new page at Route.
	Focused bool `json:"focused"`
}

// Dispatcher owns the worker's notification center: it shows and clears
// system notifications and resolves notification-click navigation.
type Dispatcher struct {
	db  *gorm.DB
	hub Broadcaster
	log *zap.Logger
}

// NewDispatcher constructs a Dispatcher over the store and page channel.
func NewDispatcher(db *gorm.DB, hub Broadcaster) (*Dispatcher, error) {
	if db == nil {
		return nil, errors.New("notify: database handle is required")
	}
	if hub == nil {
		return nil, errors.New("notify: broadcaster is required")
	}

	return &Dispatcher{
		db:  db,
		hub: hub,
		log: logger.WithComponent("notify"),
	}, nil
}

// ParsePushPayload decodes a push body, falling back to safe defaults when
// the payload is not valid JSON.
func ParsePushPayload(raw []byte) PushPayload {
	payload := PushPayload{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = PushPayload{}
		}
	}

	if payload.Title == "" {
		payload.Title = DefaultTitle
	}
	if payload.Body == "" {
		payload.Body = DefaultBody
	}
	if payload.Icon == "" {
		payload.Icon = DefaultIcon
	}
	if payload.Badge == "" {
		payload.Badge = DefaultBadge
	}
	if payload.Tag == "" {
		payload.Tag = DefaultTag
	}
	if payload.Type == "" {
		payload.Type = "default"
	}
	return payload
}

// HandlePush shows a notification for an inbound push event.
func (d *Dispatcher) HandlePush(ctx context.Context, raw []byte) (*models.WorkerNotification, error) {
	payload := ParsePushPayload(raw)

	notification := &models.WorkerNotification{
		Tag:                payload.Tag,
		Type:               payload.Type,
		Title:              payload.Title,
		Body:               payload.Body,
		Icon:               payload.Icon,
		Badge:              payload.Badge,
		RequireInteraction: payload.RequireInteraction,
	}
	if len(payload.Data) > 0 {
		notification.Data = datatypes.JSON(payload.Data)
	}

	if err := d.Show(ctx, notification); err != nil {
		return nil, err
	}
	return notification, nil
}

// Show persists the notification, replacing any existing one with the same
// tag.
func (d *Dispatcher) Show(ctx context.Context, notification *models.WorkerNotification) error {
	if notification == nil {
		return errors.New("notify: nil notification")
	}
	if notification.Tag == "" {
		notification.Tag = DefaultTag
	}

	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tag"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"type", "title", "body", "icon", "badge", "require_interaction", "data", "updated_at",
			}),
		}).Create(notification).Error
	if err != nil {
		return fmt.Errorf("notify: show %q: %w", notification.Tag, err)
	}

	d.log.Debug("notification shown", zap.String("tag", notification.Tag), zap.String("title", notification.Title))
	return nil
}

// ShowSyncSummary shows one of three summary notifications after a sync
// pass that processed at least one record.
func (d *Dispatcher) ShowSyncSummary(ctx context.Context, succeeded, failed int) error {
	if succeeded+failed == 0 {
		return nil
	}

	var title, body string
	switch {
	case failed == 0:
		title = "Attendance Synced"
		body = fmt.Sprintf("%d offline attendance record(s) submitted", succeeded)
	case succeeded == 0:
		title = "Attendance Sync Failed"
		body = fmt.Sprintf("%d record(s) could not be submitted and will be retried", failed)
	default:
		title = "Attendance Partially Synced"
		body = fmt.Sprintf("%d record(s) submitted, %d pending retry", succeeded, failed)
	}

	return d.Show(ctx, &models.WorkerNotification{
		Tag:   "attendance-sync",
		Type:  "attendance",
		Title: title,
		Body:  body,
		Icon:  DefaultIcon,
		Badge: DefaultBadge,
	})
}

// ShowSyncError surfaces an aborted sync pass as a single notification.
func (d *Dispatcher) ShowSyncError(ctx context.Context, cause error) error {
	body := "Offline attendance sync was interrupted and will retry"
	if cause != nil {
		d.log.Error("sync pass aborted", zap.Error(cause))
	}

	return d.Show(ctx, &models.WorkerNotification{
		Tag:   "attendance-sync-error",
		Type:  "system",
		Title: "Sync Error",
		Body:  body,
		Icon:  DefaultIcon,
		Badge: DefaultBadge,
	})
}

// HandleClick resolves a notification click: it closes the notification
// and either navigates an already-open page or tells the caller to open a
// new one at the resolved route. The dismiss action only closes.
func (d *Dispatcher) HandleClick(ctx context.Context, tag, action string) (*ClickResolution, error) {
	var notification models.WorkerNotification
	err := d.db.WithContext(ctx).Take(&notification, "tag = ?", tag).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("notify: click lookup %q: %w", tag, err)
	}

	if closeErr := d.CloseByTag(ctx, tag); closeErr != nil {
		d.log.Warn("close on click failed", zap.String("tag", tag), zap.Error(closeErr))
	}

	if action == "dismiss" {
		return &ClickResolution{Route: defaultRoute, Focused: false}, nil
	}

	route := defaultRoute
	if mapped, ok := clickRoutes[notification.Type]; ok {
		route = mapped
	}

	if d.hub.ClientCount() > 0 {
		d.hub.Notify(messenger.TypeNotificationNavigate, map[string]any{"url": route})
		return &ClickResolution{Route: route, Focused: true}, nil
	}

	return &ClickResolution{Route: route, Focused: false}, nil
}

// CloseByTag removes a notification and tells pages it is gone.
func (d *Dispatcher) CloseByTag(ctx context.Context, tag string) error {
	result := d.db.WithContext(ctx).
		Where("tag = ?", tag).
		Delete(&models.WorkerNotification{})
	if result.Error != nil {
		return fmt.Errorf("notify: close %q: %w", tag, result.Error)
	}

	if result.RowsAffected > 0 {
		d.hub.Notify(messenger.TypeNotificationClosed, map[string]any{"tag": tag})
	}
	return nil
}

// ClearAll removes every active notification.
func (d *Dispatcher) ClearAll(ctx context.Context) error {
	if err := d.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&models.WorkerNotification{}).Error; err != nil {
		return fmt.Errorf("notify: clear all: %w", err)
	}
	return nil
}

// Active lists the currently shown notifications.
func (d *Dispatcher) Active(ctx context.Context) ([]models.WorkerNotification, error) {
	var notifications []models.WorkerNotification
	err := d.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&notifications).Error
	if err != nil {
		return nil, fmt.Errorf("notify: list active: %w", err)
	}
	return notifications, nil
}
