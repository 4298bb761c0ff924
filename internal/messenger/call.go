package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/workbeat/worker/pkg/errors"
	"github.com/workbeat/worker/pkg/metrics"
)

// DefaultCallTimeout bounds how long a call waits for the first page reply.
const DefaultCallTimeout = 10 * time.Second

// Message types exchanged with pages.
const (
	TypeGetOfflineAttendance = "get-offline-attendance"
	TypeMarkRecordSynced     = "mark-record-synced"
	TypeUpdateRetryCount     = "update-retry-count"
	TypeSyncEvent            = "sync-event"
	TypeNotificationNavigate = "notification-navigate"
	TypeNotificationClosed   = "notification-closed"
)

// Call sends one request/response RPC to the connected pages. The envelope
// is broadcast to every page and the first reply wins; stragglers are
// dropped. Zero connected pages resolves to ErrNoClients without blocking,
// and no reply within timeout rejects with ErrMessageTimeout. The hub never
// retries; callers treat failures as "no data available".
func (h *Hub) Call(ctx context.Context, msgType string, data any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	messageID := uuid.NewString()
	waiter := h.registerPending(messageID)
	defer h.releasePending(messageID)

	sent := h.Broadcast(Envelope{
		Type:      msgType,
		MessageID: messageID,
		Data:      data,
	})
	if sent == 0 {
		metrics.MessengerCalls.WithLabelValues(msgType, "no_clients").Inc()
		return nil, apperrors.ErrNoClients
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waiter:
		if reply.Error != "" {
			metrics.MessengerCalls.WithLabelValues(msgType, "error").Inc()
			return nil, errors.New(reply.Error)
		}
		metrics.MessengerCalls.WithLabelValues(msgType, "ok").Inc()
		return reply.Result, nil
	case <-timer.C:
		metrics.MessengerCalls.WithLabelValues(msgType, "timeout").Inc()
		return nil, apperrors.ErrMessageTimeout
	case <-ctx.Done():
		metrics.MessengerCalls.WithLabelValues(msgType, "timeout").Inc()
		return nil, apperrors.ErrMessageTimeout.WithInternal(ctx.Err())
	}
}

// Notify sends a fire-and-forget envelope to every connected page.
func (h *Hub) Notify(msgType string, data any) {
	h.Broadcast(Envelope{Type: msgType, Data: data})
}
