package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/workbeat/worker/internal/cache"
	"github.com/workbeat/worker/internal/database/testutil"
	"github.com/workbeat/worker/internal/maintenance"
	"github.com/workbeat/worker/internal/messenger"
	"github.com/workbeat/worker/internal/models"
	"github.com/workbeat/worker/pkg/errors"
)

type sentMessage struct {
	Type string
	Data any
}

type fakeMessenger struct {
	mu      sync.Mutex
	replies map[string]json.RawMessage
	errs    map[string]error
	calls   []sentMessage
	events  []sentMessage
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		replies: make(map[string]json.RawMessage),
		errs:    make(map[string]error),
	}
}

func (f *fakeMessenger) Call(_ context.Context, msgType string, data any, _ time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentMessage{Type: msgType, Data: data})
	if err, ok := f.errs[msgType]; ok {
		return nil, err
	}
	return f.replies[msgType], nil
}

func (f *fakeMessenger) Notify(msgType string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentMessage{Type: msgType, Data: data})
}

func (f *fakeMessenger) callsOf(msgType string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, call := range f.calls {
		if call.Type == msgType {
			out = append(out, call)
		}
	}
	return out
}

func (f *fakeMessenger) queueRecords(t *testing.T, records []models.OfflineRecord) {
	t.Helper()
	payload, err := json.Marshal(records)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[messenger.TypeGetOfflineAttendance] = payload
}

type fakeNotifier struct {
	mu        sync.Mutex
	summaries []Counts
	errors    []error
}

func (f *fakeNotifier) ShowSyncSummary(_ context.Context, succeeded, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, Counts{Succeeded: succeeded, Failed: failed})
	return nil
}

func (f *fakeNotifier) ShowSyncError(_ context.Context, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, cause)
	return nil
}

func signedToken(t *testing.T, expiry time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "employee-1",
		"exp": expiry.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func pendingRecord(t *testing.T, id, employee string) models.OfflineRecord {
	t.Helper()
	return models.OfflineRecord{
		ID:             id,
		EmployeeID:     employee,
		OrganizationID: "org-1",
		Type:           "check-in",
		Timestamp:      time.Now().Format(time.RFC3339),
		DeviceID:       "device-1",
		AuthToken:      signedToken(t, time.Now().Add(time.Hour)),
		SyncStatus:     models.SyncStatusPending,
	}
}

func newTestCoordinator(t *testing.T, endpoint string, pages PageMessenger, notifier Notifier, cleaner *maintenance.Cleaner) *Coordinator {
	t.Helper()
	coordinator, err := New(Config{
		AttendanceEndpoint: endpoint,
		MessageTimeout:     time.Second,
		MaxRetries:         8,
		Notifications:      true,
	}, pages, notifier, cleaner, &http.Client{Timeout: 5 * time.Second})
	require.NoError(t, err)
	return coordinator
}

func TestAttendanceSyncReplaysAllPendingRecords(t *testing.T) {
	var received []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received = append(received, body)
		require.Contains(t, r.Header.Get("Authorization"), "Bearer ")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"recorded"}`))
	}))
	defer server.Close()

	pages := newFakeMessenger()
	pages.queueRecords(t, []models.OfflineRecord{
		pendingRecord(t, "rec-1", "emp-1"),
		pendingRecord(t, "rec-2", "emp-2"),
		pendingRecord(t, "rec-3", "emp-3"),
	})
	notifier := &fakeNotifier{}
	coordinator := newTestCoordinator(t, server.URL, pages, notifier, nil)

	require.NoError(t, coordinator.HandleSync(context.Background(), TagAttendanceSync))

	counts := coordinator.Counts()
	require.Equal(t, 3, counts.Succeeded)
	require.Zero(t, counts.Failed)
	require.Len(t, received, 3)
	require.Equal(t, false, received[0]["offline"])
	require.Len(t, pages.callsOf(messenger.TypeMarkRecordSynced), 3)
	require.Empty(t, pages.callsOf(messenger.TypeUpdateRetryCount))
	require.Len(t, notifier.summaries, 1)
	require.Equal(t, Counts{Succeeded: 3}, notifier.summaries[0])
	require.Equal(t, StateCompleted, coordinator.State())
}

func TestAttendanceSyncIsolatesFailingRecord(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["employeeId"] == "emp-2" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"status":"recorded"}`))
	}))
	defer server.Close()

	pages := newFakeMessenger()
	pages.queueRecords(t, []models.OfflineRecord{
		pendingRecord(t, "rec-1", "emp-1"),
		pendingRecord(t, "rec-2", "emp-2"),
		pendingRecord(t, "rec-3", "emp-3"),
	})
	notifier := &fakeNotifier{}
	coordinator := newTestCoordinator(t, server.URL, pages, notifier, nil)

	require.NoError(t, coordinator.HandleSync(context.Background(), TagAttendanceSync))

	counts := coordinator.Counts()
	require.Equal(t, 2, counts.Succeeded)
	require.Equal(t, 1, counts.Failed)

	retries := pages.callsOf(messenger.TypeUpdateRetryCount)
	require.Len(t, retries, 1)
	require.Equal(t, map[string]any{"recordId": "rec-2"}, retries[0].Data)
	require.Len(t, pages.callsOf(messenger.TypeMarkRecordSynced), 2)
	require.Len(t, notifier.summaries, 1)
	require.Equal(t, Counts{Succeeded: 2, Failed: 1}, notifier.summaries[0])
}

func TestAttendanceSyncWithoutPages(t *testing.T) {
	pages := newFakeMessenger()
	pages.errs[messenger.TypeGetOfflineAttendance] = errors.ErrNoClients
	notifier := &fakeNotifier{}
	coordinator := newTestCoordinator(t, "http://unused.invalid/api/attendance", pages, notifier, nil)

	require.NoError(t, coordinator.HandleSync(context.Background(), TagAttendanceSync))

	counts := coordinator.Counts()
	require.Zero(t, counts.Succeeded)
	require.Zero(t, counts.Failed)
	require.Empty(t, notifier.summaries)
	require.Empty(t, pages.events)
	require.Equal(t, StateCompleted, coordinator.State())
}

type panickingMessenger struct {
	fakeMessenger
}

func (p *panickingMessenger) Call(context.Context, string, any, time.Duration) (json.RawMessage, error) {
	panic("offline store corrupted")
}

func TestAttendanceSyncPanicLeavesFailedStateObservable(t *testing.T) {
	notifier := &fakeNotifier{}
	coordinator := newTestCoordinator(t, "http://unused.invalid/api/attendance", &panickingMessenger{}, notifier, nil)

	require.Equal(t, StateIdle, coordinator.State())

	err := coordinator.HandleSync(context.Background(), TagAttendanceSync)
	require.ErrorContains(t, err, "panicked")
	require.Equal(t, StateFailed, coordinator.State())
	require.Len(t, notifier.errors, 1)
}

func TestAttendanceSyncSkipsExhaustedRecords(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"status":"recorded"}`))
	}))
	defer server.Close()

	exhausted := pendingRecord(t, "rec-1", "emp-1")
	exhausted.RetryCount = 8
	pages := newFakeMessenger()
	pages.queueRecords(t, []models.OfflineRecord{exhausted, pendingRecord(t, "rec-2", "emp-2")})
	coordinator := newTestCoordinator(t, server.URL, pages, &fakeNotifier{}, nil)

	require.NoError(t, coordinator.HandleSync(context.Background(), TagAttendanceSync))

	counts := coordinator.Counts()
	require.Equal(t, 1, counts.Succeeded)
	require.Equal(t, 1, counts.Skipped)
	require.Zero(t, counts.Failed)
	require.Equal(t, 1, hits)
	require.Empty(t, pages.callsOf(messenger.TypeUpdateRetryCount))
}

func TestAttendanceSyncFailsExpiredTokenWithoutNetwork(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"status":"recorded"}`))
	}))
	defer server.Close()

	expired := pendingRecord(t, "rec-1", "emp-1")
	expired.AuthToken = signedToken(t, time.Now().Add(-time.Hour))
	pages := newFakeMessenger()
	pages.queueRecords(t, []models.OfflineRecord{expired})
	coordinator := newTestCoordinator(t, server.URL, pages, &fakeNotifier{}, nil)

	require.NoError(t, coordinator.HandleSync(context.Background(), TagAttendanceSync))

	require.Zero(t, hits)
	require.Equal(t, 1, coordinator.Counts().Failed)
	require.Len(t, pages.callsOf(messenger.TypeUpdateRetryCount), 1)
}

func TestReplayClassifiesUpstreamStatusFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	coordinator := newTestCoordinator(t, server.URL, newFakeMessenger(), &fakeNotifier{}, nil)

	err := coordinator.replayRecord(context.Background(), pendingRecord(t, "rec-1", "emp-1"))
	require.True(t, errors.Is(err, errors.ErrHTTPFailure))
}

func TestAttendanceSyncRejectsUnparseableSuccessBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>unexpected</html>"))
	}))
	defer server.Close()

	pages := newFakeMessenger()
	pages.queueRecords(t, []models.OfflineRecord{pendingRecord(t, "rec-1", "emp-1")})
	coordinator := newTestCoordinator(t, server.URL, pages, &fakeNotifier{}, nil)

	require.NoError(t, coordinator.HandleSync(context.Background(), TagAttendanceSync))
	require.Equal(t, 1, coordinator.Counts().Failed)
}

func TestAttendanceSyncBroadcastsOutcomeEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"recorded"}`))
	}))
	defer server.Close()

	pages := newFakeMessenger()
	pages.queueRecords(t, []models.OfflineRecord{pendingRecord(t, "rec-1", "emp-1")})
	coordinator := newTestCoordinator(t, server.URL, pages, &fakeNotifier{}, nil)

	require.NoError(t, coordinator.HandleSync(context.Background(), TagAttendanceSync))

	require.Len(t, pages.events, 1)
	require.Equal(t, messenger.TypeSyncEvent, pages.events[0].Type)
	payload, ok := pages.events[0].Data.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "attendance-sync-completed", payload["eventType"])
}

func TestAttendanceSyncSkipsAlreadySyncedRecords(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`{"status":"recorded"}`))
	}))
	defer server.Close()

	synced := pendingRecord(t, "rec-1", "emp-1")
	synced.SyncStatus = models.SyncStatusSynced
	pages := newFakeMessenger()
	pages.queueRecords(t, []models.OfflineRecord{synced})
	coordinator := newTestCoordinator(t, server.URL, pages, &fakeNotifier{}, nil)

	require.NoError(t, coordinator.HandleSync(context.Background(), TagAttendanceSync))
	require.Zero(t, hits)
	require.Equal(t, Counts{}, coordinator.Counts())
}

func TestCacheCleanupTagRunsMaintenance(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	partitions := cache.Partitions{
		Critical: "workbeat-critical-v2",
		Static:   "workbeat-static-v2",
		API:      "workbeat-api-v2",
		Runtime:  "workbeat-runtime-v2",
	}
	store, err := cache.NewManager(db, partitions)
	require.NoError(t, err)

	stale := time.Now().Add(-25 * time.Hour)
	require.NoError(t, store.Put(context.Background(), partitions.API, http.MethodGet, "/api/old", &cache.CapturedResponse{
		Status: http.StatusOK,
		Header: http.Header{"Date": []string{stale.UTC().Format(http.TimeFormat)}},
		Body:   []byte(`{}`),
	}))

	cleaner, err := maintenance.NewCleaner(store, 24*time.Hour, 50)
	require.NoError(t, err)

	coordinator := newTestCoordinator(t, "http://unused.invalid/api/attendance", newFakeMessenger(), &fakeNotifier{}, cleaner)
	require.NoError(t, coordinator.HandleSync(context.Background(), TagCacheCleanup))

	count, err := store.Count(context.Background(), partitions.API)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestUnknownTagIsIgnored(t *testing.T) {
	coordinator := newTestCoordinator(t, "http://unused.invalid/api/attendance", newFakeMessenger(), &fakeNotifier{}, nil)
	require.NoError(t, coordinator.HandleSync(context.Background(), "mystery-tag"))
	require.NoError(t, coordinator.HandleSync(context.Background(), TagAnalyticsSync))
}
