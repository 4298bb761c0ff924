package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/workbeat/worker/internal/cache"
	"github.com/workbeat/worker/internal/database/testutil"
	"github.com/workbeat/worker/internal/maintenance"
	"github.com/workbeat/worker/internal/models"
)

var testPartitions = cache.Partitions{
	Critical: "workbeat-critical-v2",
	Static:   "workbeat-static-v2",
	API:      "workbeat-api-v2",
	Runtime:  "workbeat-runtime-v2",
}

func newTestStore(t *testing.T) (*cache.Manager, *gorm.DB) {
	t.Helper()
	db := testutil.MustOpenTestDB(t)
	store, err := cache.NewManager(db, testPartitions)
	require.NoError(t, err)
	return store, db
}

func TestInstallWarmsCriticalAndStaticPartitions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("asset " + r.URL.Path))
	}))
	defer server.Close()

	store, _ := newTestStore(t)
	fetcher := &cache.HTTPFetcher{Origin: server.URL}
	lifecycle, err := NewLifecycle(store, fetcher, testPartitions,
		[]string{"/", "/static/js/main.js"},
		[]string{"/icons/icon-192.png", "/icons/icon-512.png"},
		nil)
	require.NoError(t, err)

	lifecycle.Install(context.Background())
	lifecycle.Wait()

	for _, asset := range []string{"/", "/static/js/main.js"} {
		resp, err := store.Match(context.Background(), testPartitions.Critical, http.MethodGet, asset)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.Status)
	}
	for _, asset := range []string{"/icons/icon-192.png", "/icons/icon-512.png"} {
		_, err := store.Match(context.Background(), testPartitions.Static, http.MethodGet, asset)
		require.NoError(t, err)
	}
}

func TestInstallRetriesFailedAssetOnce(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts[r.URL.Path]++
		n := attempts[r.URL.Path]
		mu.Unlock()
		if r.URL.Path == "/flaky.css" && n == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			require.NoError(t, err)
			_ = conn.Close()
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	store, _ := newTestStore(t)
	fetcher := &cache.HTTPFetcher{Origin: server.URL}
	lifecycle, err := NewLifecycle(store, fetcher, testPartitions,
		[]string{"/flaky.css", "/solid.css"}, nil, nil)
	require.NoError(t, err)

	lifecycle.Install(context.Background())
	lifecycle.Wait()

	mu.Lock()
	flakyAttempts := attempts["/flaky.css"]
	mu.Unlock()
	require.Equal(t, 2, flakyAttempts)

	_, err = store.Match(context.Background(), testPartitions.Critical, http.MethodGet, "/flaky.css")
	require.NoError(t, err)
	_, err = store.Match(context.Background(), testPartitions.Critical, http.MethodGet, "/solid.css")
	require.NoError(t, err)
}

func TestInstallRetriesAndLogsNotFoundAsset(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts[r.URL.Path]++
		mu.Unlock()
		if r.URL.Path == "/missing.js" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	store, _ := newTestStore(t)
	fetcher := &cache.HTTPFetcher{Origin: server.URL}
	lifecycle, err := NewLifecycle(store, fetcher, testPartitions,
		[]string{"/missing.js", "/present.js"}, nil, nil)
	require.NoError(t, err)

	lifecycle.Install(context.Background())
	lifecycle.Wait()

	mu.Lock()
	missingAttempts := attempts["/missing.js"]
	mu.Unlock()
	require.Equal(t, 2, missingAttempts)

	_, err = store.Match(context.Background(), testPartitions.Critical, http.MethodGet, "/missing.js")
	require.Error(t, err)
	_, err = store.Match(context.Background(), testPartitions.Critical, http.MethodGet, "/present.js")
	require.NoError(t, err)
}

func TestInstallSurvivesPermanentlyMissingAsset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))
	defer server.Close()

	store, _ := newTestStore(t)
	fetcher := &cache.HTTPFetcher{Origin: server.URL}
	lifecycle, err := NewLifecycle(store, fetcher, testPartitions, []string{"/gone.js"}, nil, nil)
	require.NoError(t, err)

	lifecycle.Install(context.Background())
	lifecycle.Wait()

	count, err := store.Count(context.Background(), testPartitions.Critical)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestActivateRemovesStalePartitionsOnly(t *testing.T) {
	store, db := newTestStore(t)

	require.NoError(t, store.Put(context.Background(), testPartitions.Critical, http.MethodGet, "/", &cache.CapturedResponse{
		Status: http.StatusOK,
		Header: http.Header{},
		Body:   []byte("<html></html>"),
	}))
	require.NoError(t, db.Create(&models.CacheEntry{
		Partition: "workbeat-critical-v1",
		Method:    http.MethodGet,
		URL:       "/",
		Status:    http.StatusOK,
		Header:    []byte("{}"),
		Body:      []byte("old shell"),
		FetchedAt: time.Now(),
	}).Error)

	lifecycle, err := NewLifecycle(store, &cache.HTTPFetcher{}, testPartitions, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, lifecycle.Activate(context.Background()))

	stale, err := store.StalePartitions(context.Background())
	require.NoError(t, err)
	require.Empty(t, stale)

	_, err = store.Match(context.Background(), testPartitions.Critical, http.MethodGet, "/")
	require.NoError(t, err)
}

func TestActivateRunsMaintenancePass(t *testing.T) {
	store, _ := newTestStore(t)

	old := time.Now().Add(-36 * time.Hour)
	require.NoError(t, store.Put(context.Background(), testPartitions.API, http.MethodGet, "/api/dashboard", &cache.CapturedResponse{
		Status: http.StatusOK,
		Header: http.Header{"Date": []string{old.UTC().Format(http.TimeFormat)}},
		Body:   []byte(`{}`),
	}))

	cleaner, err := maintenance.NewCleaner(store, 24*time.Hour, 50)
	require.NoError(t, err)

	lifecycle, err := NewLifecycle(store, &cache.HTTPFetcher{}, testPartitions, nil, nil, cleaner)
	require.NoError(t, err)
	require.NoError(t, lifecycle.Activate(context.Background()))

	count, err := store.Count(context.Background(), testPartitions.API)
	require.NoError(t, err)
	require.Zero(t, count)
}
