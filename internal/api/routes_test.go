package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

type okBackend struct{}

func (okBackend) Insert(context.Context, string, json.RawMessage) error { return nil }

func (okBackend) UpdateByID(context.Context, string, string, json.RawMessage) error { return nil }

func (okBackend) DeleteByID(context.Context, string, string) error { return nil }

func (okBackend) Ping(context.Context) error { return nil }

const testToken = "s3cret"

func newTestServer(t *testing.T) (*httptest.Server, *sync.Manager) {
	t.Helper()
	return newTestServerWith(t, Options{})
}

// newTestServerWith fills in the token and a private metrics registry.
func newTestServerWith(t *testing.T, opts Options) (*httptest.Server, *sync.Manager) {
	t.Helper()
	st, err := store.NewSQLiteStore(store.SQLiteConfig{Path: filepath.Join(t.TempDir(), "offline.db")})
	require.NoError(t, err)

	m := sync.NewManager(sync.ManagerConfig{
		Sync: config.SyncConfig{MaxRetries: 3, OnlineDelay: time.Hour, DeliveryTimeout: time.Second},
	}, st, nil, okBackend{})
	require.NoError(t, m.Start(context.Background()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total", Help: "test"}))

	opts.AuthToken = testToken
	opts.Gatherer = reg
	h := NewHandler(m, opts)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		srv.Close()
		m.Stop()
		_ = st.Close()
	})
	return srv, m
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "test_total")
}

func TestAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/sync/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/sync/status?token=" + testToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecordsLifecycle(t *testing.T) {
	srv, m := newTestServer(t)

	code, body := do(t, srv, http.MethodPut, "/api/v1/records/customers/c1", `{"id":"c1","name":"Acme"}`)
	require.Equal(t, http.StatusAccepted, code, body)
	assert.JSONEq(t, `{"status":"queued","action":"create"}`, body)

	code, body = do(t, srv, http.MethodPut, "/api/v1/records/customers/c1", `{"id":"c1","name":"Acme Corp"}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.JSONEq(t, `{"status":"queued","action":"update"}`, body)

	code, body = do(t, srv, http.MethodGet, "/api/v1/records/customers/c1", "")
	require.Equal(t, http.StatusOK, code)
	var rec store.StoredRecord
	require.NoError(t, json.Unmarshal([]byte(body), &rec))
	assert.Equal(t, store.StatusPending, rec.SyncStatus)
	assert.JSONEq(t, `{"id":"c1","name":"Acme Corp"}`, string(rec.Payload))

	code, body = do(t, srv, http.MethodGet, "/api/v1/records/customers", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[{"id":"c1","name":"Acme Corp"}]`, body)

	code, _ = do(t, srv, http.MethodPut, "/api/v1/records/customers/c2", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, http.MethodPost, "/api/v1/sync/trigger", "")
	assert.Equal(t, http.StatusServiceUnavailable, code, "offline")

	code, _ = do(t, srv, http.MethodPost, "/api/v1/connectivity", `{"online":true}`)
	require.Equal(t, http.StatusOK, code)

	code, body = do(t, srv, http.MethodPost, "/api/v1/sync/trigger", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"successCount":2,"failureCount":0}`, body)
	assert.Zero(t, m.State().PendingChanges)

	code, body = do(t, srv, http.MethodGet, "/api/v1/sync/history?limit=5", "")
	require.Equal(t, http.StatusOK, code)
	var history []map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "completed", history[0]["status"])
	assert.Contains(t, history[0], "completedAt")

	code, _ = do(t, srv, http.MethodDelete, "/api/v1/records/customers/c1", "")
	require.Equal(t, http.StatusAccepted, code)
	code, _ = do(t, srv, http.MethodGet, "/api/v1/records/customers/c1", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = do(t, srv, http.MethodGet, "/api/v1/records/failed", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, body)

	code, _ = do(t, srv, http.MethodPost, "/api/v1/records/customers/c1/retry", "")
	assert.Equal(t, http.StatusConflict, code)

	code, _ = do(t, srv, http.MethodDelete, "/api/v1/records", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = do(t, srv, http.MethodGet, "/api/v1/records/customers/c1", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHistoryRejectsBadParams(t *testing.T) {
	srv, _ := newTestServer(t)
	code, _ := do(t, srv, http.MethodGet, "/api/v1/sync/history?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCacheEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	code, _ := do(t, srv, http.MethodPut, "/api/v1/cache/invoices", `{"data":["i1","i2"],"ttl":"30m","tags":["reports"]}`)
	require.Equal(t, http.StatusNoContent, code)

	code, body := do(t, srv, http.MethodGet, "/api/v1/cache/invoices", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `["i1","i2"]`, body)

	code, _ = do(t, srv, http.MethodPut, "/api/v1/cache/x", `{"data":1,"ttl":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = do(t, srv, http.MethodGet, "/api/v1/cache/stats", "")
	require.Equal(t, http.StatusOK, code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.EqualValues(t, 1, stats["hits"])
	assert.EqualValues(t, 1, stats["entries"])

	code, body = do(t, srv, http.MethodPost, "/api/v1/cache/invalidate", `{"tags":["reports"]}`)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"removed":1}`, body)

	code, _ = do(t, srv, http.MethodGet, "/api/v1/cache/invoices", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, srv, http.MethodPost, "/api/v1/cache/invalidate", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEventsStream(t *testing.T) {
	srv, m := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?token=" + testToken
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() EventMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, b, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg EventMessage
		require.NoError(t, json.Unmarshal(b, &msg))
		return msg
	}

	assert.Equal(t, sync.EventType("state"), read().Type)

	require.NoError(t, m.StoreOfflineData(context.Background(), "customers", "c1", json.RawMessage(`{}`), store.ActionCreate))
	msg := read()
	assert.Equal(t, sync.EventDataStored, msg.Type)
	assert.Equal(t, map[string]any{"collection": "customers", "id": "c1", "action": "create"}, msg.Data)

	m.SetPlatformOnline(true)
	assert.Equal(t, sync.EventOnline, read().Type)
}

func TestEventsOriginAllowList(t *testing.T) {
	srv, _ := newTestServerWith(t, Options{CorsOrigins: []string{"https://app.example.com"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?token=" + testToken

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Nil(t, conn)

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	conn, _, err = websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()

	// Non-browser clients send no Origin.
	conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn.Close()
}

func TestOriginSet(t *testing.T) {
	open := newOriginSet(nil)
	assert.True(t, open.allows("https://anything.example.com"))

	listed := newOriginSet([]string{"https://app.example.com"})
	assert.True(t, listed.allows("https://app.example.com"))
	assert.False(t, listed.allows("https://evil.example.com"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	assert.True(t, listed.allowsHandshake(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, listed.allowsHandshake(req))
}
