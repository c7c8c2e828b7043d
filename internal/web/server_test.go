package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"astromeas/internal/logging"
	"astromeas/internal/pipeline"
	"astromeas/internal/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type feed struct{ ch chan pipeline.Result }

func (f *feed) Subscribe() (<-chan pipeline.Result, func()) { return f.ch, func() {} }

func startWeb(t *testing.T, store *storage.Store) (*httptest.Server, *feed, *WebServer) {
	t.Helper()
	f := &feed{ch: make(chan pipeline.Result, 1)}
	ws := NewWebServer(":0", f, store, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ws.Run(ctx)
	ts := httptest.NewServer(ws.Handler())
	t.Cleanup(ts.Close)
	return ts, f, ws
}

func TestWebSocketReceivesResults(t *testing.T) {
	ts, f, ws := startWeb(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ws.hub.clientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	f.ch <- pipeline.Result{Job: pipeline.Job{ID: "w-1", Type: pipeline.JobMeasure}, Meta: map[string]any{"sources": 2}}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "w-1", got["job"].(map[string]any)["id"])
	assert.Equal(t, 2.0, got["meta"].(map[string]any)["sources"])
}

func TestStatsCountsJobs(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "web.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.RecordJobQueued(storage.JobRecord{ID: "a", JobType: "measure", Status: "queued"}))
	require.NoError(t, store.RecordJobQueued(storage.JobRecord{ID: "b", JobType: "measure", Status: "queued"}))
	require.NoError(t, store.RecordJobResult("b", "failed", nil, "no image"))

	ts, _, _ := startWeb(t, store)
	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var data DashboardData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.Equal(t, QueueStats{Queued: 1, Failed: 1}, data.Queue)
	assert.Len(t, data.RecentJobs, 2)
}

func TestDashboardPage(t *testing.T) {
	ts, _, _ := startWeb(t, nil)
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
}
