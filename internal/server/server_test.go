package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"astromeas/internal/logging"
	"astromeas/internal/metrics"
	"astromeas/internal/pipeline"
	"astromeas/internal/shape"
	"astromeas/internal/source"
	"astromeas/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	subs []chan pipeline.Result
	err  error
}

func (f *fakeQueue) Submit(job pipeline.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return "job-1", nil
}

func (f *fakeQueue) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Result, 1)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeQueue) publish(res pipeline.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- res
	}
}

func (f *fakeQueue) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeQueue, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveSource("GAUSSIAN", metrics.OutcomeMeasured)

	q := &fakeQueue{}
	s, err := NewServer(":0", store, q, nil, reg, nil, logging.Discard())
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, q, store
}

func TestHealthAndAlgorithms(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/algorithms")
	require.NoError(t, err)
	defer resp.Body.Close()
	var algs map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&algs))
	assert.Contains(t, algs["float32"], "GAUSSIAN")
	assert.Contains(t, algs["psf"], "DGPSF")
}

func TestMeasureEnqueues(t *testing.T) {
	ts, q, _ := newTestServer(t)

	dir := t.TempDir()
	img := filepath.Join(dir, "m13.png")
	fps := filepath.Join(dir, "m13.footprints.json")
	require.NoError(t, os.WriteFile(img, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fps, []byte("{}"), 0o644))

	body := `{"image":"` + img + `","algorithm":"NAIVE","options":{"background":10}}`
	resp, err := http.Post(ts.URL+"/measure", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "job-1", out["id"])

	require.Len(t, q.jobs, 1)
	job := q.jobs[0]
	assert.Equal(t, pipeline.JobMeasure, job.Type)
	assert.Equal(t, fps, job.Footprints)
	assert.Equal(t, "NAIVE", job.Algorithm)
	assert.Equal(t, 10.0, job.Options["background"])
}

func TestMeasureRejectsBadRequests(t *testing.T) {
	ts, q, _ := newTestServer(t)

	for _, body := range []string{
		`{`,
		`{}`,
		`{"image":"/nowhere/x.png"}`,
		`{"image":"/nowhere/x.png","footprints":"/nowhere/x.footprints.json","algorithm":"SDSS"}`,
	} {
		resp, err := http.Post(ts.URL+"/measure", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}

	q.err = pipeline.ErrQueueFull
	resp, err := http.Post(ts.URL+"/psf", "application/json", strings.NewReader(`{"psfType":"SGPSF"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestJobsAndSources(t *testing.T) {
	ts, _, store := newTestServer(t)
	require.NoError(t, store.RecordJobQueued(storage.JobRecord{ID: "j1", JobType: "measure", Status: "queued"}))
	require.NoError(t, store.RecordJobResult("j1", "completed", map[string]any{"sources": 1}, ""))
	require.NoError(t, store.RecordSources("j1", []source.Summary{{ID: 7, X: shape.Some(1.5), Y: shape.Some(2.5)}}))

	resp, err := http.Get(ts.URL + "/jobs?limit=5")
	require.NoError(t, err)
	var jobs []storage.JobRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	resp.Body.Close()
	require.Len(t, jobs, 1)
	assert.Equal(t, "completed", jobs[0].Status)

	resp, err = http.Get(ts.URL + "/jobs/j1/sources")
	require.NoError(t, err)
	var sums []source.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sums))
	resp.Body.Close()
	require.Len(t, sums, 1)
	assert.Equal(t, int64(7), sums[0].ID)
	assert.Equal(t, shape.Some(1.5), sums[0].X)

	resp, err = http.Get(ts.URL + "/jobs/j1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, path := range []string{"/jobs/nope/sources", "/jobs/nope"} {
		resp, err = http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp, err = http.Get(ts.URL + "/jobs?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	var found bool
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "astromeas_sources_total") {
			found = true
		}
	}
	assert.True(t, found, "expected source counter in /metrics")
}

func TestStreamSendsResults(t *testing.T) {
	ts, q, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return q.subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	q.publish(pipeline.Result{Job: pipeline.Job{ID: "s-1", Type: pipeline.JobPSF}, Meta: map[string]any{"size": 11}})

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var res map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &res))
		assert.Equal(t, "s-1", res["job"].(map[string]any)["id"])
		return
	}
	t.Fatal("stream closed without data")
}
