package grpcserver

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"astromeas/internal/logging"
	"astromeas/internal/pipeline"
	"astromeas/internal/shape"
	"astromeas/internal/source"
	"astromeas/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// echoQueue completes every job immediately with a fixed meta.
type echoQueue struct {
	mu   sync.Mutex
	subs []chan pipeline.Result
	jobs []pipeline.Job
	full bool
}

func (q *echoQueue) Submit(job pipeline.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return "", pipeline.ErrQueueFull
	}
	job.ID = "g-1"
	q.jobs = append(q.jobs, job)
	for _, ch := range q.subs {
		ch <- pipeline.Result{Job: job, Meta: map[string]any{"sources": 1}}
	}
	return job.ID, nil
}

func (q *echoQueue) Subscribe() (<-chan pipeline.Result, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch := make(chan pipeline.Result, 1)
	q.subs = append(q.subs, ch)
	return ch, func() {}
}

func dial(t *testing.T, q Queue, store *storage.Store) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewMeasurementService(q, store, nil, logging.Discard()).RegisterWithServer(srv)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestListAlgorithms(t *testing.T) {
	c := dial(t, &echoQueue{}, nil)
	out, err := c.ListAlgorithms(ctx(t))
	require.NoError(t, err)
	m := out.AsMap()
	assert.Contains(t, m["float64"], "GAUSSIAN")
	assert.Contains(t, m["psf"], "SGPSF")
}

func TestSubmitMeasure(t *testing.T) {
	q := &echoQueue{}
	c := dial(t, q, nil)

	out, err := c.Submit(ctx(t), map[string]any{
		"image":      "/data/m1.png",
		"footprints": "/data/m1.footprints.json",
		"algorithm":  "NAIVE",
		"options":    map[string]any{"background": 5.0},
	})
	require.NoError(t, err)
	assert.Equal(t, "g-1", out.AsMap()["id"])

	require.Len(t, q.jobs, 1)
	assert.Equal(t, pipeline.JobMeasure, q.jobs[0].Type)
	assert.Equal(t, "NAIVE", q.jobs[0].Algorithm)
	assert.Equal(t, 5.0, q.jobs[0].Options["background"])
}

func TestSubmitWaitReturnsResult(t *testing.T) {
	c := dial(t, &echoQueue{}, nil)
	out, err := c.Submit(ctx(t), map[string]any{"type": "psf", "wait": true})
	require.NoError(t, err)
	m := out.AsMap()
	assert.Equal(t, "g-1", m["job"].(map[string]any)["id"])
	assert.Equal(t, 1.0, m["meta"].(map[string]any)["sources"])
}

func TestSubmitErrors(t *testing.T) {
	q := &echoQueue{}
	c := dial(t, q, nil)

	_, err := c.Submit(ctx(t), map[string]any{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.Submit(ctx(t), map[string]any{"type": "stack"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.Submit(ctx(t), map[string]any{"image": "/nowhere/a.png"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	q.full = true
	_, err = c.Submit(ctx(t), map[string]any{"type": "psf"})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestGetSources(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "grpc.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.RecordSources("j", []source.Summary{{ID: 3, PsfFlux: shape.Some(42)}}))

	c := dial(t, &echoQueue{}, store)
	out, err := c.GetSources(ctx(t), "j")
	require.NoError(t, err)
	sources := out.AsMap()["sources"].([]any)
	require.Len(t, sources, 1)
	assert.Equal(t, 42.0, sources[0].(map[string]any)["psf_flux"])

	_, err = c.GetSources(ctx(t), "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	noStore := dial(t, &echoQueue{}, nil)
	_, err = noStore.GetSources(ctx(t), "j")
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
