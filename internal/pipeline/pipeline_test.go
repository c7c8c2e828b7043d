package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"astromeas/internal/metrics"
	"astromeas/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubProcessor struct {
	mu    sync.Mutex
	seen  []string
	block chan struct{}
	err   error
}

func (s *stubProcessor) Process(ctx context.Context, job Job) Result {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.seen = append(s.seen, job.ID)
	s.mu.Unlock()
	return Result{Job: job, Error: s.err, Meta: map[string]any{"sources": 1}}
}

func TestSubmitAndWait(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	m := metrics.New(prometheus.NewRegistry())

	p := NewWithProcessor(context.Background(), 2, 4, &stubProcessor{}, nil, store, m)
	defer p.Stop()

	results, unsub := p.Subscribe()
	defer unsub()

	id, err := p.Submit(Job{Type: JobPSF})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated job id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := Wait(ctx, results, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.Job.ID != id || res.Error != nil {
		t.Fatalf("unexpected result %+v", res)
	}

	jobs, err := store.RecentJobs(1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("recent jobs: %v %v", jobs, err)
	}
	if jobs[0].Status != "completed" {
		t.Fatalf("expected completed, got %s", jobs[0].Status)
	}
	if got := testutil.ToFloat64(m.JobsTotal.WithLabelValues("psf", "ok")); got != 1 {
		t.Fatalf("expected one ok psf job, got %v", got)
	}
}

// storeChecker fails any job whose queued row is not in the store yet.
type storeChecker struct {
	store *storage.Store
}

func (c storeChecker) Process(ctx context.Context, job Job) Result {
	jobs, err := c.store.RecentJobs(1000)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	for _, j := range jobs {
		if j.ID == job.ID {
			return Result{Job: job}
		}
	}
	return Result{Job: job, Error: errors.New("job not recorded before processing")}
}

func TestSubmitRecordsBeforeWorkersRun(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	p := NewWithProcessor(context.Background(), 4, 64, storeChecker{store}, nil, store, nil)
	defer p.Stop()
	results, unsub := p.Subscribe()
	defer unsub()

	ids := make([]string, 0, 32)
	for i := 0; i < 32; i++ {
		id, err := p.Submit(Job{Type: JobPSF})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for range ids {
		select {
		case res := <-results:
			if res.Error != nil {
				t.Fatalf("job %s: %v", res.Job.ID, res.Error)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for results")
		}
	}

	jobs, err := store.RecentJobs(len(ids))
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	for _, j := range jobs {
		if j.Status != "completed" {
			t.Fatalf("job %s left as %s", j.ID, j.Status)
		}
	}
}

func TestSubmitQueueFull(t *testing.T) {
	proc := &stubProcessor{block: make(chan struct{})}
	p := NewWithProcessor(context.Background(), 1, 2, proc, nil, nil, nil)

	var full bool
	for i := 0; i < 10; i++ {
		if _, err := p.Submit(Job{Type: JobPSF}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	close(proc.block)
	p.Stop()
	if !full {
		t.Fatalf("expected ErrQueueFull")
	}
	if _, err := p.Submit(Job{Type: JobPSF}); err == nil {
		t.Fatalf("expected error after stop")
	}
}

func TestRunRecordsFailure(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	p := NewWithProcessor(context.Background(), 1, 0, &stubProcessor{err: errors.New("no image")}, nil, store, nil)
	defer p.Stop()

	res := p.Run(context.Background(), Job{ID: "run-1", Type: JobMeasure})
	if res.Error == nil {
		t.Fatalf("expected processor error")
	}
	jobs, err := store.RecentJobs(1)
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	if jobs[0].Status != "failed" || jobs[0].Error != "no image" {
		t.Fatalf("unexpected record %+v", jobs[0])
	}
}

func TestWaitStopsWithPipeline(t *testing.T) {
	p := NewWithProcessor(context.Background(), 1, 0, &stubProcessor{}, nil, nil, nil)
	results, _ := p.Subscribe()
	p.Stop()
	if _, err := Wait(context.Background(), results, "never"); err == nil {
		t.Fatalf("expected error from closed subscription")
	}
}

func TestResultJSONCarriesError(t *testing.T) {
	data, err := Result{Job: Job{ID: "a", Type: JobPSF}, Error: errors.New("bad psf")}.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if want := `"error":"bad psf"`; !strings.Contains(string(data), want) {
		t.Fatalf("expected %s in %s", want, data)
	}
}

