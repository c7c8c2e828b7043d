package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"astromeas/internal/config"
	"astromeas/internal/logging"
	"astromeas/internal/measure"
	"astromeas/internal/metrics"
	"astromeas/internal/source"
	"astromeas/internal/storage"

	"github.com/google/uuid"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	// JobMeasure measures every footprint of a footprint file on an image.
	JobMeasure JobType = "measure"
	// JobPSF renders a PSF model and reports its kernel.
	JobPSF JobType = "psf"
)

// ErrQueueFull is returned by Submit when no worker can take the job.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single processing request.
type Job struct {
	ID         string         `json:"id"`
	Type       JobType        `json:"type"`
	InputPath  string         `json:"input_path,omitempty"`
	Footprints string         `json:"footprints,omitempty"`
	Algorithm  string         `json:"algorithm,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

// NewJobID returns a fresh job identifier.
func NewJobID() string { return uuid.NewString() }

// Result captures the outcome of a Job.
type Result struct {
	Job     Job              `json:"job"`
	Error   error            `json:"-"`
	Meta    map[string]any   `json:"meta,omitempty"`
	Sources []source.Summary `json:"sources,omitempty"`
}

// MarshalJSON adds the error text.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(r), errString(r.Error)})
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	metrics   *metrics.Metrics
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline running cfg.Processing.ParallelJobs workers over
// the measurement router.
func New(ctx context.Context, cfg *config.Config, catalog *measure.Catalog, logger *slog.Logger, store *storage.Store, m *metrics.Metrics) *Pipeline {
	return NewWithProcessor(ctx, cfg.Processing.ParallelJobs, cfg.Processing.QueueSize,
		newRouter(logger, store, catalog, m, cfg), logger, store, m)
}

// NewWithProcessor creates a Pipeline around an arbitrary processor.
func NewWithProcessor(ctx context.Context, concurrency, queueSize int, proc Processor, logger *slog.Logger, store *storage.Store, m *metrics.Metrics) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < concurrency*2 {
		queueSize = concurrency * 2
	}
	if logger == nil {
		logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, queueSize),
		cancel:    cancel,
		store:     store,
		metrics:   m,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue. A job without an ID gets one.
func (p *Pipeline) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", errors.New("pipeline stopped")
	}

	// only Submit sends, under p.mu, so a free slot stays free until the send
	if len(p.jobs) == cap(p.jobs) {
		return "", ErrQueueFull
	}
	if err := p.recordQueued(job); err != nil {
		p.log.Warn("record queued job", "id", job.ID, "error", err)
	}
	p.jobs <- job
	p.metrics.SetQueueDepth(len(p.jobs))
	return job.ID, nil
}

// recordQueued stores the job before any worker can start it.
func (p *Pipeline) recordQueued(job Job) error {
	if p.store == nil {
		return nil
	}
	optsJSON, _ := json.Marshal(job.Options)
	return p.store.RecordJobQueued(storage.JobRecord{
		ID:             job.ID,
		JobType:        string(job.Type),
		Status:         "queued",
		ImagePath:      job.InputPath,
		FootprintsPath: job.Footprints,
		Algorithm:      job.Algorithm,
		OptionsJSON:    string(optsJSON),
	})
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.metrics.SetQueueDepth(len(p.jobs))
			p.broadcast(p.run(ctx, job))
		}
	}
}

// Run processes job synchronously on the calling goroutine, recording it
// like a queued job.
func (p *Pipeline) Run(ctx context.Context, job Job) Result {
	if job.ID == "" {
		job.ID = NewJobID()
	}
	if err := p.recordQueued(job); err != nil {
		p.log.Warn("record queued job", "id", job.ID, "error", err)
	}
	return p.run(ctx, job)
}

func (p *Pipeline) run(ctx context.Context, job Job) Result {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Options)

	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}
	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)
	p.metrics.ObserveJob(string(job.Type), res.Error == nil, duration)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":      job.InputPath,
			"footprints": job.Footprints,
			"options":    job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("record job result", "id", job.ID, "error", err)
		}
	}
	return res
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// Wait blocks until the job with id finishes or ctx ends. Subscribe before
// submitting to avoid missing a fast job.
func Wait(ctx context.Context, results <-chan Result, id string) (Result, error) {
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case res, ok := <-results:
			if !ok {
				return Result{}, fmt.Errorf("pipeline stopped before job %s completed", id)
			}
			if res.Job.ID == id {
				return res, nil
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
