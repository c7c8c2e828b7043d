// Package watch turns new images in watched directories into measure jobs.
package watch

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"astromeas/internal/fsutil"
	"astromeas/internal/logging"
	"astromeas/internal/pipeline"

	"github.com/fsnotify/fsnotify"
)

// Submitter accepts jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) (string, error)
}

// Event is a measure job the watcher submitted.
type Event struct {
	JobID      string    `json:"job_id"`
	Image      string    `json:"image"`
	Footprints string    `json:"footprints"`
	Operation  string    `json:"operation"` // "created", "modified", "renamed"
	Time       time.Time `json:"time"`
}

// Options tunes a Watcher.
type Options struct {
	// Algorithm overrides the configured centroid algorithm when set.
	Algorithm string
	// Debounce suppresses repeat submissions of one image; 0 means 2s.
	Debounce time.Duration
}

// Watcher monitors directories and submits a measure job whenever an image
// and its footprint file are both present.
type Watcher struct {
	watcher *fsnotify.Watcher
	submit  Submitter
	opts    Options
	log     *slog.Logger
	dirs    []string

	// Events receives one entry per submitted job; it is closed by Stop.
	Events chan Event

	mu       sync.Mutex
	last     map[string]time.Time
	started  atomic.Bool
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

// New creates a watcher over dirs. Nothing is watched until Start.
func New(dirs []string, submit Submitter, opts Options, logger *slog.Logger) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, errors.New("watch: no directories")
	}
	if opts.Debounce == 0 {
		opts.Debounce = 2 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fw,
		submit:   submit,
		opts:     opts,
		log:      logger,
		dirs:     dirs,
		Events:   make(chan Event, 100),
		last:     make(map[string]time.Time),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories.
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}
	w.started.Store(true)
	go w.processEvents()
	return nil
}

// Stop stops the watcher and closes Events.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		if w.started.Load() {
			<-w.finished
		}
		close(w.Events)
	})
	return err
}

func (w *Watcher) processEvents() {
	defer close(w.finished)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			var operation string
			switch {
			case event.Op.Has(fsnotify.Create):
				operation = "created"
			case event.Op.Has(fsnotify.Write):
				operation = "modified"
			case event.Op.Has(fsnotify.Rename):
				operation = "renamed"
			default:
				continue
			}
			w.handle(event.Name, operation)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// pair resolves the (image, footprints) pair a changed path belongs to.
func pair(path string) (image, footprints string) {
	switch {
	case strings.HasSuffix(path, fsutil.FootprintsSuffix):
		return fsutil.ImageFor(path), path
	case fsutil.IsImageFile(path):
		return path, fsutil.FootprintsFor(path)
	}
	return "", ""
}

func (w *Watcher) handle(path, operation string) {
	image, footprints := pair(filepath.Clean(path))
	if image == "" || footprints == "" {
		return
	}

	now := time.Now()
	w.mu.Lock()
	if t, ok := w.last[image]; ok && now.Sub(t) < w.opts.Debounce {
		w.mu.Unlock()
		return
	}
	w.last[image] = now
	w.mu.Unlock()

	id, err := w.submit.Submit(pipeline.Job{
		Type:       pipeline.JobMeasure,
		InputPath:  image,
		Footprints: footprints,
		Algorithm:  w.opts.Algorithm,
	})
	if err != nil {
		w.log.Warn("submit measure job", "image", image, "error", err)
		w.mu.Lock()
		delete(w.last, image)
		w.mu.Unlock()
		return
	}
	w.log.Info("queued measure job", "id", id, "image", image, "footprints", footprints)

	select {
	case w.Events <- Event{JobID: id, Image: image, Footprints: footprints, Operation: operation, Time: now}:
	default:
		w.log.Warn("event buffer full, dropping event", "image", image)
	}
}
