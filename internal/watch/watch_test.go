package watch

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"astromeas/internal/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	err  error
}

func (f *fakeSubmitter) Submit(job pipeline.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return "job-" + filepath.Base(job.InputPath), nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func write(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
}

func TestNewRequiresDirectories(t *testing.T) {
	_, err := New(nil, &fakeSubmitter{}, Options{}, nil)
	assert.Error(t, err)
}

func TestSubmitsWhenPairCompletes(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	w, err := New([]string{dir}, sub, Options{Algorithm: "NAIVE", Debounce: time.Minute}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	img := filepath.Join(dir, "m42.png")
	write(t, img)
	write(t, filepath.Join(dir, "m42.footprints.json"))

	select {
	case ev := <-w.Events:
		assert.Equal(t, img, ev.Image)
		assert.Equal(t, "job-m42.png", ev.JobID)
	case <-time.After(5 * time.Second):
		t.Fatal("no job submitted")
	}

	sub.mu.Lock()
	job := sub.jobs[0]
	sub.mu.Unlock()
	assert.Equal(t, pipeline.JobMeasure, job.Type)
	assert.Equal(t, "NAIVE", job.Algorithm)
	assert.Equal(t, filepath.Join(dir, "m42.footprints.json"), job.Footprints)

	// further writes inside the debounce window are ignored
	write(t, img)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, sub.count())
}

func TestHandleIgnoresUnpairedAndOtherFiles(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{}
	w, err := New([]string{dir}, sub, Options{}, nil)
	require.NoError(t, err)
	defer w.Stop()

	notes := filepath.Join(dir, "notes.txt")
	write(t, notes)
	w.handle(notes, "created")

	img := filepath.Join(dir, "lonely.png")
	write(t, img)
	w.handle(img, "created")
	assert.Zero(t, sub.count())
}

func TestSubmitErrorAllowsRetry(t *testing.T) {
	dir := t.TempDir()
	sub := &fakeSubmitter{err: errors.New("queue full")}
	w, err := New([]string{dir}, sub, Options{Debounce: time.Hour}, nil)
	require.NoError(t, err)
	defer w.Stop()

	img := filepath.Join(dir, "a.png")
	write(t, img)
	write(t, filepath.Join(dir, "a.footprints.json"))

	w.handle(img, "created")
	assert.Zero(t, sub.count())

	sub.mu.Lock()
	sub.err = nil
	sub.mu.Unlock()
	w.handle(img, "modified")
	assert.Equal(t, 1, sub.count())
}
