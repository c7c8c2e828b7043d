package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"astromeas/internal/config"
	"astromeas/internal/footprint"
	"astromeas/internal/logging"
	"astromeas/internal/measure"
	"astromeas/internal/pipeline"
	"astromeas/internal/storage"

	fcolor "github.com/fatih/color"
)

func newTestRoot(t *testing.T) (*Root, *storage.Store) {
	t.Helper()
	fcolor.NoColor = true
	cfg := config.Default()
	cfg.Processing.ParallelJobs = 1

	store, err := storage.New(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pipe := pipeline.New(context.Background(), cfg, measure.Default(), logging.Discard(), store, nil)
	t.Cleanup(pipe.Stop)

	return NewRoot(pipe, cfg, logging.Discard(), store, nil), store
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	root.out = &buf
	cmd := newRootCmd(root)
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// writeStarImage writes a 16-bit PNG with one star centred on pixel (cx, cy)
// and the matching footprint file next to it.
func writeStarImage(t *testing.T, dir, name string, cx, cy int) string {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, 25, 23))
	for y := 0; y < 23; y++ {
		for x := 0; x < 25; x++ {
			dx, dy := float64(x-cx), float64(y-cy)
			v := 2000 + 50000*math.Exp(-(dx*dx+dy*dy)/(2*1.8*1.8))
			img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	path := filepath.Join(dir, name+".png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.Close()

	fps, err := os.Create(filepath.Join(dir, name+".footprints.json"))
	if err != nil {
		t.Fatalf("create footprints: %v", err)
	}
	defer fps.Close()
	if err := footprint.Encode(fps, []*footprint.Footprint{
		footprint.NewFromBox(1, image.Rect(cx-5, cy-5, cx+6, cy+6)),
	}); err != nil {
		t.Fatalf("encode footprints: %v", err)
	}
	return path
}

func TestMeasureCommandEndToEnd(t *testing.T) {
	root, store := newTestRoot(t)
	img := writeStarImage(t, t.TempDir(), "m57", 12, 11)

	out, err := execute(t, root, "measure", img, "--background", "0")
	if err != nil {
		t.Fatalf("measure failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "measured "+img) {
		t.Fatalf("expected measured line, got:\n%s", out)
	}

	jobs, err := store.RecentJobs(1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected one job, got %v %v", jobs, err)
	}
	sums, err := store.SourcesForJob(jobs[0].ID)
	if err != nil || len(sums) != 1 {
		t.Fatalf("expected one stored source, got %v %v", sums, err)
	}
	s := sums[0]
	if math.Abs(s.X.V-12) > 0.05 || math.Abs(s.Y.V-11) > 0.05 {
		t.Fatalf("centroid (%v, %v) far from (12, 11)", s.X, s.Y)
	}
	for _, f := range s.Flags {
		if f == "PEAKCENTER" || f == "EDGE" {
			t.Fatalf("unexpected flag %s", f)
		}
	}
}

func TestMeasureCommandJSONAndDirectory(t *testing.T) {
	root, _ := newTestRoot(t)
	dir := t.TempDir()
	writeStarImage(t, dir, "a", 10, 10)
	writeStarImage(t, dir, "b", 13, 12)

	out, err := execute(t, root, "measure", dir, "--json", "--algorithm", "NAIVE", "--no-shape")
	if err != nil {
		t.Fatalf("measure failed: %v\n%s", err, out)
	}
	dec := json.NewDecoder(strings.NewReader(out))
	var n int
	for dec.More() {
		var res struct {
			Job     pipeline.Job     `json:"job"`
			Sources []map[string]any `json:"sources"`
		}
		if err := dec.Decode(&res); err != nil {
			t.Fatalf("decode: %v\n%s", err, out)
		}
		if res.Job.Algorithm != "NAIVE" || len(res.Sources) != 1 {
			t.Fatalf("unexpected result %+v", res)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 results, got %d", n)
	}
}

func TestMeasureCommandErrors(t *testing.T) {
	root, _ := newTestRoot(t)
	dir := t.TempDir()

	if _, err := execute(t, root, "measure"); err == nil {
		t.Fatalf("expected error for missing image")
	}
	lonely := filepath.Join(dir, "lonely.png")
	if err := os.WriteFile(lonely, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, root, "measure", lonely); err == nil {
		t.Fatalf("expected error for missing footprint file")
	}
	if _, err := execute(t, root, "measure", dir); err == nil {
		t.Fatalf("expected error for directory without pairs")
	}

	img := writeStarImage(t, dir, "c", 12, 11)
	out, err := execute(t, root, "measure", img, "--algorithm", "SDSS")
	if err == nil || !strings.Contains(out, "FAILED") {
		t.Fatalf("expected failure for unknown algorithm, got %v\n%s", err, out)
	}
}

func TestPSFCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "psf", "SGPSF", "5", "1.2", "--kernel")
	if err != nil {
		t.Fatalf("psf failed: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 6 {
		t.Fatalf("expected summary and 5 kernel rows, got:\n%s", out)
	}
	if !strings.HasPrefix(lines[0], "SGPSF size=5") {
		t.Fatalf("unexpected summary %q", lines[0])
	}

	if _, err := execute(t, root, "psf", "NOPE", "5"); err == nil {
		t.Fatalf("expected error for unknown PSF")
	}
	if _, err := execute(t, root, "psf", "DGPSF", "five"); err == nil {
		t.Fatalf("expected error for bad size")
	}
}

func TestInfoCommands(t *testing.T) {
	root, store := newTestRoot(t)

	out, err := execute(t, root, "algorithms")
	if err != nil || !strings.Contains(out, "float32: GAUSSIAN, NAIVE") || !strings.Contains(out, "psf: DGPSF, SGPSF") {
		t.Fatalf("algorithms: %v\n%s", err, out)
	}

	out, err = execute(t, root, "version")
	if err != nil || !strings.Contains(out, "astromeas "+Version) {
		t.Fatalf("version: %v\n%s", err, out)
	}

	out, err = execute(t, root, "config", "show")
	if err != nil || !strings.Contains(out, "centroid_algorithm: GAUSSIAN") {
		t.Fatalf("config show: %v\n%s", err, out)
	}
	out, err = execute(t, root, "config", "show", "--format", "json")
	if err != nil || !strings.Contains(out, `"centroid_algorithm": "GAUSSIAN"`) {
		t.Fatalf("config show json: %v\n%s", err, out)
	}

	if err := store.RecordJobQueued(storage.JobRecord{ID: "old-job", JobType: "psf", Status: "queued"}); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordJobResult("old-job", "failed", nil, "bad psf"); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, root, "jobs", "--limit", "5")
	if err != nil || !strings.Contains(out, "old-job") || !strings.Contains(out, "bad psf") {
		t.Fatalf("jobs: %v\n%s", err, out)
	}

	if _, err := execute(t, root, "sources", "old-job"); err == nil {
		t.Fatalf("expected error for job without sources")
	}
}

func TestSourcesCommandAfterMeasure(t *testing.T) {
	root, store := newTestRoot(t)
	img := writeStarImage(t, t.TempDir(), "m1", 12, 11)
	if out, err := execute(t, root, "measure", img); err != nil {
		t.Fatalf("measure: %v\n%s", err, out)
	}
	jobs, _ := store.RecentJobs(1)

	out, err := execute(t, root, "sources", jobs[0].ID)
	if err != nil {
		t.Fatalf("sources: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "ID") || !strings.HasPrefix(lines[1], "1 ") {
		t.Fatalf("unexpected sources output:\n%s", out)
	}
}

func TestServeUsesConfiguredAddresses(t *testing.T) {
	root, _ := newTestRoot(t)
	var got serveOptions
	root.serveFn = func(ctx context.Context, r *Root, opts serveOptions) error {
		got = opts
		return nil
	}

	if _, err := execute(t, root, "serve", "--grpc", "", "--watch", "/a", "--watch", "/b"); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if got.HTTPAddr != root.cfg.Server.HTTPAddr || got.GRPCAddr != "" || got.WebAddr != root.cfg.Server.WebAddr {
		t.Fatalf("unexpected addresses %+v", got)
	}
	if len(got.WatchDirs) != 2 {
		t.Fatalf("expected two watch dirs, got %v", got.WatchDirs)
	}

	if err := defaultServe(context.Background(), root, serveOptions{}); err == nil {
		t.Fatalf("expected error with no listeners")
	}
}
