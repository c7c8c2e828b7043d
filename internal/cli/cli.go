package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"astromeas/internal/config"
	"astromeas/internal/fsutil"
	"astromeas/internal/measure"
	"astromeas/internal/pipeline"
	"astromeas/internal/shape"
	"astromeas/internal/source"
	"astromeas/internal/storage"

	"github.com/fatih/color"
)

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Subscribe() (<-chan pipeline.Result, func())
}

// serverFunc runs the long-lived services until ctx ends.
type serverFunc func(ctx context.Context, r *Root, opts serveOptions) error

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	catalog  *measure.Catalog
	out      io.Writer
	serveFn  serverFunc
}

// NewRoot constructs the CLI root. pl may be any pipeline client; the
// serve command needs a *pipeline.Pipeline.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store, catalog *measure.Catalog) *Root {
	if catalog == nil {
		catalog = measure.Default()
	}
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		catalog:  catalog,
		out:      os.Stdout,
		serveFn:  defaultServe,
	}
}

var (
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	magenta = color.New(color.FgMagenta).SprintFunc()
	bold    = color.New(color.Bold).SprintFunc()
)

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	id, err := r.enqueue(ctx, job)
	if err != nil {
		return pipeline.Result{}, err
	}
	res, err := pipeline.Wait(ctx, resCh, id)
	if err != nil {
		return res, err
	}
	return res, res.Error
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	if job.ID == "" {
		job.ID = pipeline.NewJobID()
	}
	id, err := r.pipeline.Submit(job)
	if err != nil {
		return "", err
	}

	r.log.Info("job queued", "type", job.Type, "id", id, "input", job.InputPath)
	return id, nil
}

// measureArgs resolves the (image, footprints) pairs named on the command
// line: one image with an optional footprint file, or a directory.
func measureArgs(args []string) (map[string]string, error) {
	target := args[0]
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		if len(args) > 1 {
			return nil, fmt.Errorf("a footprint file cannot be given with a directory")
		}
		pairs, err := fsutil.PairImages(target)
		if err != nil {
			return nil, err
		}
		if len(pairs) == 0 {
			return nil, fmt.Errorf("no images with footprint files under %s", target)
		}
		return pairs, nil
	}
	fps := ""
	if len(args) > 1 {
		fps = args[1]
	} else if fps = fsutil.FootprintsFor(target); fps == "" {
		return nil, fmt.Errorf("no footprint file for %s (looked for <name>%s)", target, fsutil.FootprintsSuffix)
	}
	return map[string]string{target: fps}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func fmtValue(v shape.Value, prec int) string {
	if !v.Valid {
		return "-"
	}
	return fmt.Sprintf("%.*f", prec, v.V)
}

func colorFlags(flags []string) string {
	out := make([]string, len(flags))
	for i, f := range flags {
		switch f {
		case "EDGE":
			out[i] = yellow(f)
		case "PEAKCENTER":
			out[i] = magenta(f)
		case "SATUR", "SATUR_CENTER":
			out[i] = red(f)
		default:
			out[i] = f
		}
	}
	return strings.Join(out, ",")
}

func (r *Root) printSources(sums []source.Summary) {
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tX\tY\tFLUX\tE1\tE2\tRMS\tFLAGS")
	for _, s := range sums {
		var e1, e2, rms shape.Value
		if s.Shape != nil {
			e1, e2, rms = s.Shape.E1, s.Shape.E2, s.Shape.Rms
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.ID,
			fmtValue(s.X, 3), fmtValue(s.Y, 3), fmtValue(s.PsfFlux, 1),
			fmtValue(e1, 4), fmtValue(e2, 4), fmtValue(rms, 3), colorFlags(s.Flags))
	}
	tw.Flush()
}

func (r *Root) printPSF(meta map[string]any, kernel bool) {
	fmt.Fprintf(r.out, "%s size=%v sigma=%.4f sum=%.6f center=%.6f\n",
		bold(meta["type"]), meta["size"], meta["sigma"], meta["sum"], meta["center"])
	if !kernel {
		return
	}
	k, _ := meta["kernel"].([]float64)
	size, _ := meta["size"].(int)
	for y := 0; y < size && (y+1)*size <= len(k); y++ {
		row := make([]string, size)
		for x := range row {
			row[x] = fmt.Sprintf("%.5f", k[y*size+x])
		}
		fmt.Fprintln(r.out, strings.Join(row, " "))
	}
}

func (r *Root) printJobs(jobs []storage.JobRecord) {
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tALGORITHM\tIMAGE\tCREATED\tERROR")
	for _, j := range jobs {
		st := j.Status
		switch st {
		case "completed":
			st = green(st)
		case "failed":
			st = red(st)
		case "running":
			st = yellow(st)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.JobType, st, j.Algorithm,
			j.ImagePath, j.CreatedAt.Format("2006-01-02 15:04:05"), j.Error)
	}
	tw.Flush()
}

func (r *Root) printAlgorithms() {
	algs := r.catalog.Algorithms()
	for _, family := range sortedKeys(algs) {
		fmt.Fprintf(r.out, "%s: %s\n", bold(family), strings.Join(algs[family], ", "))
	}
}

// psfOptions builds job options for a PSF model given on the command line.
func psfOptions(typ string, size int, params []float64) map[string]any {
	opts := map[string]any{}
	if typ != "" {
		opts["psfType"] = typ
	}
	if size > 0 {
		opts["psfSize"] = size
	}
	if len(params) > 0 {
		opts["psfParams"] = params
	}
	return opts
}
