package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"astromeas/internal/centroid"
	"astromeas/internal/config"
	"astromeas/internal/exposure"
	"astromeas/internal/footprint"
	"astromeas/internal/measure"
	"astromeas/internal/metrics"
	"astromeas/internal/psf"
	"astromeas/internal/source"
	"astromeas/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	catalog  *measure.Catalog
	metrics  *metrics.Metrics
	settings config.Measurement
	psfCfg   config.PSF
	batch    int
	load     loadFunc
	readFps  func(path string) ([]*footprint.Footprint, error)
}

type loadFunc func(path string, opts exposure.LoadOptions) (*exposure.MaskedImage[float32], error)

func newRouter(logger *slog.Logger, store *storage.Store, catalog *measure.Catalog, m *metrics.Metrics, cfg *config.Config) *router {
	if catalog == nil {
		catalog = measure.Default()
	}
	return &router{
		log:      logger,
		store:    store,
		catalog:  catalog,
		metrics:  m,
		settings: cfg.Measurement,
		psfCfg:   cfg.PSF,
		batch:    cfg.Processing.BatchConcurrency,
		load:     exposure.Load,
		readFps:  footprint.ReadFile,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobMeasure:
		return r.handleMeasure(ctx, job)
	case JobPSF:
		return r.handlePSF(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// psfFromOptions builds the PSF named by the job options, falling back to
// the configured model field by field.
func (r *router) psfFromOptions(opts map[string]any) (psf.PSF, error) {
	typ := getStringOption(opts, "psfType")
	if typ == "" {
		typ = r.psfCfg.Type
	}
	size := getIntOption(opts, "psfSize")
	if size == 0 {
		size = r.psfCfg.Size
	}
	params := r.psfCfg.Params
	if raw, ok := opts["psfParams"]; ok {
		vals, err := floatSlice(raw)
		if err != nil {
			return nil, fmt.Errorf("psfParams: %w", err)
		}
		for i := 0; i < len(params) && i < len(vals); i++ {
			params[i] = vals[i]
		}
	}
	return r.catalog.PSF.Create(typ, size, params[0], params[1], params[2])
}

func (r *router) handleMeasure(ctx context.Context, job Job) Result {
	s := r.settings
	algorithm := job.Algorithm
	if algorithm == "" {
		algorithm = s.CentroidAlgorithm
	}
	meta := map[string]any{"algorithm": algorithm}

	if job.InputPath == "" || job.Footprints == "" {
		return Result{Job: job, Error: errors.New("measure job needs an image and a footprint file"), Meta: meta}
	}

	model, err := r.psfFromOptions(job.Options)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["psf"] = model.Type()

	img, err := r.load(job.InputPath, exposure.LoadOptions{
		Scale:           s.Scale,
		Gain:            s.Gain,
		ReadNoise:       s.ReadNoise,
		EdgeWidth:       s.EdgeWidth,
		SaturationLevel: s.SaturationLevel,
	})
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["width"], meta["height"] = img.Width(), img.Height()

	fps, err := r.readFps(job.Footprints)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	background := s.Background
	if v, ok := getFloat64Option(job.Options, "background"); ok {
		background = v
	}
	shapeOn := s.MeasureShape
	if v, ok := job.Options["shape"].(bool); ok {
		shapeOn = v
	}

	driver := measure.NewDriver[float32](r.catalog, measure.Options{
		Centroid: centroid.Options{
			HalfWidth:     s.GaussianHalfWidth,
			MaxIterations: s.MaxIterations,
		},
		Shape:       shapeOn,
		ShapeSigma:  s.ShapeSigma,
		Concurrency: r.batch,
	}, r.log.With("job", job.ID), r.metrics)

	items, recs := measure.Items(fps)
	if _, err := driver.MeasureAll(ctx, img, items, algorithm, background, model); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	sums := make([]source.Summary, len(recs))
	var edge, peak int
	for i, rec := range recs {
		sums[i] = rec.Summary()
		if rec.Flags().Has(source.FlagEdge) {
			edge++
		}
		if rec.Flags().Has(source.FlagPeakCenter) {
			peak++
		}
	}
	meta["sources"] = len(sums)
	meta["edge"] = edge
	meta["peakCenter"] = peak

	if err := r.store.RecordSources(job.ID, sums); err != nil {
		r.log.Warn("record sources", "job", job.ID, "error", err)
	}
	return Result{Job: job, Meta: meta, Sources: sums}
}

func (r *router) handlePSF(_ context.Context, job Job) Result {
	model, err := r.psfFromOptions(job.Options)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	sum := psf.Describe(model, getBoolOption(job.Options, "kernel"))
	meta := map[string]any{
		"type":   sum.Type,
		"size":   sum.Size,
		"sigma":  sum.Sigma,
		"sum":    sum.Sum,
		"center": sum.Center,
	}
	if sum.Kernel != nil {
		meta["kernel"] = sum.Kernel
	}
	return Result{Job: job, Meta: meta}
}

// Options arrive either typed (CLI) or JSON-decoded (HTTP, gRPC), so the
// helpers accept both.

func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getFloat64Option(options map[string]any, key string) (float64, bool) {
	v, err := toFloat(options[key])
	return v, err == nil
}

func getIntOption(options map[string]any, key string) int {
	v, err := toFloat(options[key])
	if err != nil || v != math.Trunc(v) {
		return 0
	}
	return int(v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	case nil:
		return 0, errors.New("missing")
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}

func floatSlice(v any) ([]float64, error) {
	switch x := v.(type) {
	case []float64:
		return x, nil
	case []any:
		out := make([]float64, len(x))
		for i, e := range x {
			f, err := toFloat(e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected %T", v)
	}
}
