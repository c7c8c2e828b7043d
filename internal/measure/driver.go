package measure

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"astromeas/internal/centroid"
	"astromeas/internal/exposure"
	"astromeas/internal/footprint"
	"astromeas/internal/logging"
	"astromeas/internal/metrics"
	"astromeas/internal/psf"
	"astromeas/internal/shape"
	"astromeas/internal/source"

	"golang.org/x/sync/errgroup"
)

// SourceRecord is the output record the driver writes into.
type SourceRecord interface {
	ID() int64
	SetAstrometry(x, y float64)
	SetPsfFlux(v float64)
	SetFlag(f source.Flag)
	SetShape(s shape.Record)
}

// Options configures a Driver.
type Options struct {
	Centroid centroid.Options
	// Shape enables weighted moments around each refined centroid.
	Shape bool
	// ShapeSigma is the moment weight width; <= 0 falls back to the PSF width.
	ShapeSigma float64
	// Concurrency bounds MeasureAll; <= 0 means unbounded.
	Concurrency int
}

// Driver measures sources on images of pixel type T.
type Driver[T exposure.Pixel] struct {
	catalog *Catalog
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDriver returns a driver resolving algorithms through c. logger and m
// may be nil.
func NewDriver[T exposure.Pixel](c *Catalog, opts Options, logger *slog.Logger, m *metrics.Metrics) *Driver[T] {
	if c == nil {
		c = Default()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Driver[T]{catalog: c, opts: opts, logger: logger, metrics: m}
}

// MeasureSource measures the source covering fp and writes the results into
// rec. The returned shape is also attached to rec.
//
// A peak on the EDGE mask plane is flagged and nothing else is measured. A
// centroid fit failure falls back to the integer peak and is not an error.
// Unknown algorithms and other refiner failures are returned.
func (d *Driver[T]) MeasureSource(rec SourceRecord, img *exposure.MaskedImage[T], fp *footprint.Footprint,
	algorithm string, background float64, p psf.PSF) (shape.Record, error) {
	sh := shape.New(shape.Moments{})

	agg, err := footprint.Aggregate(img.Image, fp)
	if err != nil {
		d.metrics.ObserveSource(algorithm, metrics.OutcomeError)
		return sh, fmt.Errorf("source %d: %w", rec.ID(), err)
	}
	rec.SetPsfFlux(agg.Sum())

	peak, err := agg.Peak()
	if err != nil {
		d.metrics.ObserveSource(algorithm, metrics.OutcomeError)
		return sh, fmt.Errorf("source %d: %w", rec.ID(), err)
	}

	if img.Mask != nil {
		rec.SetFlag(pixelFlags(img.Mask, fp, peak))
		if onEdge(img.Mask, peak) {
			rec.SetFlag(source.FlagEdge)
			sh.AddFlags(shape.FlagEdge)
			rec.SetShape(sh)
			d.metrics.ObserveSource(algorithm, metrics.OutcomeEdge)
			logging.LogSourceMeasured(d.logger, rec.ID(), algorithm, metrics.OutcomeEdge,
				float64(peak.Ix), float64(peak.Iy), source.FlagEdge.Names())
			return sh, nil
		}
	}

	reg, err := Centroids[T](d.catalog)
	if err != nil {
		return sh, err
	}
	refiner, err := centroid.Create(reg, algorithm, d.opts.Centroid)
	if err != nil {
		d.metrics.ObserveSource(algorithm, metrics.OutcomeError)
		return sh, fmt.Errorf("source %d: %w", rec.ID(), err)
	}

	start := time.Now()
	px, py := exposure.IndexToPosition(peak.Ix), exposure.IndexToPosition(peak.Iy)
	est, err := refiner.Refine(img.Image, px, py, p, background)
	d.metrics.ObserveRefine(algorithm, start)

	switch {
	case errors.Is(err, centroid.ErrFitFailure):
		rec.SetAstrometry(px, py)
		rec.SetFlag(source.FlagPeakCenter)
		sh.SetCentroid(shape.Point{X: px, Y: py})
		sh.AddFlags(shape.FlagPeakCenter)
		rec.SetShape(sh)
		d.metrics.ObserveSource(algorithm, metrics.OutcomePeakCenter)
		d.logger.Debug("centroid fit failed, using peak", "id", rec.ID(), "error", err)
		logging.LogSourceMeasured(d.logger, rec.ID(), algorithm, metrics.OutcomePeakCenter, px, py, source.FlagPeakCenter.Names())
		return sh, nil
	case err != nil:
		d.metrics.ObserveSource(algorithm, metrics.OutcomeError)
		return sh, fmt.Errorf("source %d: %w", rec.ID(), err)
	}
	rec.SetAstrometry(est.X, est.Y)

	if d.opts.Shape {
		sigma := d.opts.ShapeSigma
		if sigma <= 0 && p != nil {
			sigma = p.Sigma()
		}
		sh, err = shape.Measure(img, fp, est.X, est.Y, shape.MomentOptions{Sigma: sigma, Background: background})
		if err != nil {
			d.metrics.ObserveSource(algorithm, metrics.OutcomeError)
			return sh, fmt.Errorf("source %d: shape: %w", rec.ID(), err)
		}
	} else {
		sh.SetCentroid(shape.Point{X: est.X, Y: est.Y})
	}
	rec.SetShape(sh)

	d.metrics.ObserveSource(algorithm, metrics.OutcomeMeasured)
	logging.LogSourceMeasured(d.logger, rec.ID(), algorithm, metrics.OutcomeMeasured, est.X, est.Y, sh.Flags().Names())
	return sh, nil
}

// Item pairs a footprint with the record its results go to.
type Item struct {
	Record    SourceRecord
	Footprint *footprint.Footprint
}

// Items builds one fresh source.Record per footprint.
func Items(fps []*footprint.Footprint) ([]Item, []*source.Record) {
	items := make([]Item, len(fps))
	recs := make([]*source.Record, len(fps))
	for i, fp := range fps {
		recs[i] = source.New(fp.ID)
		items[i] = Item{Record: recs[i], Footprint: fp}
	}
	return items, recs
}

// MeasureAll measures every item concurrently. Shapes are returned in item
// order. The first error cancels the remaining items and is returned.
func (d *Driver[T]) MeasureAll(ctx context.Context, img *exposure.MaskedImage[T], items []Item,
	algorithm string, background float64, p psf.PSF) ([]shape.Record, error) {
	out := make([]shape.Record, len(items))
	g, ctx := errgroup.WithContext(ctx)
	if d.opts.Concurrency > 0 {
		g.SetLimit(d.opts.Concurrency)
	}
	for i, it := range items {
		i, it := i, it
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sh, err := d.MeasureSource(it.Record, img, it.Footprint, algorithm, background, p)
			if err != nil {
				return err
			}
			out[i] = sh
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func onEdge(m *exposure.Mask, peak footprint.Peak) bool {
	edge, err := m.PlaneBitMask(exposure.PlaneEdge)
	if err != nil {
		return false
	}
	lx, ly := peak.Ix-m.X0, peak.Iy-m.Y0
	return m.InBounds(lx, ly) && m.At(lx, ly)&edge != 0
}

// pixelFlags reports interpolated and saturated pixels over the whole
// footprint and in the 3x3 block around the peak.
func pixelFlags(m *exposure.Mask, fp *footprint.Footprint, peak footprint.Peak) source.Flag {
	intrp, err1 := m.PlaneBitMask(exposure.PlaneIntrp)
	sat, err2 := m.PlaneBitMask(exposure.PlaneSat)
	if err1 != nil || err2 != nil {
		return 0
	}
	all := footprint.MaskBits(m, fp)
	center := footprint.MaskBits(m, footprint.NewFromBox(fp.ID,
		image.Rect(peak.Ix-1, peak.Iy-1, peak.Ix+2, peak.Iy+2)))

	var f source.Flag
	if all&intrp != 0 {
		f |= source.FlagInterp
	}
	if center&intrp != 0 {
		f |= source.FlagInterpCenter
	}
	if all&sat != 0 {
		f |= source.FlagSatur
	}
	if center&sat != 0 {
		f |= source.FlagSaturCenter
	}
	return f
}
